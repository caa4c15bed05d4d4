package models

// TokenizeRequest is the widget's proxy payload. PAN and CVV are
// transient: handlers must never log or persist them.
type TokenizeRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	PAN       string `json:"pan" validate:"required,min=12"`
	CVV       string `json:"cvv" validate:"required,numeric"`
	Expiry    string `json:"expiry" validate:"required"`
}

// TokenizeResult is the processor's answer: an opaque token and a masked
// PAN, the only two card-derived values that may leave the gate.
type TokenizeResult struct {
	Token     string `json:"token"`
	MaskedPAN string `json:"masked_pan"`
}

// PurchaseRequest charges a previously issued token. The token itself is
// looked up from the relay session so a purchase can never run before
// tokenization succeeded.
type PurchaseRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// DetokenizeRequest is forwarded verbatim to the processor.
type DetokenizeRequest struct {
	Token string `json:"token" validate:"required"`
}
