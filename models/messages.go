package models

// MessageTypeCardToken is the only message type the gate ever posts to
// the parent frame.
const MessageTypeCardToken = "card_token"

// CardTokenMessage is the cross-frame payload relayed to the merchant
// page after tokenization. It carries the opaque token and the masked
// PAN and nothing else.
type CardTokenMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	MaskedPAN string `json:"maskedPAN"`
}

// ParentMessage is an inbound cross-frame message from the embedding
// page. Origin is checked against the session's verified origin before
// the payload is trusted.
type ParentMessage struct {
	SessionID  string `json:"session_id"`
	Origin     string `json:"origin"`
	Type       string `json:"type"`
	MerchantID string `json:"merchantId,omitempty"`
}
