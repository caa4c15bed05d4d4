package models

// MerchantIdentity is the payload returned by the merchant-auth service
// for a verified bearer token. AllowedDomain is the only origin that may
// embed the gate page and receive relay messages.
type MerchantIdentity struct {
	MerchantID    string `json:"merchantId"`
	AllowedDomain string `json:"allowedDomain"`
}

// GenerateTokenRequest is the internal endpoint payload for minting a
// static-mode merchant session token.
type GenerateTokenRequest struct {
	MerchantID    string `json:"merchant_id" validate:"required"`
	AllowedDomain string `json:"allowed_domain" validate:"required,url"`
	WebhookURL    string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}
