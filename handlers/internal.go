package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"cardgate-api/models"
	"cardgate-api/services/auth"
	"cardgate-api/utils"
)

// InternalHandler mints merchant session tokens when the gate runs in
// static verification mode. The endpoint is guarded by a shared secret
// and is meant for dev and test deployments without a merchant-auth
// service.
type InternalHandler struct {
	jwtService *auth.JWTService
	secret     string
	validate   *validator.Validate
	tokenTTL   time.Duration
}

func NewInternalHandler(jwtService *auth.JWTService, secret string) *InternalHandler {
	return &InternalHandler{
		jwtService: jwtService,
		secret:     secret,
		validate:   validator.New(),
		tokenTTL:   auth.DefaultTokenDuration,
	}
}

// RequireSecret rejects requests without the X-Internal-Secret header.
func (h *InternalHandler) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" || r.Header.Get("X-Internal-Secret") != h.secret {
			utils.SendErrorResponse(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GenerateMerchantToken handles POST /api/internal/merchant-token.
func (h *InternalHandler) GenerateMerchantToken(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "merchant_id and a valid allowed_domain are required")
		return
	}

	token, expiresAt, err := h.jwtService.GenerateToken(req.MerchantID, req.AllowedDomain, h.tokenTTL)
	if err != nil {
		log.Printf("Failed to mint merchant token for %s: %v", req.MerchantID, err)
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status:  "success",
		Message: "Token generated",
		Data: map[string]interface{}{
			"token":      token,
			"expires_in": int(time.Until(expiresAt).Seconds()),
		},
	})
}
