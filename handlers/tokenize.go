package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"cardgate-api/card"
	"cardgate-api/middleware"
	"cardgate-api/models"
	"cardgate-api/queue"
	"cardgate-api/relay"
	"cardgate-api/services/processor"
	"cardgate-api/utils"
)

// TokenizeHandler exchanges raw card data for a processor token through
// the relay session. The raw PAN and CVV live only inside the request
// scope and the session snapshot; every response and job payload carries
// the masked form.
type TokenizeHandler struct {
	sessions   *relay.Registry
	validate   *validator.Validate
	queue      *queue.Queue
	webhookURL string
}

func NewTokenizeHandler(registry *relay.Registry, jobQueue *queue.Queue, webhookURL string) *TokenizeHandler {
	return &TokenizeHandler{
		sessions:   registry,
		validate:   validator.New(),
		queue:      jobQueue,
		webhookURL: webhookURL,
	}
}

// fieldFlags mirrors the per-field validity the widget uses to highlight
// inputs without revealing what was typed.
type fieldFlags struct {
	PANOk    bool   `json:"pan_ok"`
	ExpiryOk bool   `json:"expiry_ok"`
	CVVOk    bool   `json:"cvv_ok"`
	Brand    string `json:"brand"`
}

func flagsFor(res card.Result) fieldFlags {
	return fieldFlags{
		PANOk:    res.PANOk,
		ExpiryOk: res.ExpiryOk,
		CVVOk:    res.CVVOk,
		Brand:    string(res.Brand),
	}
}

// ProxyTokenize handles POST /api/proxy/tokenize.
func (h *TokenizeHandler) ProxyTokenize(w http.ResponseWriter, r *http.Request) {
	requestID := utils.GenerateRandomString(8)

	identity := middleware.GetMerchantFromContext(r.Context())
	if identity == nil {
		utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
		return
	}

	var req models.TokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		log.Printf("[%s] Tokenize request failed validation for merchant %s", requestID, identity.MerchantID)
		utils.SendErrorResponse(w, http.StatusBadRequest, "Missing or malformed card fields")
		return
	}

	sess, ok := h.sessions.Get(req.SessionID)
	if !ok {
		utils.SendErrorResponse(w, http.StatusNotFound, "Unknown or expired session")
		return
	}
	if sess.MerchantID != identity.MerchantID {
		log.Printf("[%s] Merchant %s attempted to use session owned by another merchant", requestID, identity.MerchantID)
		utils.SendErrorResponse(w, http.StatusForbidden, "Session does not belong to this merchant")
		return
	}

	res := sess.UpdateInput(card.Input{
		PAN:    req.PAN,
		Expiry: req.Expiry,
		CVV:    req.CVV,
	})
	if !res.AllValid() {
		utils.SendJSONResponse(w, http.StatusBadRequest, models.APIResponse{
			Status:  "error",
			Message: "Card details failed validation",
			Data:    flagsFor(res),
		})
		return
	}

	env, err := sess.Tokenize(r.Context())
	if err != nil {
		h.writeTokenizeError(w, requestID, identity.MerchantID, sess, err)
		return
	}

	log.Printf("[%s] Tokenized card for merchant %s session %s", requestID, identity.MerchantID, sess.ID)
	h.enqueueFollowups(requestID, identity.MerchantID, sess.ID, env.Message)

	utils.SendJSONResponse(w, http.StatusOK, models.APIResponse{
		Status:  "success",
		Message: "Card tokenized",
		Data:    env,
	})
}

func (h *TokenizeHandler) writeTokenizeError(w http.ResponseWriter, requestID, merchantID string, sess *relay.Session, err error) {
	switch {
	case errors.Is(err, relay.ErrTokenizeInFlight):
		utils.SendErrorResponse(w, http.StatusConflict, "Tokenization already in progress")
	case errors.Is(err, relay.ErrCardInvalid):
		utils.SendJSONResponse(w, http.StatusBadRequest, models.APIResponse{
			Status:  "error",
			Message: "Card details failed validation",
			Data:    flagsFor(sess.Result()),
		})
	case errors.Is(err, relay.ErrInputChanged):
		utils.SendErrorResponse(w, http.StatusConflict, "Card details changed during tokenization, retry")
	case errors.Is(err, relay.ErrSessionDisposed):
		utils.SendErrorResponse(w, http.StatusNotFound, "Unknown or expired session")
	case errors.Is(err, processor.ErrProcessor):
		log.Printf("[%s] Processor rejected tokenize for merchant %s", requestID, merchantID)
		utils.SendJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  "error",
			Message: "Card processor unavailable, retry shortly",
			Data:    map[string]bool{"retryable": true},
		})
	default:
		log.Printf("[%s] Tokenize failed for merchant %s: %v", requestID, merchantID, err)
		utils.SendJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  "error",
			Message: "Card processor unavailable, retry shortly",
			Data:    map[string]bool{"retryable": true},
		})
	}
}

// enqueueFollowups records the tokenization and notifies the merchant
// webhook. Both jobs carry only the token reference and masked PAN.
func (h *TokenizeHandler) enqueueFollowups(requestID, merchantID, sessionID string, msg models.CardTokenMessage) {
	if h.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.queue.Enqueue(ctx, queue.JobTypeAuditRecord, map[string]interface{}{
		"request_id":  requestID,
		"merchant_id": merchantID,
		"session_id":  sessionID,
		"event":       "card_tokenized",
		"token_ref":   msg.Token,
		"masked_pan":  msg.MaskedPAN,
	})
	if err != nil {
		log.Printf("[%s] Failed to enqueue audit record: %v", requestID, err)
	}

	if h.webhookURL == "" {
		return
	}
	err = h.queue.Enqueue(ctx, queue.JobTypeMerchantNotification, map[string]interface{}{
		"request_id":  requestID,
		"merchant_id": merchantID,
		"session_id":  sessionID,
		"event":       "card_tokenized",
		"token_ref":   msg.Token,
		"masked_pan":  msg.MaskedPAN,
		"webhook_url": h.webhookURL,
	})
	if err != nil {
		log.Printf("[%s] Failed to enqueue merchant notification: %v", requestID, err)
	}
}
