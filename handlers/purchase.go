package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"cardgate-api/middleware"
	"cardgate-api/models"
	"cardgate-api/queue"
	"cardgate-api/relay"
	"cardgate-api/services/processor"
	"cardgate-api/utils"
)

// PurchaseHandler charges tokens and resolves them back through the
// processor. Both endpoints mirror the processor's status, content type
// and body verbatim so the widget sees exactly what the processor said.
type PurchaseHandler struct {
	sessions   *relay.Registry
	backend    ProxyBackend
	validate   *validator.Validate
	queue      *queue.Queue
	webhookURL string
}

func NewPurchaseHandler(registry *relay.Registry, backend ProxyBackend, jobQueue *queue.Queue, webhookURL string) *PurchaseHandler {
	return &PurchaseHandler{
		sessions:   registry,
		backend:    backend,
		validate:   validator.New(),
		queue:      jobQueue,
		webhookURL: webhookURL,
	}
}

// ProxyPurchase handles POST /api/proxy/purchase. The token is read from
// the relay session, never from the request, so a purchase cannot run
// before tokenization succeeded for that session.
func (h *PurchaseHandler) ProxyPurchase(w http.ResponseWriter, r *http.Request) {
	requestID := utils.GenerateRandomString(8)

	identity := middleware.GetMerchantFromContext(r.Context())
	if identity == nil {
		utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
		return
	}
	bearer := middleware.GetBearerFromContext(r.Context())

	var req models.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Missing session_id")
		return
	}

	sess, ok := h.sessions.Get(req.SessionID)
	if !ok {
		utils.SendErrorResponse(w, http.StatusNotFound, "Unknown or expired session")
		return
	}
	if sess.MerchantID != identity.MerchantID {
		utils.SendErrorResponse(w, http.StatusForbidden, "Session does not belong to this merchant")
		return
	}

	token, ok := sess.Token()
	if !ok {
		utils.SendErrorResponse(w, http.StatusConflict, "Card not tokenized yet")
		return
	}

	result, err := h.backend.Purchase(r.Context(), bearer, token)
	if err != nil {
		log.Printf("[%s] Purchase call failed for merchant %s: %v", requestID, identity.MerchantID, err)
		utils.SendJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  "error",
			Message: "Card processor unavailable, retry shortly",
			Data:    map[string]bool{"retryable": true},
		})
		return
	}

	event := "purchase_declined"
	if result.StatusCode >= 200 && result.StatusCode < 300 {
		event = "purchase_approved"
	}
	h.enqueueAudit(requestID, identity.MerchantID, sess.ID, event, token)

	writeProxied(w, result)
}

// ProxyDetokenize handles POST /api/proxy/detokenize.
func (h *PurchaseHandler) ProxyDetokenize(w http.ResponseWriter, r *http.Request) {
	requestID := utils.GenerateRandomString(8)

	identity := middleware.GetMerchantFromContext(r.Context())
	if identity == nil {
		utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
		return
	}
	bearer := middleware.GetBearerFromContext(r.Context())

	var req models.DetokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Missing token")
		return
	}

	result, err := h.backend.Detokenize(r.Context(), bearer, req.Token)
	if err != nil {
		log.Printf("[%s] Detokenize call failed for merchant %s: %v", requestID, identity.MerchantID, err)
		utils.SendJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  "error",
			Message: "Card processor unavailable, retry shortly",
			Data:    map[string]bool{"retryable": true},
		})
		return
	}

	writeProxied(w, result)
}

func (h *PurchaseHandler) enqueueAudit(requestID, merchantID, sessionID, event, tokenRef string) {
	if h.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.queue.Enqueue(ctx, queue.JobTypeAuditRecord, map[string]interface{}{
		"request_id":  requestID,
		"merchant_id": merchantID,
		"session_id":  sessionID,
		"event":       event,
		"token_ref":   tokenRef,
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
		"event":       event,
		"token_ref":   tokenRef,
		"webhook_url": h.webhookURL,
	})
	if err != nil {
		log.Printf("[%s] Failed to enqueue merchant notification: %v", requestID, err)
	}
}

// writeProxied mirrors the processor response without reinterpreting it.
func writeProxied(w http.ResponseWriter, result *processor.ProxyResult) {
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}
