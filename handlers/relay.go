package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"cardgate-api/middleware"
	"cardgate-api/models"
	"cardgate-api/relay"
	"cardgate-api/utils"
)

// RelayHandler exposes the relay session to the widget: it polls state
// here and delivers inbound parent-frame messages here. Messages from an
// origin other than the session's verified one are dropped without a
// distinguishing status, so a probing page learns nothing.
type RelayHandler struct {
	sessions *relay.Registry
}

func NewRelayHandler(registry *relay.Registry) *RelayHandler {
	return &RelayHandler{sessions: registry}
}

// PostMessage handles POST /api/relay/message.
func (h *RelayHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.ParentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg.SessionID == "" {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Missing session_id")
		return
	}

	sess, ok := h.sessions.Get(msg.SessionID)
	if !ok {
		utils.SendErrorResponse(w, http.StatusNotFound, "Unknown or expired session")
		return
	}

	err := sess.AcceptMessage(msg.Origin, msg)
	if err != nil && !errors.Is(err, relay.ErrOriginMismatch) {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Message rejected")
		return
	}
	// Origin mismatches are logged by the session and answered exactly
	// like accepted messages.
	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /api/relay/session/{id}. It reports field
// validity, state and the outbound envelope once tokenized; raw card
// fields are never part of the snapshot.
func (h *RelayHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetMerchantFromContext(r.Context())
	if identity == nil {
		utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
		return
	}

	sessionID := mux.Vars(r)["id"]
	sess, ok := h.sessions.Get(sessionID)
	if !ok || sess.MerchantID != identity.MerchantID {
		utils.SendErrorResponse(w, http.StatusNotFound, "Unknown or expired session")
		return
	}

	snapshot := map[string]interface{}{
		"session_id": sess.ID,
		"state":      sess.State().String(),
		"origin":     sess.Origin(),
		"fields":     flagsFor(sess.Result()),
	}
	if env, ok := sess.Envelope(); ok {
		snapshot["envelope"] = env
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status: "success",
		Data:   snapshot,
	})
}
