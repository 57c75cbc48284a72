package gateway

import (
	"net/http"

	"github.com/af-corp/copilot-bridge/internal/httputil"
	"github.com/af-corp/copilot-bridge/internal/initiator"
)

type conversationsResponse struct {
	OK            bool                    `json:"ok"`
	Config        initiator.Bounds        `json:"config"`
	Conversations []initiator.WindowStats `json:"conversations"`
	Sessions      map[string]int          `json:"sessions"`
}

// AdminConversations handles GET /admin/conversations
func (h *Handler) AdminConversations(w http.ResponseWriter, r *http.Request) {
	resp := conversationsResponse{
		OK:            true,
		Config:        h.Limits.Get(),
		Conversations: h.Windows.Stats(),
		Sessions:      h.Sessions.Sessions(),
	}
	if resp.Conversations == nil {
		resp.Conversations = []initiator.WindowStats{}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// AdminReloadToken handles GET|POST /admin/reload-token
func (h *Handler) AdminReloadToken(w http.ResponseWriter, r *http.Request) {
	if err := h.Creds.Reload(r.Context()); err != nil {
		h.Logger.Error("token reload failed", "error", err)
		httputil.WriteAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Logger.Info("token reloaded via admin endpoint")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "Token reloaded",
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	creds := h.Creds.Status()
	if !creds.HasBearer {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"credential": creds,
		"models":     len(h.Catalog.Models()),
	})
}
