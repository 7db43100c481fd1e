package relay

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/auth"
)

// HistoryHandler serves `GET /api/chats?groupId=` with the messages of the
// group as a JSON array.
type HistoryHandler struct {
	authClient auth.Client
	api        *ChatApi
}

func NewHistoryHandler(authClient auth.Client, api *ChatApi) *HistoryHandler {
	return &HistoryHandler{authClient: authClient, api: api}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("history: authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusUnauthorized)
		return
	}

	groupID := r.URL.Query().Get("groupId")
	if groupID == "" {
		http.Error(w, "groupId is required", http.StatusBadRequest)
		return
	}

	msgs, apiErr := h.api.History(r.Context(), groupID)
	if apiErr != nil {
		http.Error(w, apiErr.Message, http.StatusInternalServerError)
		return
	}
	glog.V(5).Infof("history: %d messages, group: %s, email: %s", len(msgs), groupID, email)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		glog.Errorf("history: write response error: %v", err)
	}
}
