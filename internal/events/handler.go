package events

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/auth"
)

// Handler serves the activity log HTTP endpoints.
type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List returns the caller's activity entries, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "limit", 20)

	logs, total, err := h.repo.ListByUser(r.Context(), userID, page, pageSize)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []ActivityLog{}
	}

	api.JSONPaginated(w, r, http.StatusOK, logs, total, page, pageSize)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
