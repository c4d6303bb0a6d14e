package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/auth"
	"github.com/deepchat-app/deepchat/internal/completion"
	"github.com/deepchat-app/deepchat/internal/metrics"
	"github.com/deepchat-app/deepchat/internal/users"
)

type Handler struct {
	svc      *Service
	userSvc  *users.Service
	validate *validator.Validate
}

func NewHandler(svc *Service, userSvc *users.Service) *Handler {
	return &Handler{
		svc:      svc,
		userSvc:  userSvc,
		validate: validator.New(),
	}
}

type gateKey struct{}

// QuotaGate loads the authenticated user with a lazily reset monthly
// counter and rejects the request when the quota is spent. The loaded
// user is stashed in the context for the handler.
func (h *Handler) QuotaGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetUserClaims(r.Context())
		if claims == nil {
			api.HandleError(w, r, api.ErrUnauthorized)
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			api.HandleError(w, r, api.ErrTokenInvalid)
			return
		}

		user, err := h.userSvc.CheckedUser(r.Context(), userID)
		if err != nil {
			slog.Error("loading user for quota check", "error", err, "user_id", userID)
			api.HandleError(w, r, api.ErrInternalServer)
			return
		}
		if user == nil {
			api.HandleError(w, r, api.ErrUnauthorized)
			return
		}

		if !users.CanSendMessage(user) {
			metrics.QuotaRejectionsTotal.Inc()
			api.HandleError(w, r, api.NewQuotaExceededError("monthly usage limit reached", map[string]any{
				"currentUsage":     user.MonthlyMessageCount,
				"subscriptionTier": user.SubscriptionTier,
				"remaining":        users.RemainingMessages(user),
			}))
			return
		}

		ctx := context.WithValue(r.Context(), gateKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SendMessageRequest struct {
	Message        string `json:"message" validate:"required,min=1,max=4000"`
	ConversationID string `json:"conversationId" validate:"omitempty,uuid"`
	Model          string `json:"model" validate:"omitempty,max=64"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := r.Context().Value(gateKey{}).(*users.User)
	if user == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}
	if req.Model != "" && !completion.KnownModel(req.Model) {
		api.HandleError(w, r, api.NewValidationError("unknown model", map[string]any{
			"fields": []map[string]string{{"field": "Model", "rule": "known_model"}},
		}))
		return
	}

	sendReq := SendRequest{Message: req.Message, Model: req.Model}
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			api.HandleError(w, r, api.NewValidationError("invalid conversation id", nil))
			return
		}
		sendReq.ConversationID = &id
	}

	sink := newSSESink(w)
	if err := h.svc.SendMessage(r.Context(), user, sendReq, sink); err != nil {
		// Pre-stream failure: no SSE frame was written yet, respond
		// with a normal JSON error.
		api.HandleError(w, r, err)
	}
}

// sseSink writes SSE frames, sending headers lazily on the first event
// so pre-stream errors can still use a JSON response.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) Event(v any) error {
	s.start()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling sse event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing sse event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseSink) Done() error {
	s.start()
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing sse done: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	summaries, total, err := h.svc.ListConversations(r.Context(), user.ID, page, limit)
	if err != nil {
		slog.Error("listing conversations", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if summaries == nil {
		summaries = []ConversationSummary{}
	}

	api.JSONPaginated(w, r, http.StatusOK, summaries, total, page, limit)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid conversation id", nil))
		return
	}

	conv, messages, err := h.svc.GetConversationWithMessages(r.Context(), id, user.ID)
	if err != nil {
		slog.Error("loading conversation", "error", err, "conversation_id", id)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if conv == nil {
		api.HandleError(w, r, api.NewNotFoundError("conversation not found"))
		return
	}
	if messages == nil {
		messages = []Message{}
	}

	api.JSON(w, r, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid conversation id", nil))
		return
	}

	deleted, err := h.svc.DeleteConversation(r.Context(), id, user.ID)
	if err != nil {
		slog.Error("deleting conversation", "error", err, "conversation_id", id)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if !deleted {
		api.HandleError(w, r, api.NewNotFoundError("conversation not found"))
		return
	}

	slog.Info("conversation deleted", "user_id", user.ID, "conversation_id", id)
	api.JSON(w, r, http.StatusOK, map[string]string{"message": "conversation deleted"})
}

type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,min=1,max=100"`
}

func (h *Handler) UpdateConversationTitle(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid conversation id", nil))
		return
	}

	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	updated, err := h.svc.UpdateConversationTitle(r.Context(), id, user.ID, req.Title)
	if err != nil {
		slog.Error("updating conversation title", "error", err, "conversation_id", id)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if !updated {
		api.HandleError(w, r, api.NewNotFoundError("conversation not found"))
		return
	}

	api.JSON(w, r, http.StatusOK, map[string]string{"id": id.String(), "title": req.Title})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return nil, false
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, r, api.ErrTokenInvalid)
		return nil, false
	}
	return &users.User{ID: userID}, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
