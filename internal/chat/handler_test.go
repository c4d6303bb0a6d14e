package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepchat-app/deepchat/internal/auth"
	"github.com/deepchat-app/deepchat/internal/completion"
	"github.com/deepchat-app/deepchat/internal/users"
)

func authedRequest(t *testing.T, method, target, body string, userID uuid.UUID) *http.Request {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	claims := &auth.AccessClaims{UserID: userID.String(), Email: "user@example.com"}
	return r.WithContext(context.WithValue(r.Context(), auth.UserClaimsKey, claims))
}

func newTestHandler(t *testing.T, streamer completion.Streamer, user *users.User) (*Handler, *fakeUserRepo) {
	t.Helper()
	repo := newFakeRepo()
	userRepo := &fakeUserRepo{user: user}
	userSvc := users.NewService(userRepo)
	svc := NewService(repo, userSvc, &fakeUsageRepo{}, streamer, nil, "deepseek-r1-250120")
	return NewHandler(svc, userSvc), userRepo
}

func TestQuotaGate_AllowsUnderQuota(t *testing.T) {
	user := &users.User{
		ID:                  uuid.New(),
		SubscriptionTier:    users.TierFree,
		MonthlyMessageCount: 9,
		MonthlyResetDate:    time.Now(),
	}
	h, _ := newTestHandler(t, &fakeStreamer{}, user)

	called := false
	gate := h.QuotaGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gated, _ := r.Context().Value(gateKey{}).(*users.User)
		assert.Equal(t, user.ID, gated.ID)
	}))

	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send", "", user.ID))
	assert.True(t, called)
}

func TestQuotaGate_RejectsOverQuota(t *testing.T) {
	user := &users.User{
		ID:                  uuid.New(),
		SubscriptionTier:    users.TierFree,
		MonthlyMessageCount: 10,
		MonthlyResetDate:    time.Now(),
	}
	h, _ := newTestHandler(t, &fakeStreamer{}, user)

	gate := h.QuotaGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send", "", user.ID))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"BIZ_002"`)
	assert.Contains(t, body, `"currentUsage":10`)
	assert.Contains(t, body, `"remaining":0`)
}

func TestQuotaGate_RequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStreamer{}, &users.User{ID: uuid.New()})
	gate := h.QuotaGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/chat/send", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessage_SSEWireFormat(t *testing.T) {
	user := &users.User{
		ID:               uuid.New(),
		SubscriptionTier: users.TierFree,
		MonthlyResetDate: time.Now(),
	}
	streamer := &fakeStreamer{chunks: []*completion.Chunk{
		{Content: "Hello"},
		{Usage: &completion.Usage{TotalTokens: 3}},
	}}
	h, _ := newTestHandler(t, streamer, user)

	handler := h.QuotaGate(http.HandlerFunc(h.SendMessage))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":"hi"}`, user.ID))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Contains(t, frames[0], `"type":"message_start"`)
	assert.Contains(t, frames[1], `"type":"content_delta"`)
	assert.Contains(t, frames[1], `"delta":"Hello"`)
	assert.Contains(t, frames[len(frames)-2], `"type":"message_end"`)
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])
}

func TestSendMessage_ValidationError(t *testing.T) {
	user := &users.User{
		ID:               uuid.New(),
		SubscriptionTier: users.TierFree,
		MonthlyResetDate: time.Now(),
	}
	h, _ := newTestHandler(t, &fakeStreamer{}, user)

	handler := h.QuotaGate(http.HandlerFunc(h.SendMessage))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":""}`, user.ID))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"VAL_001"`)
}

func TestSendMessage_MessageLengthBoundary(t *testing.T) {
	user := &users.User{
		ID:               uuid.New(),
		SubscriptionTier: users.TierFree,
		MonthlyResetDate: time.Now(),
	}
	streamer := &fakeStreamer{chunks: []*completion.Chunk{
		{Content: "ok"},
		{Usage: &completion.Usage{TotalTokens: 2}},
	}}
	h, _ := newTestHandler(t, streamer, user)
	handler := h.QuotaGate(http.HandlerFunc(h.SendMessage))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":"`+strings.Repeat("a", 4000)+`"}`, user.ID))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":"`+strings.Repeat("a", 4001)+`"}`, user.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"VAL_001"`)
	assert.Contains(t, body, `"field":"Message"`)
	assert.Contains(t, body, `"rule":"max"`)
}

func TestSendMessage_UnknownModelRejected(t *testing.T) {
	user := &users.User{
		ID:               uuid.New(),
		SubscriptionTier: users.TierPro,
		MonthlyResetDate: time.Now(),
	}
	h, _ := newTestHandler(t, &fakeStreamer{}, user)

	handler := h.QuotaGate(http.HandlerFunc(h.SendMessage))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":"hi","model":"gpt-99"}`, user.ID))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"VAL_001"`)
	assert.Contains(t, body, `"field":"Model"`)
}

func TestSendMessage_TierRestrictionIsJSON(t *testing.T) {
	user := &users.User{
		ID:               uuid.New(),
		SubscriptionTier: users.TierFree,
		MonthlyResetDate: time.Now(),
	}
	h, _ := newTestHandler(t, &fakeStreamer{}, user)

	handler := h.QuotaGate(http.HandlerFunc(h.SendMessage))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, "POST", "/api/v1/chat/send",
		`{"message":"hi","model":"gpt-4-turbo"}`, user.ID))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), `"BIZ_001"`)
	assert.Contains(t, rec.Body.String(), `"requestedModel":"gpt-4-turbo"`)
}
