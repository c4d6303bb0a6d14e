package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deepchat-app/deepchat/internal/api"
)

func stubHandlers() api.HandlerSet {
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	passthrough := func(next http.Handler) http.Handler { return next }
	return api.HandlerSet{
		Register:                ok,
		Login:                   ok,
		Refresh:                 ok,
		Logout:                  ok,
		Me:                      ok,
		UpdateProfile:           ok,
		SendMessage:             ok,
		ListConversations:       ok,
		GetConversation:         ok,
		DeleteConversation:      ok,
		UpdateConversationTitle: ok,
		QuotaGate:               passthrough,
		CreateCheckoutSession:   ok,
		CreatePortalSession:     ok,
		CancelSubscription:      ok,
		ResumeSubscription:      ok,
		SubscriptionStatus:      ok,
		StripeWebhook:           ok,
		ListActivity:            ok,
		AuthMiddleware:          passthrough,
	}
}

func TestRouter_SubscriptionRoutePaths(t *testing.T) {
	router := api.NewRouter(nil, api.RouterConfig{}, stubHandlers())

	posts := []string{
		"/api/v1/subscription/create-checkout-session",
		"/api/v1/subscription/create-portal-session",
		"/api/v1/subscription/cancel",
		"/api/v1/subscription/resume",
		"/api/v1/subscription/webhook",
	}
	for _, path := range posts {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/subscription/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ChatRoutePaths(t *testing.T) {
	router := api.NewRouter(nil, api.RouterConfig{}, stubHandlers())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/send", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
