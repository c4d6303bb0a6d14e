package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepchat-app/deepchat/internal/database"
	mw "github.com/deepchat-app/deepchat/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth handlers
	Register      http.HandlerFunc
	Login         http.HandlerFunc
	Refresh       http.HandlerFunc
	Logout        http.HandlerFunc
	Me            http.HandlerFunc
	UpdateProfile http.HandlerFunc

	// Chat handlers
	SendMessage             http.HandlerFunc
	ListConversations       http.HandlerFunc
	GetConversation         http.HandlerFunc
	DeleteConversation      http.HandlerFunc
	UpdateConversationTitle http.HandlerFunc
	QuotaGate               func(http.Handler) http.Handler

	// Billing handlers
	CreateCheckoutSession http.HandlerFunc
	CreatePortalSession   http.HandlerFunc
	CancelSubscription    http.HandlerFunc
	ResumeSubscription    http.HandlerFunc
	SubscriptionStatus    http.HandlerFunc
	StripeWebhook         http.HandlerFunc

	// Activity log (event consumer output)
	ListActivity http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler

	// EventsHealthy reports event-bus health for the readiness probe.
	// Nil means the event bus is not configured.
	EventsHealthy func() bool
}

func NewRouter(pool *pgxpool.Pool, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe checks DB and the event bus
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"events":   "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if cfg.EventsHealthy != nil {
			if !cfg.EventsHealthy() {
				health["events"] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			health["events"] = "not configured"
		}

		JSON(w, r, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Stripe webhook is signature-verified, not JWT-authenticated
	r.Post("/api/v1/subscription/webhook", h.StripeWebhook)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth routes (public), optionally rate-limited
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			// Protected auth routes
			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
				r.Get("/me", h.Me)
				r.Put("/profile", h.UpdateProfile)
			})
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/chat", func(r chi.Router) {
				r.With(h.QuotaGate).Post("/send", h.SendMessage)

				r.Route("/conversations", func(r chi.Router) {
					r.Get("/", h.ListConversations)
					r.Get("/{conversationID}", h.GetConversation)
					r.Delete("/{conversationID}", h.DeleteConversation)
					r.Put("/{conversationID}/title", h.UpdateConversationTitle)
				})
			})

			r.Route("/subscription", func(r chi.Router) {
				r.Get("/status", h.SubscriptionStatus)
				r.Post("/create-checkout-session", h.CreateCheckoutSession)
				r.Post("/create-portal-session", h.CreatePortalSession)
				r.Post("/cancel", h.CancelSubscription)
				r.Post("/resume", h.ResumeSubscription)
			})

			r.Get("/activity", h.ListActivity)
		})
	})

	return r
}
