package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/auth"
	"github.com/deepchat-app/deepchat/internal/billing"
	"github.com/deepchat-app/deepchat/internal/chat"
	"github.com/deepchat-app/deepchat/internal/completion"
	"github.com/deepchat-app/deepchat/internal/config"
	"github.com/deepchat-app/deepchat/internal/database"
	"github.com/deepchat-app/deepchat/internal/events"
	"github.com/deepchat-app/deepchat/internal/middleware"
	iredis "github.com/deepchat-app/deepchat/internal/redis"
	"github.com/deepchat-app/deepchat/internal/server"
	"github.com/deepchat-app/deepchat/internal/usage"
	"github.com/deepchat-app/deepchat/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS event bus (optional)
	var natsClient *events.Client
	if cfg.NATS.URL != "" {
		natsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
	} else {
		slog.Info("NATS disabled, activity events will not be published")
	}

	// Auth
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient)
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	authHandler := auth.NewHandler(authSvc, userSvc)

	// Chat
	chatRepo := chat.NewRepository(pool)
	usageRepo := usage.NewRepository(pool)
	llmClient := completion.NewClient(cfg.OpenAI)

	var chatPublisher chat.ActivityPublisher
	var billingNotifier billing.SubscriptionNotifier
	if natsClient != nil {
		publisher := events.NewPublisher(natsClient.JetStream())
		chatPublisher = publisher
		billingNotifier = publisher
	}

	chatSvc := chat.NewService(chatRepo, userSvc, usageRepo, llmClient, chatPublisher, cfg.OpenAI.DefaultModel)
	chatHandler := chat.NewHandler(chatSvc, userSvc)

	// Billing
	stripeClient := billing.NewClient(cfg.Stripe)
	billingHandler := billing.NewHandler(stripeClient, userSvc, billingNotifier)

	// Activity log
	activityRepo := events.NewRepository(pool)
	activityHandler := events.NewHandler(activityRepo)

	if natsClient != nil {
		consumer := events.NewConsumer(activityRepo, natsClient.JetStream())
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("activity consumer stopped", "error", err)
			}
		}()
	}

	// Rate limiting for auth endpoints
	rateLimiter := middleware.NewRateLimiter(redisClient,
		cfg.RateLimit.AuthMaxRequests, cfg.RateLimit.AuthWindowSec)

	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    rateLimiter.Middleware,
	}
	if natsClient != nil {
		routerCfg.EventsHealthy = natsClient.Healthy
	}

	router := api.NewRouter(pool, routerCfg, api.HandlerSet{
		Register:      authHandler.Register,
		Login:         authHandler.Login,
		Refresh:       authHandler.Refresh,
		Logout:        authHandler.Logout,
		Me:            authHandler.Me,
		UpdateProfile: authHandler.UpdateProfile,

		SendMessage:             chatHandler.SendMessage,
		ListConversations:       chatHandler.ListConversations,
		GetConversation:         chatHandler.GetConversation,
		DeleteConversation:      chatHandler.DeleteConversation,
		UpdateConversationTitle: chatHandler.UpdateConversationTitle,
		QuotaGate:               chatHandler.QuotaGate,

		CreateCheckoutSession: billingHandler.CreateCheckoutSession,
		CreatePortalSession:   billingHandler.CreatePortalSession,
		CancelSubscription:    billingHandler.Cancel,
		ResumeSubscription:    billingHandler.Resume,
		SubscriptionStatus:    billingHandler.Status,
		StripeWebhook:         billingHandler.Webhook,

		ListActivity: activityHandler.List,

		AuthMiddleware: auth.Middleware(authSvc),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
