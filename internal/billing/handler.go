package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/auth"
	"github.com/deepchat-app/deepchat/internal/users"
)

const maxWebhookBody = 64 << 10

// SubscriptionNotifier publishes subscription change events. May be nil
// when the event bus is disabled.
type SubscriptionNotifier interface {
	SubscriptionChanged(ctx context.Context, userID uuid.UUID, tier, status string)
}

type Handler struct {
	stripe   *Client
	userSvc  *users.Service
	notifier SubscriptionNotifier
	validate *validator.Validate
}

func NewHandler(stripeClient *Client, userSvc *users.Service, notifier SubscriptionNotifier) *Handler {
	return &Handler{
		stripe:   stripeClient,
		userSvc:  userSvc,
		notifier: notifier,
		validate: validator.New(),
	}
}

type CheckoutRequest struct {
	Tier       string `json:"tier" validate:"required,oneof=BASE PRO"`
	SuccessURL string `json:"successUrl" validate:"required,uri"`
	CancelURL  string `json:"cancelUrl" validate:"required,uri"`
}

// CreateCheckoutSession starts a Stripe checkout for a paid tier.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	tier := users.Tier(req.Tier)
	if users.TierRank(user.SubscriptionTier) >= users.TierRank(tier) {
		api.HandleError(w, r, &api.AppError{
			Status:  http.StatusBadRequest,
			Code:    api.CodeTierRestriction,
			Message: "already subscribed at this tier or higher",
			Details: map[string]any{"subscriptionTier": user.SubscriptionTier},
		})
		return
	}

	customerID, err := h.ensureCustomer(r.Context(), user)
	if err != nil {
		slog.Error("ensuring stripe customer", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.NewUpstreamError("billing service unavailable"))
		return
	}

	sess, err := h.stripe.CreateCheckoutSession(r.Context(), customerID, user, tier, req.SuccessURL, req.CancelURL)
	if err != nil {
		slog.Error("creating checkout session", "error", err, "user_id", user.ID, "tier", tier)
		api.HandleError(w, r, api.NewUpstreamError("failed to create checkout session"))
		return
	}

	slog.Info("checkout session created", "user_id", user.ID, "tier", tier, "session_id", sess.ID)
	api.JSON(w, r, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"url":       sess.URL,
	})
}

type PortalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"required,uri"`
}

// CreatePortalSession opens the Stripe customer portal.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		api.HandleError(w, r, &api.AppError{
			Status:  http.StatusBadRequest,
			Code:    api.CodeTierRestriction,
			Message: "no billing account for this user",
		})
		return
	}

	sess, err := h.stripe.CreatePortalSession(r.Context(), *user.StripeCustomerID, req.ReturnURL)
	if err != nil {
		slog.Error("creating portal session", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.NewUpstreamError("failed to create portal session"))
		return
	}

	api.JSON(w, r, http.StatusOK, map[string]any{"url": sess.URL})
}

// Status reports the subscription, usage counters and tier features.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	// Usage counters go through the lazy monthly reset so the numbers
	// match what the chat quota gate would see.
	if fresh, err := h.userSvc.CheckedUser(r.Context(), user.ID); err == nil && fresh != nil {
		user = fresh
	}

	api.JSON(w, r, http.StatusOK, map[string]any{
		"subscription": map[string]any{
			"tier":              user.SubscriptionTier,
			"status":            user.SubscriptionStatus,
			"currentPeriodEnd":  user.CurrentPeriodEnd,
			"cancelAtPeriodEnd": user.CancelAtPeriodEnd,
		},
		"usage": map[string]any{
			"monthlyMessageCount": user.MonthlyMessageCount,
			"totalMessageCount":   user.TotalMessageCount,
			"remainingMessages":   users.RemainingMessages(user),
			"monthlyResetDate":    user.MonthlyResetDate,
		},
		"features": map[string]any{
			"availableModels":     users.AvailableModels(user.SubscriptionTier),
			"maxMessagesPerMonth": users.MonthlyLimit(user.SubscriptionTier),
		},
	})
}

type CancelRequest struct {
	Immediately bool `json:"immediately"`
}

// Cancel stops the subscription, immediately or at period end.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	var req CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
			return
		}
	}

	if user.SubscriptionID == nil || user.SubscriptionStatus == users.StatusCanceled {
		api.HandleError(w, r, &api.AppError{
			Status:  http.StatusBadRequest,
			Code:    api.CodeTierRestriction,
			Message: "no active subscription to cancel",
		})
		return
	}

	sub, err := h.stripe.CancelSubscription(r.Context(), *user.SubscriptionID, req.Immediately)
	if err != nil {
		slog.Error("canceling subscription", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.NewUpstreamError("failed to cancel subscription"))
		return
	}

	upd := users.SubscriptionUpdate{
		Tier:              user.SubscriptionTier,
		Status:            user.SubscriptionStatus,
		SubscriptionID:    user.SubscriptionID,
		CurrentPeriodEnd:  user.CurrentPeriodEnd,
		CancelAtPeriodEnd: true,
	}
	if req.Immediately {
		upd.Tier = users.TierFree
		upd.Status = users.StatusCanceled
		upd.CurrentPeriodEnd = nil
		upd.CancelAtPeriodEnd = false
	}
	if err := h.userSvc.UpdateSubscription(r.Context(), user.ID, upd); err != nil {
		slog.Error("persisting subscription cancellation", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	h.notify(r.Context(), user.ID, upd.Tier, upd.Status)

	message := "subscription will cancel at the end of the billing period"
	if req.Immediately {
		message = "subscription canceled"
	}
	slog.Info("subscription canceled", "user_id", user.ID, "immediately", req.Immediately)
	api.JSON(w, r, http.StatusOK, map[string]any{
		"message":      message,
		"subscription": subscriptionView(sub),
	})
}

// Resume clears a pending period-end cancellation.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}

	if user.SubscriptionID == nil || !user.CancelAtPeriodEnd {
		api.HandleError(w, r, &api.AppError{
			Status:  http.StatusBadRequest,
			Code:    api.CodeTierRestriction,
			Message: "no subscription pending cancellation",
		})
		return
	}

	sub, err := h.stripe.ResumeSubscription(r.Context(), *user.SubscriptionID)
	if err != nil {
		slog.Error("resuming subscription", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.NewUpstreamError("failed to resume subscription"))
		return
	}

	upd := users.SubscriptionUpdate{
		Tier:              user.SubscriptionTier,
		Status:            user.SubscriptionStatus,
		SubscriptionID:    user.SubscriptionID,
		CurrentPeriodEnd:  user.CurrentPeriodEnd,
		CancelAtPeriodEnd: false,
	}
	if err := h.userSvc.UpdateSubscription(r.Context(), user.ID, upd); err != nil {
		slog.Error("persisting subscription resume", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	h.notify(r.Context(), user.ID, upd.Tier, upd.Status)

	slog.Info("subscription resumed", "user_id", user.ID)
	api.JSON(w, r, http.StatusOK, map[string]any{
		"message":      "subscription resumed",
		"subscription": subscriptionView(sub),
	})
}

// Webhook processes Stripe subscription lifecycle events.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid payload", nil))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		api.HandleError(w, r, api.NewValidationError("missing stripe signature", nil))
		return
	}

	event, err := h.stripe.VerifyWebhook(body, signature)
	if err != nil {
		slog.Warn("stripe webhook signature verification failed", "error", err)
		api.HandleError(w, r, api.NewValidationError("signature verification failed", nil))
		return
	}

	slog.Info("stripe webhook received", "event_type", event.Type, "event_id", event.ID)

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.applySubscriptionChange(r.Context(), event.Data.Raw)
	case "customer.subscription.deleted":
		err = h.applySubscriptionDeleted(r.Context(), event.Data.Raw)
	case "invoice.payment_succeeded":
		err = h.applyPaymentSucceeded(r.Context(), event.Data.Raw)
	case "invoice.payment_failed":
		err = h.applyPaymentFailed(r.Context(), event.Data.Raw)
	default:
		slog.Debug("ignoring stripe webhook event", "event_type", event.Type)
	}

	if err != nil {
		slog.Error("processing stripe webhook", "error", err, "event_type", event.Type, "event_id", event.ID)
		api.HandleError(w, r, api.NewValidationError("webhook processing failed", nil))
		return
	}

	api.JSON(w, r, http.StatusOK, map[string]any{"received": true})
}

func (h *Handler) applySubscriptionChange(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}

	user, err := h.userForSubscription(ctx, &sub)
	if err != nil || user == nil {
		return err
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0)
	upd := users.SubscriptionUpdate{
		Tier:              user.SubscriptionTier,
		Status:            MapStatus(sub.Status),
		SubscriptionID:    &sub.ID,
		CurrentPeriodEnd:  &periodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		upd.Tier = h.stripe.TierForPrice(sub.Items.Data[0].Price.ID)
	}

	if err := h.userSvc.UpdateSubscription(ctx, user.ID, upd); err != nil {
		return err
	}

	h.notify(ctx, user.ID, upd.Tier, upd.Status)
	slog.Info("subscription updated from webhook",
		"user_id", user.ID, "subscription_id", sub.ID, "tier", upd.Tier, "status", upd.Status)
	return nil
}

func (h *Handler) applySubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}

	user, err := h.userForSubscription(ctx, &sub)
	if err != nil || user == nil {
		return err
	}

	upd := users.SubscriptionUpdate{
		Tier:   users.TierFree,
		Status: users.StatusCanceled,
	}
	if err := h.userSvc.UpdateSubscription(ctx, user.ID, upd); err != nil {
		return err
	}

	h.notify(ctx, user.ID, upd.Tier, upd.Status)
	slog.Info("subscription deleted from webhook", "user_id", user.ID, "subscription_id", sub.ID)
	return nil
}

func (h *Handler) applyPaymentSucceeded(ctx context.Context, raw json.RawMessage) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == nil {
		return nil
	}

	sub, err := h.stripe.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return err
	}

	user, err := h.userForSubscription(ctx, sub)
	if err != nil || user == nil {
		return err
	}

	// A successful renewal starts a new billing period, so fold in the
	// conditional monthly counter reset.
	if _, err := h.userSvc.CheckedUser(ctx, user.ID); err != nil {
		return err
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0)
	upd := users.SubscriptionUpdate{
		Tier:              user.SubscriptionTier,
		Status:            users.StatusActive,
		SubscriptionID:    &sub.ID,
		CurrentPeriodEnd:  &periodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if err := h.userSvc.UpdateSubscription(ctx, user.ID, upd); err != nil {
		return err
	}

	h.notify(ctx, user.ID, upd.Tier, upd.Status)
	slog.Info("payment succeeded", "user_id", user.ID, "subscription_id", sub.ID, "invoice_id", invoice.ID)
	return nil
}

func (h *Handler) applyPaymentFailed(ctx context.Context, raw json.RawMessage) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == nil {
		return nil
	}

	sub, err := h.stripe.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return err
	}

	user, err := h.userForSubscription(ctx, sub)
	if err != nil || user == nil {
		return err
	}

	upd := users.SubscriptionUpdate{
		Tier:              user.SubscriptionTier,
		Status:            users.StatusPastDue,
		SubscriptionID:    user.SubscriptionID,
		CurrentPeriodEnd:  user.CurrentPeriodEnd,
		CancelAtPeriodEnd: user.CancelAtPeriodEnd,
	}
	if err := h.userSvc.UpdateSubscription(ctx, user.ID, upd); err != nil {
		return err
	}

	h.notify(ctx, user.ID, upd.Tier, upd.Status)
	slog.Warn("payment failed", "user_id", user.ID, "subscription_id", sub.ID, "invoice_id", invoice.ID)
	return nil
}

// userForSubscription resolves the owning user from subscription
// metadata, falling back to the Stripe customer ID. A nil user means
// the event is not for one of ours.
func (h *Handler) userForSubscription(ctx context.Context, sub *stripe.Subscription) (*users.User, error) {
	if raw, ok := sub.Metadata["userId"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return h.userSvc.GetByID(ctx, id)
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		return h.userSvc.GetByStripeCustomerID(ctx, sub.Customer.ID)
	}
	return nil, nil
}

func (h *Handler) ensureCustomer(ctx context.Context, user *users.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	cust, err := h.stripe.CreateCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	if err := h.userSvc.SetStripeCustomerID(ctx, user.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (h *Handler) notify(ctx context.Context, userID uuid.UUID, tier users.Tier, status users.SubscriptionStatus) {
	if h.notifier == nil {
		return
	}
	h.notifier.SubscriptionChanged(ctx, userID, string(tier), string(status))
}

func (h *Handler) currentUser(r *http.Request) (*users.User, error) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		return nil, api.ErrUnauthorized
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, api.ErrTokenInvalid
	}
	user, err := h.userSvc.GetByID(r.Context(), userID)
	if err != nil {
		return nil, api.ErrInternalServer
	}
	if user == nil {
		return nil, api.ErrUnauthorized
	}
	return user, nil
}

func subscriptionView(sub *stripe.Subscription) map[string]any {
	return map[string]any{
		"status":            sub.Status,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"currentPeriodEnd":  time.Unix(sub.CurrentPeriodEnd, 0),
	}
}
