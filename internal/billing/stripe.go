package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/deepchat-app/deepchat/internal/config"
	"github.com/deepchat-app/deepchat/internal/users"
)

// Client wraps the Stripe API for subscription billing. All calls go
// through an injected client.API so tests can point it at a fake
// backend.
type Client struct {
	api           *stripeclient.API
	webhookSecret string
	priceByTier   map[users.Tier]string
}

func NewClient(cfg config.StripeConfig) *Client {
	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, nil)
	return &Client{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		priceByTier: map[users.Tier]string{
			users.TierBase: cfg.BasePriceID,
			users.TierPro:  cfg.ProPriceID,
		},
	}
}

// PriceID returns the Stripe price for a paid tier, empty for FREE or
// unknown tiers.
func (c *Client) PriceID(tier users.Tier) string {
	return c.priceByTier[tier]
}

// TierForPrice maps a Stripe price back to its tier, FREE when the
// price is not one of ours.
func (c *Client) TierForPrice(priceID string) users.Tier {
	for tier, id := range c.priceByTier {
		if id != "" && id == priceID {
			return tier
		}
	}
	return users.TierFree
}

// CreateCustomer registers the user with Stripe. The user ID goes into
// customer metadata so webhooks can be traced back.
func (c *Client) CreateCustomer(ctx context.Context, u *users.User) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(u.Email),
		Name:  stripe.String(u.FullName),
	}
	params.Context = ctx
	params.AddMetadata("userId", u.ID.String())

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating stripe customer: %w", err)
	}
	return cust, nil
}

// CreateCheckoutSession starts a subscription checkout for the tier.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID string, u *users.User, tier users.Tier, successURL, cancelURL string) (*stripe.CheckoutSession, error) {
	priceID := c.PriceID(tier)
	if priceID == "" {
		return nil, fmt.Errorf("no price configured for tier %s", tier)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"userId": u.ID.String(),
				"tier":   string(tier),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("userId", u.ID.String())
	params.AddMetadata("tier", string(tier))

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	return sess, nil
}

// CreatePortalSession opens the Stripe customer portal.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating portal session: %w", err)
	}
	return sess, nil
}

// GetSubscription fetches a subscription by ID.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("fetching subscription: %w", err)
	}
	return sub, nil
}

// CancelSubscription cancels immediately or at period end.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) (*stripe.Subscription, error) {
	if immediately {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err := c.api.Subscriptions.Cancel(subscriptionID, params)
		if err != nil {
			return nil, fmt.Errorf("canceling subscription: %w", err)
		}
		return sub, nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("scheduling subscription cancellation: %w", err)
	}
	return sub, nil
}

// ResumeSubscription clears a pending period-end cancellation.
func (c *Client) ResumeSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("resuming subscription: %w", err)
	}
	return sub, nil
}

// VerifyWebhook validates the payload signature and parses the event.
func (c *Client) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

// MapStatus converts a Stripe subscription status to ours.
func MapStatus(status stripe.SubscriptionStatus) users.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return users.StatusActive
	case stripe.SubscriptionStatusCanceled:
		return users.StatusCanceled
	case stripe.SubscriptionStatusPastDue:
		return users.StatusPastDue
	case stripe.SubscriptionStatusTrialing:
		return users.StatusTrialing
	default:
		return users.StatusInactive
	}
}
