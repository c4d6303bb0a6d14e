package users

import (
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierFree Tier = "FREE"
	TierBase Tier = "BASE"
	TierPro  Tier = "PRO"
)

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusCanceled SubscriptionStatus = "CANCELED"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusTrialing SubscriptionStatus = "TRIALING"
	StatusInactive SubscriptionStatus = "INACTIVE"
)

type User struct {
	ID                  uuid.UUID          `json:"id"`
	Email               string             `json:"email"`
	PasswordHash        string             `json:"-"`
	FullName            string             `json:"fullName"`
	SubscriptionTier    Tier               `json:"subscriptionTier"`
	SubscriptionStatus  SubscriptionStatus `json:"subscriptionStatus"`
	StripeCustomerID    *string            `json:"-"`
	SubscriptionID      *string            `json:"-"`
	CurrentPeriodEnd    *time.Time         `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd   bool               `json:"cancelAtPeriodEnd"`
	MonthlyMessageCount int                `json:"monthlyMessageCount"`
	MonthlyResetDate    time.Time          `json:"monthlyResetDate"`
	TotalMessageCount   int                `json:"totalMessageCount"`
	LastLoginAt         *time.Time         `json:"lastLoginAt,omitempty"`
	LastActiveAt        *time.Time         `json:"lastActiveAt,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// SubscriptionUpdate carries the fields a Stripe webhook may change.
type SubscriptionUpdate struct {
	Tier              Tier
	Status            SubscriptionStatus
	SubscriptionID    *string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}
