package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Monthly message limits per tier. -1 means unlimited.
var tierLimits = map[Tier]int{
	TierFree: 10,
	TierBase: 100,
	TierPro:  -1,
}

var tierModels = map[Tier][]string{
	TierFree: {"deepseek-r1-250120"},
	TierBase: {"deepseek-r1-250120", "gpt-4"},
	TierPro:  {"deepseek-r1-250120", "gpt-4", "gpt-4-turbo"},
}

// MonthlyLimit returns the tier's monthly message allowance, -1 for unlimited.
func MonthlyLimit(tier Tier) int {
	if limit, ok := tierLimits[tier]; ok {
		return limit
	}
	return tierLimits[TierFree]
}

// AvailableModels returns the models the tier may use.
func AvailableModels(tier Tier) []string {
	if models, ok := tierModels[tier]; ok {
		return models
	}
	return tierModels[TierFree]
}

// ModelAllowed reports whether the tier may use the given model.
func ModelAllowed(tier Tier, model string) bool {
	for _, m := range AvailableModels(tier) {
		if m == model {
			return true
		}
	}
	return false
}

// CanSendMessage reports whether the user is under the monthly quota.
func CanSendMessage(u *User) bool {
	limit := MonthlyLimit(u.SubscriptionTier)
	if limit < 0 {
		return true
	}
	return u.MonthlyMessageCount < limit
}

// RemainingMessages returns the messages left this month, -1 for unlimited.
func RemainingMessages(u *User) int {
	limit := MonthlyLimit(u.SubscriptionTier)
	if limit < 0 {
		return -1
	}
	remaining := limit - u.MonthlyMessageCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TierRank orders tiers for upgrade comparisons.
func TierRank(tier Tier) int {
	switch tier {
	case TierPro:
		return 2
	case TierBase:
		return 1
	default:
		return 0
	}
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, email, passwordHash, fullName string) (*User, error) {
	now := time.Now()
	user := &User{
		ID:                 uuid.New(),
		Email:              email,
		PasswordHash:       passwordHash,
		FullName:           fullName,
		SubscriptionTier:   TierFree,
		SubscriptionStatus: StatusActive,
		MonthlyResetDate:   now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error) {
	return s.repo.GetByStripeCustomerID(ctx, customerID)
}

func (s *Service) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.repo.ExistsByEmail(ctx, email)
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, fullName string) error {
	return s.repo.UpdateProfile(ctx, id, fullName)
}

func (s *Service) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	return s.repo.TouchLastLogin(ctx, id)
}

// CheckedUser returns the user with the monthly counter lazily reset.
// The reset is a conditional UPDATE, so concurrent callers converge on
// the same state.
func (s *Service) CheckedUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if reset, err := s.repo.ResetMonthlyIfStale(ctx, id); err != nil {
		slog.Warn("usage: monthly reset check failed", "error", err, "user_id", id)
	} else if reset {
		slog.Info("usage: monthly counter reset", "user_id", id)
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) RecordMessageSent(ctx context.Context, id uuid.UUID) error {
	return s.repo.IncrementMessageCounts(ctx, id)
}

func (s *Service) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	return s.repo.SetStripeCustomerID(ctx, id, customerID)
}

func (s *Service) UpdateSubscription(ctx context.Context, id uuid.UUID, upd SubscriptionUpdate) error {
	return s.repo.UpdateSubscription(ctx, id, upd)
}

func (s *Service) ResetMonthlyCounters(ctx context.Context, id uuid.UUID) error {
	return s.repo.ResetMonthlyCounters(ctx, id)
}
