package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing activity events.
// Publish failures are logged, never surfaced: the event bus is an
// observer of the chat pipeline, not a participant.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) ChatCompleted(ctx context.Context, userID, conversationID, messageID uuid.UUID, model string, totalTokens int) {
	p.publish(ctx, SubjectChatCompleted, ActivityEvent{
		UserID:       userID,
		EventType:    EventChatCompleted,
		Severity:     SeverityInfo,
		ResourceType: "conversation",
		ResourceID:   &conversationID,
		Details: map[string]any{
			"messageId":   messageID.String(),
			"model":       model,
			"totalTokens": totalTokens,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) ChatFailed(ctx context.Context, userID, conversationID uuid.UUID, model, reason string) {
	p.publish(ctx, SubjectChatFailed, ActivityEvent{
		UserID:       userID,
		EventType:    EventChatFailed,
		Severity:     SeverityError,
		ResourceType: "conversation",
		ResourceID:   &conversationID,
		Details: map[string]any{
			"model":  model,
			"reason": reason,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) SubscriptionChanged(ctx context.Context, userID uuid.UUID, tier, status string) {
	p.publish(ctx, SubjectSubscriptionChanged, ActivityEvent{
		UserID:       userID,
		EventType:    EventSubscriptionChanged,
		Severity:     SeverityInfo,
		ResourceType: "subscription",
		Details: map[string]any{
			"tier":   tier,
			"status": status,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, event ActivityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshaling activity event", "error", err, "subject", subject)
		return
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		slog.Warn("publishing activity event", "error", fmt.Errorf("%s: %w", subject, err))
	}
}
