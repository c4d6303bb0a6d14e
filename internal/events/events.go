package events

import (
	"time"

	"github.com/google/uuid"
)

// ActivityEvent is the wire shape for every event on the bus.
type ActivityEvent struct {
	UserID       uuid.UUID      `json:"user_id"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *uuid.UUID     `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

const (
	EventChatCompleted       = "chat.completed"
	EventChatFailed          = "chat.failed"
	EventSubscriptionChanged = "subscription.changed"

	SeverityInfo  = "info"
	SeverityError = "error"
)
