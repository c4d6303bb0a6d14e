package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityLog is a persisted activity event.
type ActivityLog struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"userId"`
	EventType    string          `json:"eventType"`
	Severity     string          `json:"severity"`
	ResourceType string          `json:"resourceType"`
	ResourceID   *uuid.UUID      `json:"resourceId,omitempty"`
	Details      json.RawMessage `json:"details"`
	CreatedAt    time.Time       `json:"createdAt"`
}
