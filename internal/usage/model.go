package usage

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessage Type = "MESSAGE"
	TypeImage   Type = "IMAGE"
)

// Record is one append-only usage ledger entry.
type Record struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"userId"`
	MessageID      *uuid.UUID `json:"messageId,omitempty"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
	UsageType      Type       `json:"usageType"`
	Quantity       int        `json:"quantity"`
	ModelUsed      string     `json:"modelUsed"`
	Cost           float64    `json:"cost"`
	CreatedAt      time.Time  `json:"createdAt"`
}
