package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

type MessageStatus string

const (
	StatusSending    MessageStatus = "SENDING"
	StatusSent       MessageStatus = "SENT"
	StatusGenerating MessageStatus = "GENERATING"
	StatusFailed     MessageStatus = "FAILED"
)

type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"userId"`
	Title         string     `json:"title"`
	MessageCount  int        `json:"messageCount"`
	TotalTokens   int        `json:"totalTokens"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ConversationSummary is a list row with the most recent model used.
type ConversationSummary struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	ModelUsed     *string    `json:"modelUsed,omitempty"`
	MessageCount  int        `json:"messageCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversationId"`
	UserID         uuid.UUID     `json:"userId"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	TotalTokens    int           `json:"totalTokens"`
	ModelUsed      *string       `json:"modelUsed,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ReasonedContent is the stored shape of an assistant message that
// carries a reasoning trace alongside the answer.
type ReasonedContent struct {
	Reasoning string `json:"reasoning"`
	Content   string `json:"content"`
}

// EncodeReasonedContent returns the persisted content for an assistant
// reply: plain text normally, JSON when a reasoning trace exists.
func EncodeReasonedContent(reasoning, content string) string {
	if reasoning == "" {
		return content
	}
	data, err := json.Marshal(ReasonedContent{Reasoning: reasoning, Content: content})
	if err != nil {
		return content
	}
	return string(data)
}

// NewConversationTitle derives a title from the first message.
func NewConversationTitle(message string) string {
	title := strings.TrimSpace(message)
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:50])
	}
	return title
}

// SSE event payloads, in wire order.

type MessageStartEvent struct {
	Type           string    `json:"type"`
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
}

type ReasoningDeltaEvent struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"messageId"`
	Delta     string    `json:"delta"`
	Reasoning string    `json:"reasoning"`
}

type ContentDeltaEvent struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"messageId"`
	Delta     string    `json:"delta"`
	Content   string    `json:"content"`
}

type MessageEndEvent struct {
	Type           string    `json:"type"`
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	TotalTokens    int       `json:"totalTokens"`
	Usage          EndUsage  `json:"usage"`
}

type EndUsage struct {
	RemainingMessages int `json:"remainingMessages"`
	MonthlyUsage      int `json:"monthlyUsage"`
}

type ErrorEvent struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
