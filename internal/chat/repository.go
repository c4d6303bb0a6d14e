package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	// GetConversation is owner-scoped: a conversation owned by someone
	// else is indistinguishable from a missing one (nil, nil).
	GetConversation(ctx context.Context, id, userID uuid.UUID) (*Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID, page, limit int) ([]ConversationSummary, int64, error)
	DeleteConversation(ctx context.Context, id, userID uuid.UUID) (bool, error)
	UpdateConversationTitle(ctx context.Context, id, userID uuid.UUID, title string) (bool, error)
	AddConversationStats(ctx context.Context, id uuid.UUID, messages, tokens int) error

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	FinalizeMessage(ctx context.Context, id uuid.UUID, content string, status MessageStatus, totalTokens int) error
	SetMessageTokens(ctx context.Context, id uuid.UUID, totalTokens int) error
	MarkNewestAssistantFailed(ctx context.Context, conversationID uuid.UUID) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, title, message_count, total_tokens,
			last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.UserID, c.Title, c.MessageCount, c.TotalTokens,
		c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetConversation(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	query := `
		SELECT id, user_id, title, message_count, total_tokens,
			last_message_at, created_at, updated_at
		FROM conversations WHERE id = $1 AND user_id = $2`

	c := &Conversation{}
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.TotalTokens,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) ListConversations(ctx context.Context, userID uuid.UUID, page, limit int) ([]ConversationSummary, int64, error) {
	offset := (page - 1) * limit

	query := `
		SELECT c.id, c.title,
			(SELECT m.model_used FROM messages m
			 WHERE m.conversation_id = c.id AND m.model_used IS NOT NULL
			 ORDER BY m.created_at DESC LIMIT 1),
			c.message_count, c.last_message_at, c.created_at
		FROM conversations c
		WHERE c.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		err := rows.Scan(&s.ID, &s.Title, &s.ModelUsed, &s.MessageCount,
			&s.LastMessageAt, &s.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	return summaries, total, nil
}

func (r *postgresRepository) DeleteConversation(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	// Messages cascade via FK
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("deleting conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) UpdateConversationTitle(ctx context.Context, id, userID uuid.UUID, title string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET title = $3, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`, id, userID, title)
	if err != nil {
		return false, fmt.Errorf("updating conversation title: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddConversationStats bumps the counters with atomic SQL increments so
// concurrent streams in one conversation never lose updates.
func (r *postgresRepository) AddConversationStats(ctx context.Context, id uuid.UUID, messages, tokens int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET message_count = message_count + $2,
		     total_tokens = total_tokens + $3,
		     last_message_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`, id, messages, tokens)
	if err != nil {
		return fmt.Errorf("updating conversation stats: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (id, conversation_id, user_id, role, content,
			status, total_tokens, model_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		m.ID, m.ConversationID, m.UserID, m.Role, m.Content,
		m.Status, m.TotalTokens, m.ModelUsed, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, user_id, role, content, status,
	total_tokens, model_used, created_at`

func (r *postgresRepository) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in chronological order.
func (r *postgresRepository) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content,
			&m.Status, &m.TotalTokens, &m.ModelUsed, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *postgresRepository) FinalizeMessage(ctx context.Context, id uuid.UUID, content string, status MessageStatus, totalTokens int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $2, status = $3, total_tokens = $4
		 WHERE id = $1`, id, content, status, totalTokens)
	if err != nil {
		return fmt.Errorf("finalizing message: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetMessageTokens(ctx context.Context, id uuid.UUID, totalTokens int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET total_tokens = $2 WHERE id = $1`, id, totalTokens)
	if err != nil {
		return fmt.Errorf("setting message tokens: %w", err)
	}
	return nil
}

func (r *postgresRepository) MarkNewestAssistantFailed(ctx context.Context, conversationID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = $2
		 WHERE id = (
			SELECT id FROM messages
			WHERE conversation_id = $1 AND role = 'ASSISTANT'
			ORDER BY created_at DESC LIMIT 1
		 )`, conversationID, StatusFailed)
	if err != nil {
		return fmt.Errorf("marking assistant message failed: %w", err)
	}
	return nil
}
