package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error)
	MonthlyTotals(ctx context.Context, userID uuid.UUID) (count int, cost float64, err error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO usage_records (id, user_id, message_id, conversation_id,
			usage_type, quantity, model_used, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.MessageID, rec.ConversationID,
		rec.UsageType, rec.Quantity, rec.ModelUsed, rec.Cost, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	query := `
		SELECT id, user_id, message_id, conversation_id, usage_type,
			quantity, model_used, cost, created_at
		FROM usage_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(&rec.ID, &rec.UserID, &rec.MessageID, &rec.ConversationID,
			&rec.UsageType, &rec.Quantity, &rec.ModelUsed, &rec.Cost, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *postgresRepository) MonthlyTotals(ctx context.Context, userID uuid.UUID) (int, float64, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= date_trunc('month', NOW())`

	var count int
	var cost float64
	err := r.pool.QueryRow(ctx, query, userID).Scan(&count, &cost)
	if err != nil {
		return 0, 0, fmt.Errorf("querying monthly usage totals: %w", err)
	}
	return count, cost, nil
}
