package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles activity_logs PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single activity log entry.
func (r *Repository) Insert(ctx context.Context, log *ActivityLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	detailsJSON := log.Details
	if len(detailsJSON) == 0 {
		detailsJSON = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO activity_logs (id, user_id, event_type, severity, resource_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.UserID, log.EventType, log.Severity, log.ResourceType,
		log.ResourceID, detailsJSON, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting activity log: %w", err)
	}
	return nil
}

// ListByUser returns paginated activity logs for a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]ActivityLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity_logs WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting activity logs: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, event_type, severity, resource_type, resource_id, details, created_at
		 FROM activity_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, userID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying activity logs: %w", err)
	}
	defer rows.Close()

	var logs []ActivityLog
	for rows.Next() {
		var l ActivityLog
		err := rows.Scan(&l.ID, &l.UserID, &l.EventType, &l.Severity,
			&l.ResourceType, &l.ResourceID, &l.Details, &l.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning activity log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, total, rows.Err()
}
