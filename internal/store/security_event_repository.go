package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/linked-account-service/internal/domain"
)

// PostgresSecurityEventRepository stores security events in `security_logs`
// and bank webhooks in `bank_webhooks`.
type PostgresSecurityEventRepository struct {
	db *pgxpool.Pool
}

// NewPostgresSecurityEventRepository creates a new instance of PostgresSecurityEventRepository.
func NewPostgresSecurityEventRepository(db *pgxpool.Pool) *PostgresSecurityEventRepository {
	return &PostgresSecurityEventRepository{db: db}
}

func (r *PostgresSecurityEventRepository) CreateSecurityEvent(ctx context.Context, e *domain.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal security event details: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO security_logs (id, user_id, event_type, details, ip_address, user_agent, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		e.ID, e.UserID, e.EventType, string(details), e.IPAddress, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

func (r *PostgresSecurityEventRepository) ListRecentSecurityEvents(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(user_id, ''), event_type, details, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM security_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	events := []domain.SecurityEvent{}
	for rows.Next() {
		var (
			e       domain.SecurityEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &details, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal security event details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresSecurityEventRepository) DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM security_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge security events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresSecurityEventRepository) CreateWebhook(ctx context.Context, w *domain.BankWebhook) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO bank_webhooks (id, event_type, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		w.ID, w.EventType, string(w.Payload), w.Status, w.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bank webhook: %w", err)
	}
	return nil
}

func (r *PostgresSecurityEventRepository) UpdateWebhookStatus(ctx context.Context, webhookID, status string) error {
	tag, err := r.db.Exec(ctx, `UPDATE bank_webhooks SET status = $2, processed_at = NOW() WHERE id = $1`, webhookID, status)
	if err != nil {
		return fmt.Errorf("failed to update bank webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}
