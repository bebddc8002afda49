/**
 * @description
 * PostgreSQL implementation of VerificationRepository over the
 * `bank_verifications` and `verification_attempts` tables.
 *
 * @notes
 * - UpdateVerification locks the verification row with SELECT ... FOR UPDATE,
 *   so the increment of `attempts` and the ledger insert happen under mutual
 *   exclusion scoped to that single verification id.
 * - The ledger has UNIQUE (verification_id, attempt_number); a gap or repeat
 *   would fail the insert and roll the whole attempt back.
 */
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/linked-account-service/internal/domain"
)

const verificationColumns = `
	id, bank_account_id, verification_type, amount_1, amount_2, status, failure_reason,
	attempts, max_attempts, expires_at, created_at, updated_at`

// PostgresVerificationRepository is the PostgreSQL implementation of VerificationRepository.
type PostgresVerificationRepository struct {
	db *pgxpool.Pool
}

// NewPostgresVerificationRepository creates a new instance of PostgresVerificationRepository.
func NewPostgresVerificationRepository(db *pgxpool.Pool) *PostgresVerificationRepository {
	return &PostgresVerificationRepository{db: db}
}

func scanVerification(row pgx.Row) (*domain.Verification, error) {
	var v domain.Verification
	err := row.Scan(
		&v.ID, &v.BankAccountID, &v.Type, &v.Amount1, &v.Amount2, &v.Status, &v.FailureReason,
		&v.Attempts, &v.MaxAttempts, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVerification supersedes any pending verification for the account and
// inserts the new one.
func (r *PostgresVerificationRepository) CreateVerification(ctx context.Context, v *domain.Verification) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('bank_verifications:' || $1, 0))`, v.BankAccountID); err != nil {
		return fmt.Errorf("failed to lock account verifications: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bank_verifications
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE bank_account_id = $1 AND status = $5`,
		v.BankAccountID, domain.VerificationFailed, domain.FailureSuperseded, v.CreatedAt, domain.VerificationPending,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede pending verifications: %w", err)
	}

	// Runs after the supersede UPDATE, which waits for any in-flight submit
	// holding the pending row, so a just-committed success is visible here.
	var verified bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bank_verifications WHERE bank_account_id = $1 AND status = $2)`,
		v.BankAccountID, domain.VerificationVerified,
	).Scan(&verified)
	if err != nil {
		return fmt.Errorf("failed to check verified verifications: %w", err)
	}
	if verified {
		return ErrAccountVerified
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bank_verifications (
			id, bank_account_id, verification_type, amount_1, amount_2, status,
			attempts, max_attempts, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		v.ID, v.BankAccountID, v.Type, v.Amount1, v.Amount2, v.Status,
		v.Attempts, v.MaxAttempts, v.ExpiresAt, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification: %w", err)
	}

	return tx.Commit(ctx)
}

// FindVerificationByID loads a verification.
func (r *PostgresVerificationRepository) FindVerificationByID(ctx context.Context, verificationID string) (*domain.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM bank_verifications WHERE id = $1`
	v, err := scanVerification(r.db.QueryRow(ctx, query, verificationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("failed to find verification: %w", err)
	}
	return v, nil
}

// FindLatestVerificationByAccountID returns the most recently created verification.
func (r *PostgresVerificationRepository) FindLatestVerificationByAccountID(ctx context.Context, accountID string) (*domain.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM bank_verifications
		WHERE bank_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	v, err := scanVerification(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("failed to find latest verification: %w", err)
	}
	return v, nil
}

// UpdateVerification applies mutate to the row-locked verification.
func (r *PostgresVerificationRepository) UpdateVerification(ctx context.Context, verificationID string, mutate VerificationMutation) (*domain.Verification, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the row, preventing concurrent attempts.
	query := `SELECT ` + verificationColumns + ` FROM bank_verifications WHERE id = $1 FOR UPDATE`
	v, err := scanVerification(tx.QueryRow(ctx, query, verificationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("failed to lock verification: %w", err)
	}

	attempt, err := mutate(v)
	if err != nil {
		return nil, err
	}

	if attempt != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO verification_attempts (id, verification_id, attempt_number, amount_1, amount_2, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			attempt.ID, attempt.VerificationID, attempt.AttemptNumber, attempt.Amount1, attempt.Amount2, attempt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record verification attempt: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE bank_verifications
		SET status = $2, failure_reason = $3, attempts = $4, updated_at = $5
		WHERE id = $1`,
		v.ID, v.Status, v.FailureReason, v.Attempts, v.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update verification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// ListAttempts returns the ledger ordered by attempt number.
func (r *PostgresVerificationRepository) ListAttempts(ctx context.Context, verificationID string) ([]domain.VerificationAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, verification_id, attempt_number, amount_1, amount_2, created_at
		FROM verification_attempts
		WHERE verification_id = $1
		ORDER BY attempt_number ASC`,
		verificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.VerificationAttempt{}
	for rows.Next() {
		var a domain.VerificationAttempt
		if err := rows.Scan(&a.ID, &a.VerificationID, &a.AttemptNumber, &a.Amount1, &a.Amount2, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
