/**
 * @description
 * This file implements the data access layer for linked bank accounts.
 * It provides the PostgreSQL implementation of AccountRepository over the
 * `linked_bank_accounts` table.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: The PostgreSQL driver.
 * - The service's internal domain package for the BankAccount model.
 *
 * @notes
 * - SetPrimaryAccount takes a transaction-scoped advisory lock keyed by the
 *   owner, so concurrent calls for one owner serialize and calls for
 *   different owners never contend. The partial unique index
 *   uq_linked_bank_accounts_primary keeps at most one primary per owner at the schema level.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/linked-account-service/internal/domain"
)

const accountColumns = `
	id, user_id, bank_name, bank_country, bank_currency, account_holder_name,
	account_number, routing_number, swift_code, iban, account_type,
	is_primary, is_verified, created_at, updated_at`

// PostgresAccountRepository is the PostgreSQL implementation of AccountRepository.
type PostgresAccountRepository struct {
	db *pgxpool.Pool
}

// NewPostgresAccountRepository creates a new instance of PostgresAccountRepository.
func NewPostgresAccountRepository(db *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func scanAccount(row pgx.Row) (*domain.BankAccount, error) {
	var a domain.BankAccount
	err := row.Scan(
		&a.ID, &a.UserID, &a.BankName, &a.Country, &a.Currency, &a.AccountHolderName,
		&a.AccountNumber, &a.RoutingNumber, &a.SwiftCode, &a.IBAN, &a.Type,
		&a.IsPrimary, &a.IsVerified, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccountsByUserID retrieves all linked accounts for a user, newest first.
func (r *PostgresAccountRepository) ListAccountsByUserID(ctx context.Context, userID string) ([]domain.BankAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM linked_bank_accounts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked accounts: %w", err)
	}
	defer rows.Close()

	accounts := []domain.BankAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// FindAccountByID loads one account owned by userID.
func (r *PostgresAccountRepository) FindAccountByID(ctx context.Context, userID, accountID string) (*domain.BankAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM linked_bank_accounts
		WHERE id = $1 AND user_id = $2`
	a, err := scanAccount(r.db.QueryRow(ctx, query, accountID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find linked account: %w", err)
	}
	return a, nil
}

// CreateAccount inserts a new linked account.
func (r *PostgresAccountRepository) CreateAccount(ctx context.Context, a *domain.BankAccount) error {
	query := `
		INSERT INTO linked_bank_accounts (
			id, user_id, bank_name, bank_country, bank_currency, account_holder_name,
			account_number, routing_number, swift_code, iban, account_type,
			is_primary, is_verified, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, false, $12, $12)`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.UserID, a.BankName, a.Country, a.Currency, a.AccountHolderName,
		a.AccountNumber, a.RoutingNumber, a.SwiftCode, a.IBAN, a.Type, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create linked account: %w", err)
	}
	return nil
}

// UpdateAccount writes the caller-editable columns. The identity columns of
// an account that is verified when the row is written never change.
func (r *PostgresAccountRepository) UpdateAccount(ctx context.Context, a *domain.BankAccount) error {
	query := `
		UPDATE linked_bank_accounts
		SET bank_name = $3, bank_country = $4, bank_currency = $5, account_holder_name = $6,
			account_number = $7, routing_number = $8, swift_code = $9, iban = $10,
			account_type = $11, updated_at = $12
		WHERE id = $1 AND user_id = $2
			AND (NOT is_verified OR (
				account_number = $7
				AND routing_number IS NOT DISTINCT FROM $8
				AND swift_code IS NOT DISTINCT FROM $9
				AND iban IS NOT DISTINCT FROM $10))`
	tag, err := r.db.Exec(ctx, query,
		a.ID, a.UserID, a.BankName, a.Country, a.Currency, a.AccountHolderName,
		a.AccountNumber, a.RoutingNumber, a.SwiftCode, a.IBAN, a.Type, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update linked account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM linked_bank_accounts WHERE id = $1 AND user_id = $2)`,
		a.ID, a.UserID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check linked account: %w", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrAccountIdentityLocked
}

// DeleteAccount removes a linked account owned by userID. Verifications and
// their attempt ledger are kept for audit.
func (r *PostgresAccountRepository) DeleteAccount(ctx context.Context, userID, accountID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM linked_bank_accounts WHERE id = $1 AND user_id = $2`, accountID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete linked account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetPrimaryAccount makes accountID the owner's only primary account.
func (r *PostgresAccountRepository) SetPrimaryAccount(ctx context.Context, userID, accountID string, now time.Time) (*domain.BankAccount, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('linked_accounts:' || $1, 0))`, userID); err != nil {
		return nil, fmt.Errorf("failed to lock owner accounts: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM linked_bank_accounts WHERE id = $1 AND user_id = $2)`,
		accountID, userID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	// Remove primary flag from all of the owner's other accounts
	_, err = tx.Exec(ctx,
		`UPDATE linked_bank_accounts SET is_primary = false, updated_at = $3
		 WHERE user_id = $1 AND id <> $2 AND is_primary`,
		userID, accountID, now,
	)
	if err != nil {
		return nil, err
	}

	query := `UPDATE linked_bank_accounts
		SET is_primary = true,
			updated_at = CASE WHEN is_primary THEN updated_at ELSE $3 END
		WHERE id = $1 AND user_id = $2
		RETURNING ` + accountColumns
	account, err := scanAccount(tx.QueryRow(ctx, query, accountID, userID, now))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// MarkAccountVerified sets is_verified once; repeated calls change nothing.
func (r *PostgresAccountRepository) MarkAccountVerified(ctx context.Context, accountID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE linked_bank_accounts SET is_verified = true, updated_at = $2 WHERE id = $1 AND NOT is_verified`,
		accountID, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark linked account verified: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM linked_bank_accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrAccountNotFound
	}
	return false, nil
}
