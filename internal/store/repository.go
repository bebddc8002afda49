/**
 * @description
 * This file defines the interfaces for the data access layer (repositories).
 * Defining interfaces allows for dependency injection and easy stubbing in tests,
 * and lets the service run against PostgreSQL or the in-memory store.
 *
 * @notes
 * - Mutual exclusion lives behind these interfaces: SetPrimary serializes per
 *   owner and UpdateVerification serializes per verification id.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/linked-account-service/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("bank account not found")
	ErrVerificationNotFound = errors.New("verification not found")
	ErrWebhookNotFound      = errors.New("bank webhook not found")

	// ErrAccountIdentityLocked is returned when an update would change the
	// identifying fields of an account that is verified at write time.
	ErrAccountIdentityLocked = errors.New("bank account identity is locked")

	// ErrAccountVerified is returned when a verification is created for an
	// account that already has a verified one.
	ErrAccountVerified = errors.New("bank account already verified")
)

// AccountRepository defines the contract for linked bank account storage.
type AccountRepository interface {
	ListAccountsByUserID(ctx context.Context, userID string) ([]domain.BankAccount, error)
	FindAccountByID(ctx context.Context, userID, accountID string) (*domain.BankAccount, error)
	CreateAccount(ctx context.Context, account *domain.BankAccount) error
	// UpdateAccount persists the caller-editable fields; the primary and
	// verified flags are never written by it. The verified flag is checked in
	// the same step as the write.
	UpdateAccount(ctx context.Context, account *domain.BankAccount) error
	DeleteAccount(ctx context.Context, userID, accountID string) error
	// SetPrimaryAccount clears the flag on every other account of the owner and
	// sets it on the target as one atomic step.
	SetPrimaryAccount(ctx context.Context, userID, accountID string, now time.Time) (*domain.BankAccount, error)
	// MarkAccountVerified reports whether the flag changed.
	MarkAccountVerified(ctx context.Context, accountID string, now time.Time) (bool, error)
}

// VerificationMutation is applied to a verification while its lock is held.
// A non-nil attempt is appended to the ledger in the same unit of work. Any
// error aborts the unit of work without persisting.
type VerificationMutation func(v *domain.Verification) (*domain.VerificationAttempt, error)

// VerificationRepository defines the contract for verification records and
// the attempt ledger.
type VerificationRepository interface {
	// CreateVerification fails any pending verification of the same account
	// with reason superseded and inserts v. It returns ErrAccountVerified,
	// changing nothing, once any verification of the account is verified.
	CreateVerification(ctx context.Context, v *domain.Verification) error
	FindVerificationByID(ctx context.Context, verificationID string) (*domain.Verification, error)
	FindLatestVerificationByAccountID(ctx context.Context, accountID string) (*domain.Verification, error)
	UpdateVerification(ctx context.Context, verificationID string, mutate VerificationMutation) (*domain.Verification, error)
	ListAttempts(ctx context.Context, verificationID string) ([]domain.VerificationAttempt, error)
}

// SecurityEventRepository stores security audit events.
type SecurityEventRepository interface {
	CreateSecurityEvent(ctx context.Context, event *domain.SecurityEvent) error
	ListRecentSecurityEvents(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error)
	DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookRepository stores received bank webhooks.
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, webhook *domain.BankWebhook) error
	UpdateWebhookStatus(ctx context.Context, webhookID, status string) error
}
