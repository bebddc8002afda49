/**
 * @description
 * Domain models for micro-deposit verification of a linked bank account: the
 * Verification record owned by the verification engine and the append-only
 * VerificationAttempt ledger entries.
 *
 * @notes
 * - Deposit amounts are stored as integer minor units (cents, pence) and are
 *   never serialized to callers.
 * - pending is the only non-terminal status.
 */
package domain

import "time"

// VerificationStatus is the state of a micro-deposit verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// Terminal reports whether no further transition is defined from s.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationVerified || s == VerificationFailed
}

// FailureReason records why a verification ended in the failed state.
type FailureReason string

const (
	FailureAttemptsExhausted FailureReason = "attempts_exhausted"
	FailureExpired           FailureReason = "expired"
	FailureSuperseded        FailureReason = "superseded"
	FailureDepositReturned   FailureReason = "deposit_returned"
)

const (
	VerificationTypeMicroDeposit = "micro_deposit"

	DefaultMaxAttempts     = 5
	DefaultVerificationTTL = 7 * 24 * time.Hour
)

// Verification is a micro-deposit verification for one bank account.
type Verification struct {
	ID            string             `json:"id"`
	BankAccountID string             `json:"bank_account_id"`
	Type          string             `json:"verification_type"`
	Amount1       int64              `json:"-"`
	Amount2       int64              `json:"-"`
	Status        VerificationStatus `json:"status"`
	FailureReason *FailureReason     `json:"failure_reason,omitempty"`
	Attempts      int                `json:"attempts"`
	MaxAttempts   int                `json:"max_attempts"`
	ExpiresAt     time.Time          `json:"expires_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Expired reports whether the verification window has elapsed at now.
func (v *Verification) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// AttemptsRemaining never goes below zero.
func (v *Verification) AttemptsRemaining() int {
	if v.Status.Terminal() {
		return 0
	}
	if remaining := v.MaxAttempts - v.Attempts; remaining > 0 {
		return remaining
	}
	return 0
}

// Fail moves a pending verification to failed with the given reason.
func (v *Verification) Fail(reason FailureReason, now time.Time) {
	v.Status = VerificationFailed
	r := reason
	v.FailureReason = &r
	v.UpdatedAt = now
}

// Summary is the caller-safe view of a verification.
func (v *Verification) Summary() VerificationSummary {
	return VerificationSummary{
		ID:                v.ID,
		BankAccountID:     v.BankAccountID,
		Status:            v.Status,
		FailureReason:     v.FailureReason,
		Attempts:          v.Attempts,
		AttemptsRemaining: v.AttemptsRemaining(),
		ExpiresAt:         v.ExpiresAt,
		CreatedAt:         v.CreatedAt,
	}
}

// VerificationSummary is returned by status lookups. It never includes the
// deposit amounts.
type VerificationSummary struct {
	ID                string             `json:"id"`
	BankAccountID     string             `json:"bank_account_id"`
	Status            VerificationStatus `json:"status"`
	FailureReason     *FailureReason     `json:"failure_reason,omitempty"`
	Attempts          int                `json:"attempts"`
	AttemptsRemaining int                `json:"attempts_remaining"`
	ExpiresAt         time.Time          `json:"expires_at"`
	CreatedAt         time.Time          `json:"created_at"`
}

// VerificationAttempt is an immutable ledger entry for one submitted guess.
type VerificationAttempt struct {
	ID             string    `json:"id"`
	VerificationID string    `json:"verification_id"`
	AttemptNumber  int       `json:"attempt_number"`
	Amount1        int64     `json:"amount_1"`
	Amount2        int64     `json:"amount_2"`
	CreatedAt      time.Time `json:"created_at"`
}
