/**
 * @description
 * The verification engine. It owns the micro-deposit state machine, the
 * attempt and expiry policy, and the append-only attempt ledger.
 *
 * Key features:
 * - Two secret deposit amounts per verification, drawn from an injected generator.
 * - Increment-and-append runs under the per-verification lock held by the
 *   repository, so attempt numbers stay gapless under concurrent submission.
 * - Expiry is evaluated lazily on submit and status lookups, never by a timer.
 * - Optional distributed rate limit on submissions, per user and per client IP.
 *
 * @notes
 * - The engine reaches account state only through the AccountGateway. It never
 *   writes account fields directly.
 * - markVerified runs after the verification commit. When it fails the caller
 *   sees an infrastructure error, and the next status or initiate call
 *   re-applies it.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
	"github.com/transfa/linked-account-service/pkg/middleware"
)

const guessRateLimitScope = "verification_submit"

// AccountGateway is the subset of the account store the engine may use.
type AccountGateway interface {
	GetAccount(ctx context.Context, userID, accountID string) (*domain.BankAccount, error)
	MarkVerified(ctx context.Context, accountID string) error
}

// VerificationConfig holds the attempt and expiry policy.
type VerificationConfig struct {
	MaxAttempts int
	TTL         time.Duration
}

// InitiateResult is returned by InitiateVerification. It never includes the amounts.
type InitiateResult struct {
	VerificationID string    `json:"verification_id"`
	Status         string    `json:"status"`
	MaxAttempts    int       `json:"max_attempts"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SubmitResult is returned by SubmitVerification.
type SubmitResult struct {
	Success           bool                      `json:"success"`
	AttemptsRemaining int                       `json:"attempts_remaining"`
	Status            domain.VerificationStatus `json:"status"`
}

// VerificationService drives micro-deposit verifications.
type VerificationService struct {
	repo     store.VerificationRepository
	accounts AccountGateway
	deposits DepositGenerator
	limiter  GuessRateLimiter
	security *SecurityLog
	clock    Clock
	logger   *slog.Logger
	cfg      VerificationConfig
}

// NewVerificationService creates a new instance of VerificationService. A nil
// limiter disables submission rate limiting.
func NewVerificationService(
	repo store.VerificationRepository,
	accounts AccountGateway,
	deposits DepositGenerator,
	limiter GuessRateLimiter,
	security *SecurityLog,
	clock Clock,
	logger *slog.Logger,
	cfg VerificationConfig,
) *VerificationService {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	if cfg.TTL <= 0 {
		cfg.TTL = domain.DefaultVerificationTTL
	}
	return &VerificationService{
		repo:     repo,
		accounts: accounts,
		deposits: deposits,
		limiter:  limiter,
		security: security,
		clock:    clock,
		logger:   logger.With("component", "verification_service"),
		cfg:      cfg,
	}
}

// InitiateVerification starts a new micro-deposit verification for the
// account, superseding any pending one.
func (s *VerificationService) InitiateVerification(ctx context.Context, userID, accountID string) (*InitiateResult, error) {
	account, err := s.accounts.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsVerified {
		return nil, domain.NewInvalidStateError("bank_account", accountID, "verified", "bank account is already verified")
	}
	if healed, err := s.healVerifiedFlag(ctx, accountID); err != nil {
		return nil, err
	} else if healed {
		return nil, domain.NewInvalidStateError("bank_account", accountID, "verified", "bank account is already verified")
	}

	amount1, amount2, err := s.deposits.Generate(ctx, account.Currency)
	if err != nil {
		return nil, domain.NewInfrastructureError("generate micro-deposit amounts", err)
	}

	now := s.clock.Now()
	v := &domain.Verification{
		ID:            uuid.NewString(),
		BankAccountID: accountID,
		Type:          domain.VerificationTypeMicroDeposit,
		Amount1:       amount1,
		Amount2:       amount2,
		Status:        domain.VerificationPending,
		MaxAttempts:   s.cfg.MaxAttempts,
		ExpiresAt:     now.Add(s.cfg.TTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateVerification(ctx, v); err != nil {
		if errors.Is(err, store.ErrAccountVerified) {
			return nil, domain.NewInvalidStateError("bank_account", accountID, "verified", "bank account is already verified")
		}
		s.logger.Error("failed to create verification", "account_id", accountID, "error", err)
		return nil, domain.NewInfrastructureError("create verification", err)
	}

	s.logger.Info("verification initiated", "user_id", userID, "account_id", accountID, "verification_id", v.ID)
	s.security.Record(ctx, userID, domain.EventVerificationInitiated, map[string]any{
		"bank_account_id": accountID,
		"verification_id": v.ID,
		"expires_at":      v.ExpiresAt,
	})

	return &InitiateResult{
		VerificationID: v.ID,
		Status:         string(v.Status),
		MaxAttempts:    v.MaxAttempts,
		ExpiresAt:      v.ExpiresAt,
	}, nil
}

// SubmitVerification compares a guess, given in minor units, against the
// stored deposit amounts.
func (s *VerificationService) SubmitVerification(ctx context.Context, userID, verificationID string, amount1, amount2 int64) (*SubmitResult, error) {
	v, _, err := s.resolve(ctx, userID, verificationID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, userID, v, amount1, amount2)
}

// SubmitVerificationAmounts parses decimal amounts such as "0.37" in the
// account currency and submits them. A malformed amount does not consume
// an attempt.
func (s *VerificationService) SubmitVerificationAmounts(ctx context.Context, userID, verificationID, raw1, raw2 string) (*SubmitResult, error) {
	v, account, err := s.resolve(ctx, userID, verificationID)
	if err != nil {
		return nil, err
	}
	amount1, err := domain.ParseMinorUnits("amount_1", raw1, account.Currency)
	if err != nil {
		return nil, err
	}
	amount2, err := domain.ParseMinorUnits("amount_2", raw2, account.Currency)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, userID, v, amount1, amount2)
}

func (s *VerificationService) submit(ctx context.Context, userID string, v *domain.Verification, amount1, amount2 int64) (*SubmitResult, error) {
	if err := s.consumeRateLimit(ctx, userID, v.ID); err != nil {
		return nil, err
	}

	var (
		success bool
		expired bool
		attempt *domain.VerificationAttempt
	)
	updated, err := s.repo.UpdateVerification(ctx, v.ID, func(current *domain.Verification) (*domain.VerificationAttempt, error) {
		now := s.clock.Now()
		if err := terminalError(current); err != nil {
			return nil, err
		}
		if current.Expired(now) {
			current.Fail(domain.FailureExpired, now)
			expired = true
			return nil, nil
		}

		attempt = &domain.VerificationAttempt{
			ID:             uuid.NewString(),
			VerificationID: current.ID,
			AttemptNumber:  current.Attempts + 1,
			Amount1:        amount1,
			Amount2:        amount2,
			CreatedAt:      now,
		}
		success = amount1 == current.Amount1 && amount2 == current.Amount2
		current.Attempts++
		current.UpdatedAt = now

		switch {
		case success:
			current.Status = domain.VerificationVerified
		case current.Attempts >= current.MaxAttempts:
			current.Fail(domain.FailureAttemptsExhausted, now)
		}
		return attempt, nil
	})
	if err != nil {
		return nil, s.mapStoreError(err, "submit verification", v.ID)
	}

	if expired {
		s.recordExpired(ctx, userID, updated)
		return nil, domain.NewExpiredError(updated.ID, updated.ExpiresAt)
	}

	s.security.Record(ctx, userID, domain.EventVerificationAttempt, map[string]any{
		"verification_id": updated.ID,
		"bank_account_id": updated.BankAccountID,
		"attempt_number":  attempt.AttemptNumber,
		"success":         success,
	})

	switch updated.Status {
	case domain.VerificationVerified:
		s.logger.Info("verification succeeded", "user_id", userID, "verification_id", updated.ID)
		s.security.Record(ctx, userID, domain.EventVerificationSucceeded, map[string]any{
			"verification_id": updated.ID,
			"bank_account_id": updated.BankAccountID,
			"attempts":        updated.Attempts,
		})
		if err := s.accounts.MarkVerified(ctx, updated.BankAccountID); err != nil {
			s.logger.Error("verification committed but account flag not set", "verification_id", updated.ID, "account_id", updated.BankAccountID, "error", err)
			return nil, err
		}
	case domain.VerificationFailed:
		s.logger.Warn("verification failed: attempts exhausted", "user_id", userID, "verification_id", updated.ID)
		s.security.Record(ctx, userID, domain.EventVerificationFailed, map[string]any{
			"verification_id": updated.ID,
			"bank_account_id": updated.BankAccountID,
			"reason":          string(domain.FailureAttemptsExhausted),
		})
	}

	return &SubmitResult{
		Success:           success,
		AttemptsRemaining: updated.AttemptsRemaining(),
		Status:            updated.Status,
	}, nil
}

// GetVerificationStatus returns the latest verification of the account, or
// nil when none was ever initiated.
func (s *VerificationService) GetVerificationStatus(ctx context.Context, userID, accountID string) (*domain.VerificationSummary, error) {
	account, err := s.accounts.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	v, err := s.repo.FindLatestVerificationByAccountID(ctx, accountID)
	if errors.Is(err, store.ErrVerificationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.mapStoreError(err, "find latest verification", accountID)
	}

	if v.Status == domain.VerificationPending && v.Expired(s.clock.Now()) {
		v, err = s.expire(ctx, userID, v.ID)
		if err != nil {
			return nil, err
		}
	}

	if v.Status == domain.VerificationVerified && !account.IsVerified {
		if err := s.accounts.MarkVerified(ctx, accountID); err != nil {
			return nil, err
		}
	}

	summary := v.Summary()
	return &summary, nil
}

// AttemptLedger is the audit trail of one verification. Amounts are in minor
// units of Currency.
type AttemptLedger struct {
	VerificationID string
	Currency       string
	Attempts       []domain.VerificationAttempt
}

// ListAttempts returns the attempt ledger of one of the owner's verifications.
func (s *VerificationService) ListAttempts(ctx context.Context, userID, verificationID string) (*AttemptLedger, error) {
	v, account, err := s.resolve(ctx, userID, verificationID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListAttempts(ctx, v.ID)
	if err != nil {
		return nil, s.mapStoreError(err, "list verification attempts", v.ID)
	}
	return &AttemptLedger{VerificationID: v.ID, Currency: account.Currency, Attempts: attempts}, nil
}

// FailVerification ends a pending verification for a reason reported by the
// bank rail. It reports whether the verification changed; terminal
// verifications are left untouched.
func (s *VerificationService) FailVerification(ctx context.Context, verificationID string, reason domain.FailureReason) (bool, error) {
	if _, err := uuid.Parse(verificationID); err != nil {
		return false, domain.NewNotFoundError("verification", verificationID)
	}
	changed := false
	updated, err := s.repo.UpdateVerification(ctx, verificationID, func(current *domain.Verification) (*domain.VerificationAttempt, error) {
		if current.Status.Terminal() {
			return nil, nil
		}
		current.Fail(reason, s.clock.Now())
		changed = true
		return nil, nil
	})
	if err != nil {
		return false, s.mapStoreError(err, "fail verification", verificationID)
	}
	if changed {
		s.logger.Info("verification failed by bank event", "verification_id", verificationID, "reason", reason)
		s.security.Record(ctx, "", domain.EventVerificationDepositsBack, map[string]any{
			"verification_id": updated.ID,
			"bank_account_id": updated.BankAccountID,
			"reason":          string(reason),
		})
	}
	return changed, nil
}

// resolve loads a verification and checks that its account belongs to userID.
// Foreign verifications are reported as not found.
func (s *VerificationService) resolve(ctx context.Context, userID, verificationID string) (*domain.Verification, *domain.BankAccount, error) {
	if _, err := uuid.Parse(verificationID); err != nil {
		return nil, nil, domain.NewNotFoundError("verification", verificationID)
	}
	v, err := s.repo.FindVerificationByID(ctx, verificationID)
	if err != nil {
		return nil, nil, s.mapStoreError(err, "find verification", verificationID)
	}
	account, err := s.accounts.GetAccount(ctx, userID, v.BankAccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.NewNotFoundError("verification", verificationID)
	}
	if err != nil {
		return nil, nil, err
	}
	return v, account, nil
}

func (s *VerificationService) expire(ctx context.Context, userID, verificationID string) (*domain.Verification, error) {
	flipped := false
	updated, err := s.repo.UpdateVerification(ctx, verificationID, func(current *domain.Verification) (*domain.VerificationAttempt, error) {
		now := s.clock.Now()
		if current.Status == domain.VerificationPending && current.Expired(now) {
			current.Fail(domain.FailureExpired, now)
			flipped = true
		}
		return nil, nil
	})
	if err != nil {
		return nil, s.mapStoreError(err, "expire verification", verificationID)
	}
	if flipped {
		s.recordExpired(ctx, userID, updated)
	}
	return updated, nil
}

func (s *VerificationService) recordExpired(ctx context.Context, userID string, v *domain.Verification) {
	s.logger.Info("verification expired", "user_id", userID, "verification_id", v.ID)
	s.security.Record(ctx, userID, domain.EventVerificationExpired, map[string]any{
		"verification_id": v.ID,
		"bank_account_id": v.BankAccountID,
		"expires_at":      v.ExpiresAt,
	})
}

// healVerifiedFlag re-applies markVerified when the latest verification
// succeeded but the account flag was never set.
func (s *VerificationService) healVerifiedFlag(ctx context.Context, accountID string) (bool, error) {
	latest, err := s.repo.FindLatestVerificationByAccountID(ctx, accountID)
	if errors.Is(err, store.ErrVerificationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.mapStoreError(err, "find latest verification", accountID)
	}
	if latest.Status != domain.VerificationVerified {
		return false, nil
	}
	if err := s.accounts.MarkVerified(ctx, accountID); err != nil {
		return false, err
	}
	s.logger.Warn("re-applied verified flag from committed verification", "account_id", accountID, "verification_id", latest.ID)
	return true, nil
}

func (s *VerificationService) consumeRateLimit(ctx context.Context, userID, verificationID string) error {
	if s.limiter == nil {
		return nil
	}
	subjects := []string{"user:" + userID}
	if info, ok := middleware.ClientInfoFromContext(ctx); ok && info.IPAddress != "" {
		subjects = append(subjects, "ip:"+info.IPAddress)
	}

	decision, err := s.limiter.Allow(ctx, subjects...)
	if err != nil {
		// Fail open: the attempt cap still bounds guessing.
		s.logger.Warn("verification rate limiter unavailable", "user_id", userID, "error", err)
		return nil
	}
	if decision.Allowed {
		return nil
	}
	s.security.Record(ctx, userID, domain.EventVerificationRateLimited, map[string]any{
		"verification_id":     verificationID,
		"subject":             decision.Subject,
		"count":               decision.Count,
		"limit":               decision.Limit,
		"retry_after_seconds": int(decision.RetryAfter.Seconds()),
	})
	return domain.NewRateLimitedError(decision.RetryAfter)
}

// terminalError reports why a terminal verification rejects a guess. An
// expired verification keeps answering with ExpiredError.
func terminalError(v *domain.Verification) error {
	if !v.Status.Terminal() {
		return nil
	}
	if v.FailureReason != nil && *v.FailureReason == domain.FailureExpired {
		return domain.NewExpiredError(v.ID, v.ExpiresAt)
	}
	message := "verification is no longer pending"
	if v.FailureReason != nil {
		message += ": " + string(*v.FailureReason)
	}
	return domain.NewInvalidStateError("verification", v.ID, string(v.Status), message)
}

func (s *VerificationService) mapStoreError(err error, op, id string) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, store.ErrVerificationNotFound) {
		return domain.NewNotFoundError("verification", id)
	}
	s.logger.Error("verification store failure", "op", op, "id", id, "error", err)
	return domain.NewInfrastructureError(op, err)
}
