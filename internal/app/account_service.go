/**
 * @description
 * This file contains the business logic for linked bank accounts, implemented
 * as an `AccountService`. It validates region-specific fields, scopes every
 * operation to the authenticated owner, and maps storage failures onto the
 * service's error taxonomy.
 *
 * @notes
 * - The primary and verified flags are never taken from caller input. The
 *   primary flag moves only through SetPrimaryAccount; the verified flag only
 *   through MarkVerified, which the verification engine calls.
 * - Deleting the primary account does not promote another account.
 */
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
)

// AccountService provides methods for managing linked bank accounts.
type AccountService struct {
	repo     store.AccountRepository
	policy   domain.RegionPolicy
	security *SecurityLog
	clock    Clock
	logger   *slog.Logger
}

// NewAccountService creates a new instance of AccountService.
func NewAccountService(repo store.AccountRepository, policy domain.RegionPolicy, security *SecurityLog, clock Clock, logger *slog.Logger) *AccountService {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		repo:     repo,
		policy:   policy,
		security: security,
		clock:    clock,
		logger:   logger.With("component", "account_service"),
	}
}

// ListAccounts returns the owner's accounts, newest first.
func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]domain.BankAccount, error) {
	accounts, err := s.repo.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, domain.NewInfrastructureError("list bank accounts", err)
	}
	return accounts, nil
}

// GetAccount returns one of the owner's accounts.
func (s *AccountService) GetAccount(ctx context.Context, userID, accountID string) (*domain.BankAccount, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, domain.NewNotFoundError("bank_account", accountID)
	}
	account, err := s.repo.FindAccountByID(ctx, userID, accountID)
	if err != nil {
		return nil, s.mapStoreError(err, "find bank account", accountID)
	}
	return account, nil
}

// CreateAccount links a new, unverified, non-primary account.
func (s *AccountService) CreateAccount(ctx context.Context, userID string, fields domain.AccountFields) (*domain.BankAccount, error) {
	now := s.clock.Now()
	account := &domain.BankAccount{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields.Apply(account)
	if err := s.policy.Validate(account); err != nil {
		return nil, err
	}

	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, domain.NewInfrastructureError("create bank account", err)
	}

	s.logger.Info("linked bank account created", "user_id", userID, "account_id", account.ID)
	s.security.Record(ctx, userID, domain.EventBankAccountChange, map[string]any{
		"action":          "created",
		"bank_account_id": account.ID,
		"bank_name":       account.BankName,
		"last4":           account.Last4(),
	})
	return account, nil
}

// UpdateAccount applies a partial update. Identifying fields of a verified
// account are locked, since the verification proved ownership of exactly
// those details.
func (s *AccountService) UpdateAccount(ctx context.Context, userID, accountID string, fields domain.AccountFields) (*domain.BankAccount, error) {
	account, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsVerified && fields.TouchesIdentity(account) {
		return nil, identityLockedError(accountID)
	}

	fields.Apply(account)
	if err := s.policy.Validate(account); err != nil {
		return nil, err
	}
	account.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateAccount(ctx, account); err != nil {
		return nil, s.mapStoreError(err, "update bank account", accountID)
	}

	s.security.Record(ctx, userID, domain.EventBankAccountChange, map[string]any{
		"action":          "updated",
		"bank_account_id": accountID,
	})
	return account, nil
}

// DeleteAccount unlinks an account.
func (s *AccountService) DeleteAccount(ctx context.Context, userID, accountID string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return domain.NewNotFoundError("bank_account", accountID)
	}
	if err := s.repo.DeleteAccount(ctx, userID, accountID); err != nil {
		return s.mapStoreError(err, "delete bank account", accountID)
	}

	s.logger.Info("linked bank account deleted", "user_id", userID, "account_id", accountID)
	s.security.Record(ctx, userID, domain.EventBankAccountChange, map[string]any{
		"action":          "deleted",
		"bank_account_id": accountID,
	})
	return nil
}

// SetPrimaryAccount makes accountID the owner's single primary account.
func (s *AccountService) SetPrimaryAccount(ctx context.Context, userID, accountID string) (*domain.BankAccount, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, domain.NewNotFoundError("bank_account", accountID)
	}
	account, err := s.repo.SetPrimaryAccount(ctx, userID, accountID, s.clock.Now())
	if err != nil {
		return nil, s.mapStoreError(err, "set primary bank account", accountID)
	}

	s.security.Record(ctx, userID, domain.EventBankAccountChange, map[string]any{
		"action":          "primary_changed",
		"bank_account_id": accountID,
	})
	return account, nil
}

// MarkVerified flags the account as verified. It is called by the
// verification engine only, and repeated calls have no further effect.
func (s *AccountService) MarkVerified(ctx context.Context, accountID string) error {
	changed, err := s.repo.MarkAccountVerified(ctx, accountID, s.clock.Now())
	if err != nil {
		return s.mapStoreError(err, "mark bank account verified", accountID)
	}
	if changed {
		s.logger.Info("linked bank account verified", "account_id", accountID)
	}
	return nil
}

func identityLockedError(accountID string) error {
	return domain.NewInvalidStateError("bank_account", accountID, "verified",
		"account number, routing number, SWIFT/BIC and IBAN cannot change on a verified account; link a new account instead")
}

func (s *AccountService) mapStoreError(err error, op, accountID string) error {
	if errors.Is(err, store.ErrAccountNotFound) {
		return domain.NewNotFoundError("bank_account", accountID)
	}
	if errors.Is(err, store.ErrAccountIdentityLocked) {
		return identityLockedError(accountID)
	}
	s.logger.Error("account store failure", "op", op, "account_id", accountID, "error", err)
	return domain.NewInfrastructureError(op, err)
}
