/**
 * @description
 * In-memory implementation of every repository interface. It backs local
 * development (no DATABASE_URL) and the package tests, and it keeps the same
 * locking guarantees as the PostgreSQL store.
 *
 * @notes
 * - Accounts are bucketed per owner; each bucket has its own RWMutex so a
 *   SetPrimary holds the owner's bucket exclusively and other owners never wait.
 * - Each verification has its own mutex; UpdateVerification holds only that
 *   one while it mutates the record and appends to its ledger.
 */
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transfa/linked-account-service/internal/domain"
)

type ownerBucket struct {
	mu       sync.RWMutex
	accounts map[string]*domain.BankAccount
}

type verificationEntry struct {
	mu       sync.Mutex
	record   domain.Verification
	attempts []domain.VerificationAttempt
}

// MemoryRepository is a process-local store.
type MemoryRepository struct {
	mu            sync.RWMutex
	owners        map[string]*ownerBucket
	accountOwner  map[string]string
	verifications map[string]*verificationEntry
	byAccount     map[string][]string
	createLocks   map[string]*sync.Mutex

	eventsMu sync.Mutex
	events   []domain.SecurityEvent

	webhooksMu sync.Mutex
	webhooks   map[string]*domain.BankWebhook
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		owners:        make(map[string]*ownerBucket),
		accountOwner:  make(map[string]string),
		verifications: make(map[string]*verificationEntry),
		byAccount:     make(map[string][]string),
		createLocks:   make(map[string]*sync.Mutex),
		webhooks:      make(map[string]*domain.BankWebhook),
	}
}

func (m *MemoryRepository) bucket(userID string, create bool) *ownerBucket {
	m.mu.RLock()
	b := m.owners[userID]
	m.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.owners[userID]; b == nil {
		b = &ownerBucket{accounts: make(map[string]*domain.BankAccount)}
		m.owners[userID] = b
	}
	return b
}

func (m *MemoryRepository) ListAccountsByUserID(ctx context.Context, userID string) ([]domain.BankAccount, error) {
	b := m.bucket(userID, false)
	if b == nil {
		return []domain.BankAccount{}, nil
	}
	b.mu.RLock()
	accounts := make([]domain.BankAccount, 0, len(b.accounts))
	for _, a := range b.accounts {
		accounts = append(accounts, *a)
	}
	b.mu.RUnlock()

	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID > accounts[j].ID
		}
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (m *MemoryRepository) FindAccountByID(ctx context.Context, userID, accountID string) (*domain.BankAccount, error) {
	b := m.bucket(userID, false)
	if b == nil {
		return nil, ErrAccountNotFound
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, account *domain.BankAccount) error {
	b := m.bucket(account.UserID, true)
	cp := *account
	b.mu.Lock()
	b.accounts[account.ID] = &cp
	b.mu.Unlock()

	m.mu.Lock()
	m.accountOwner[account.ID] = account.UserID
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) UpdateAccount(ctx context.Context, account *domain.BankAccount) error {
	b := m.bucket(account.UserID, false)
	if b == nil {
		return ErrAccountNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.accounts[account.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if existing.IsVerified && !existing.SameIdentity(account) {
		return ErrAccountIdentityLocked
	}
	cp := *account
	cp.IsPrimary = existing.IsPrimary
	cp.IsVerified = existing.IsVerified
	cp.CreatedAt = existing.CreatedAt
	b.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteAccount(ctx context.Context, userID, accountID string) error {
	b := m.bucket(userID, false)
	if b == nil {
		return ErrAccountNotFound
	}
	b.mu.Lock()
	if _, ok := b.accounts[accountID]; !ok {
		b.mu.Unlock()
		return ErrAccountNotFound
	}
	delete(b.accounts, accountID)
	b.mu.Unlock()

	m.mu.Lock()
	delete(m.accountOwner, accountID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) SetPrimaryAccount(ctx context.Context, userID, accountID string, now time.Time) (*domain.BankAccount, error) {
	b := m.bucket(userID, false)
	if b == nil {
		return nil, ErrAccountNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	target, ok := b.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	for id, a := range b.accounts {
		if id != accountID && a.IsPrimary {
			a.IsPrimary = false
			a.UpdatedAt = now
		}
	}
	if !target.IsPrimary {
		target.IsPrimary = true
		target.UpdatedAt = now
	}
	cp := *target
	return &cp, nil
}

func (m *MemoryRepository) MarkAccountVerified(ctx context.Context, accountID string, now time.Time) (bool, error) {
	m.mu.RLock()
	userID, ok := m.accountOwner[accountID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrAccountNotFound
	}
	b := m.bucket(userID, false)
	if b == nil {
		return false, ErrAccountNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if a.IsVerified {
		return false, nil
	}
	a.IsVerified = true
	a.UpdatedAt = now
	return true, nil
}

// lockAccountCreation serializes CreateVerification per account, standing in
// for the advisory lock the PostgreSQL store takes.
func (m *MemoryRepository) lockAccountCreation(accountID string) func() {
	m.mu.Lock()
	l, ok := m.createLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.createLocks[accountID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *MemoryRepository) CreateVerification(ctx context.Context, v *domain.Verification) error {
	unlock := m.lockAccountCreation(v.BankAccountID)
	defer unlock()

	m.mu.RLock()
	previous := append([]string(nil), m.byAccount[v.BankAccountID]...)
	m.mu.RUnlock()
	// Oldest first: a verified entry is always seen before the single
	// pending one, so nothing is superseded when the account is verified.
	for _, id := range previous {
		m.mu.RLock()
		entry := m.verifications[id]
		m.mu.RUnlock()
		entry.mu.Lock()
		switch entry.record.Status {
		case domain.VerificationVerified:
			entry.mu.Unlock()
			return ErrAccountVerified
		case domain.VerificationPending:
			entry.record.Fail(domain.FailureSuperseded, v.CreatedAt)
		}
		entry.mu.Unlock()
	}

	m.mu.Lock()
	m.verifications[v.ID] = &verificationEntry{record: *v}
	m.byAccount[v.BankAccountID] = append(m.byAccount[v.BankAccountID], v.ID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) entry(verificationID string) *verificationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifications[verificationID]
}

func (m *MemoryRepository) FindVerificationByID(ctx context.Context, verificationID string) (*domain.Verification, error) {
	e := m.entry(verificationID)
	if e == nil {
		return nil, ErrVerificationNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.record
	return &cp, nil
}

func (m *MemoryRepository) FindLatestVerificationByAccountID(ctx context.Context, accountID string) (*domain.Verification, error) {
	m.mu.RLock()
	ids := m.byAccount[accountID]
	var latest *verificationEntry
	if len(ids) > 0 {
		latest = m.verifications[ids[len(ids)-1]]
	}
	m.mu.RUnlock()
	if latest == nil {
		return nil, ErrVerificationNotFound
	}
	latest.mu.Lock()
	defer latest.mu.Unlock()
	cp := latest.record
	return &cp, nil
}

func (m *MemoryRepository) UpdateVerification(ctx context.Context, verificationID string, mutate VerificationMutation) (*domain.Verification, error) {
	e := m.entry(verificationID)
	if e == nil {
		return nil, ErrVerificationNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.record
	attempt, err := mutate(&working)
	if err != nil {
		return nil, err
	}
	if attempt != nil {
		e.attempts = append(e.attempts, *attempt)
	}
	e.record = working
	cp := working
	return &cp, nil
}

func (m *MemoryRepository) ListAttempts(ctx context.Context, verificationID string) ([]domain.VerificationAttempt, error) {
	e := m.entry(verificationID)
	if e == nil {
		return nil, ErrVerificationNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.VerificationAttempt{}, e.attempts...), nil
}

func (m *MemoryRepository) CreateSecurityEvent(ctx context.Context, event *domain.SecurityEvent) error {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *MemoryRepository) ListRecentSecurityEvents(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	events := []domain.SecurityEvent{}
	for i := len(m.events) - 1; i >= 0 && len(events) < limit; i-- {
		if m.events[i].UserID == userID {
			events = append(events, m.events[i])
		}
	}
	return events, nil
}

func (m *MemoryRepository) DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	kept := m.events[:0]
	var removed int64
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

func (m *MemoryRepository) CreateWebhook(ctx context.Context, webhook *domain.BankWebhook) error {
	m.webhooksMu.Lock()
	defer m.webhooksMu.Unlock()
	if _, exists := m.webhooks[webhook.ID]; exists {
		return nil
	}
	cp := *webhook
	m.webhooks[webhook.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateWebhookStatus(ctx context.Context, webhookID, status string) error {
	m.webhooksMu.Lock()
	defer m.webhooksMu.Unlock()
	w, ok := m.webhooks[webhookID]
	if !ok {
		return ErrWebhookNotFound
	}
	w.Status = status
	return nil
}

// Webhook returns a stored webhook; used by tests and diagnostics.
func (m *MemoryRepository) Webhook(webhookID string) (domain.BankWebhook, bool) {
	m.webhooksMu.Lock()
	defer m.webhooksMu.Unlock()
	w, ok := m.webhooks[webhookID]
	if !ok {
		return domain.BankWebhook{}, false
	}
	return *w, true
}
