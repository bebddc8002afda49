package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedDeposits struct {
	amount1 int64
	amount2 int64
}

func (f fixedDeposits) Generate(ctx context.Context, currency string) (int64, int64, error) {
	return f.amount1, f.amount2, nil
}

type stubLimiter struct {
	decision RateLimitDecision
	err      error
	calls    [][]string
}

func (s *stubLimiter) Allow(ctx context.Context, subjects ...string) (RateLimitDecision, error) {
	s.calls = append(s.calls, subjects)
	return s.decision, s.err
}

// flakyGateway fails MarkVerified while failMark is set.
type flakyGateway struct {
	*AccountService
	mu       sync.Mutex
	failMark bool
}

func (g *flakyGateway) MarkVerified(ctx context.Context, accountID string) error {
	g.mu.Lock()
	fail := g.failMark
	g.mu.Unlock()
	if fail {
		return domain.NewInfrastructureError("mark bank account verified", io.ErrUnexpectedEOF)
	}
	return g.AccountService.MarkVerified(ctx, accountID)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
}

func (s *recordingSink) Write(ctx context.Context, event *domain.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func (s *recordingSink) count(eventType string) int {
	n := 0
	for _, t := range s.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	repo          *store.MemoryRepository
	clock         *fakeClock
	sink          *recordingSink
	accounts      *AccountService
	verifications *VerificationService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg VerificationConfig, limiter GuessRateLimiter, sinks ...EventSink) *testEnv {
	t.Helper()
	return newWrappedTestEnv(t, cfg, limiter, repoWrappers{}, sinks...)
}

// repoWrappers lets a test interpose on the memory store; nil keeps it as is.
type repoWrappers struct {
	accounts      func(*store.MemoryRepository) store.AccountRepository
	verifications func(*store.MemoryRepository) store.VerificationRepository
}

func newWrappedTestEnv(t *testing.T, cfg VerificationConfig, limiter GuessRateLimiter, wrap repoWrappers, sinks ...EventSink) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	var accountRepo store.AccountRepository = repo
	if wrap.accounts != nil {
		accountRepo = wrap.accounts(repo)
	}
	var verificationRepo store.VerificationRepository = repo
	if wrap.verifications != nil {
		verificationRepo = wrap.verifications(repo)
	}
	clock := newFakeClock()
	sink := &recordingSink{}
	logger := discardLogger()
	security := NewSecurityLog(logger, clock, append([]EventSink{sink}, sinks...)...)
	accounts := NewAccountService(accountRepo, domain.DefaultRegionPolicy(), security, clock, logger)
	verifications := NewVerificationService(verificationRepo, accounts, fixedDeposits{15, 63}, limiter, security, clock, logger, cfg)
	return &testEnv{repo: repo, clock: clock, sink: sink, accounts: accounts, verifications: verifications}
}

func strPtr(s string) *string { return &s }

func usAccountFields() domain.AccountFields {
	checking := domain.AccountTypeChecking
	return domain.AccountFields{
		BankName:          strPtr("Chase"),
		Country:           strPtr("US"),
		Currency:          strPtr("USD"),
		AccountHolderName: strPtr("Ada Lovelace"),
		AccountNumber:     strPtr("000123456789"),
		RoutingNumber:     strPtr("021000021"),
		Type:              &checking,
	}
}

func (e *testEnv) createAccount(t *testing.T, userID string) *domain.BankAccount {
	t.Helper()
	account, err := e.accounts.CreateAccount(context.Background(), userID, usAccountFields())
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	return account
}

func (e *testEnv) initiate(t *testing.T, userID, accountID string) *InitiateResult {
	t.Helper()
	result, err := e.verifications.InitiateVerification(context.Background(), userID, accountID)
	if err != nil {
		t.Fatalf("InitiateVerification returned error: %v", err)
	}
	return result
}

func assertKind(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
