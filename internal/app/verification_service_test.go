package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
	"github.com/transfa/linked-account-service/pkg/middleware"
)

func TestVerificationService_FullFlow(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")

	started := env.initiate(t, "user-1", account.ID)
	if started.Status != string(domain.VerificationPending) || started.MaxAttempts != 5 {
		t.Fatalf("unexpected initiate result: %+v", started)
	}
	if want := env.clock.Now().Add(7 * 24 * time.Hour); !started.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, started.ExpiresAt)
	}

	result, err := env.verifications.SubmitVerificationAmounts(ctx, "user-1", started.VerificationID, "0.10", "0.20")
	if err != nil {
		t.Fatalf("wrong guess returned error: %v", err)
	}
	if result.Success || result.AttemptsRemaining != 4 || result.Status != domain.VerificationPending {
		t.Fatalf("unexpected result after wrong guess: %+v", result)
	}

	result, err = env.verifications.SubmitVerificationAmounts(ctx, "user-1", started.VerificationID, "0.15", "0.63")
	if err != nil {
		t.Fatalf("correct guess returned error: %v", err)
	}
	if !result.Success || result.Status != domain.VerificationVerified || result.AttemptsRemaining != 0 {
		t.Fatalf("unexpected result after correct guess: %+v", result)
	}

	status, err := env.verifications.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.Status != domain.VerificationVerified || status.Attempts != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	stored, err := env.accounts.GetAccount(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if !stored.IsVerified {
		t.Fatal("expected account to be verified")
	}

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if ledger.Currency != "USD" || len(ledger.Attempts) != 2 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
	for i, a := range ledger.Attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d has number %d", i, a.AttemptNumber)
		}
	}
	if ledger.Attempts[1].Amount1 != 15 || ledger.Attempts[1].Amount2 != 63 {
		t.Fatalf("ledger did not record submitted amounts: %+v", ledger.Attempts[1])
	}

	if env.sink.count(domain.EventVerificationSucceeded) != 1 || env.sink.count(domain.EventVerificationAttempt) != 2 {
		t.Fatalf("unexpected security events: %v", env.sink.types())
	}

	if _, err := env.verifications.InitiateVerification(ctx, "user-1", account.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state when re-initiating a verified account, got %v", err)
	}
}

func TestVerificationService_AttemptCap(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	var result *SubmitResult
	for i := 0; i < 5; i++ {
		var err error
		result, err = env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 1, 2)
		if err != nil {
			t.Fatalf("submission %d returned error: %v", i+1, err)
		}
		if result.Success {
			t.Fatalf("submission %d unexpectedly succeeded", i+1)
		}
	}
	if result.Status != domain.VerificationFailed || result.AttemptsRemaining != 0 {
		t.Fatalf("expected failed after five wrong guesses, got %+v", result)
	}

	_, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrInvalidState)

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != 5 {
		t.Fatalf("expected five ledger entries, got %d", len(ledger.Attempts))
	}

	status, err := env.verifications.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.FailureReason == nil || *status.FailureReason != domain.FailureAttemptsExhausted {
		t.Fatalf("expected attempts_exhausted, got %+v", status)
	}
	if env.sink.count(domain.EventVerificationFailed) != 1 {
		t.Fatalf("expected one failed event, got %v", env.sink.types())
	}
}

func TestVerificationService_Expiry(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	env.clock.Advance(7 * 24 * time.Hour)
	result, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 1, 2)
	if err != nil {
		t.Fatalf("submission at the expiry instant returned error: %v", err)
	}
	if result.Status != domain.VerificationPending {
		t.Fatalf("expected pending at the expiry instant, got %+v", result)
	}

	env.clock.Advance(time.Second)
	status, err := env.verifications.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.Status != domain.VerificationFailed || status.FailureReason == nil || *status.FailureReason != domain.FailureExpired {
		t.Fatalf("expected failed/expired, got %+v", status)
	}

	_, err = env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrExpired)

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != 1 {
		t.Fatalf("expired submission must not be recorded, got %d attempts", len(ledger.Attempts))
	}
	if env.sink.count(domain.EventVerificationExpired) != 1 {
		t.Fatalf("expected exactly one expired event, got %v", env.sink.types())
	}
}

func TestVerificationService_ExpiryDetectedOnSubmit(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{TTL: time.Hour}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	env.clock.Advance(time.Hour + time.Second)
	_, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrExpired)

	stored, err := env.accounts.GetAccount(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if stored.IsVerified {
		t.Fatal("expired verification must not verify the account")
	}
}

func TestVerificationService_ExactMatchOnly(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	result, err := env.verifications.SubmitVerificationAmounts(ctx, "user-1", started.VerificationID, "0.63", "0.15")
	if err != nil {
		t.Fatalf("reversed guess returned error: %v", err)
	}
	if result.Success {
		t.Fatal("reversed amounts must not match")
	}

	_, err = env.verifications.SubmitVerificationAmounts(ctx, "user-1", started.VerificationID, "0.150001", "0.63")
	assertKind(t, err, domain.ErrValidation)

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != 1 {
		t.Fatalf("malformed amount must not consume an attempt, got %d attempts", len(ledger.Attempts))
	}
}

func TestVerificationService_ConcurrentSubmissionsStayGapless(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{MaxAttempts: 50}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 1, 2); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent submission returned error: %v", err)
	}

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != workers {
		t.Fatalf("expected %d attempts, got %d", workers, len(ledger.Attempts))
	}
	seen := make(map[int]bool, workers)
	for _, a := range ledger.Attempts {
		if a.AttemptNumber < 1 || a.AttemptNumber > workers || seen[a.AttemptNumber] {
			t.Fatalf("attempt numbers are not a gapless sequence: %+v", ledger.Attempts)
		}
		seen[a.AttemptNumber] = true
	}

	status, err := env.verifications.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.Attempts != workers {
		t.Fatalf("expected counter %d, got %d", workers, status.Attempts)
	}
}

func TestVerificationService_InitiateSupersedesPending(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	first := env.initiate(t, "user-1", account.ID)
	second := env.initiate(t, "user-1", account.ID)

	if first.VerificationID == second.VerificationID {
		t.Fatal("expected a new verification id")
	}
	_, err := env.verifications.SubmitVerification(ctx, "user-1", first.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrInvalidState)

	status, err := env.verifications.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.ID != second.VerificationID || status.Status != domain.VerificationPending {
		t.Fatalf("expected the newest verification to be pending, got %+v", status)
	}
}

func TestVerificationService_StatusWithoutVerification(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	account := env.createAccount(t, "user-1")

	status, err := env.verifications.GetVerificationStatus(context.Background(), "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status != nil {
		t.Fatalf("expected no verification, got %+v", status)
	}
}

func TestVerificationService_OwnerScoping(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	_, err := env.verifications.InitiateVerification(ctx, "intruder", account.ID)
	assertKind(t, err, domain.ErrNotFound)

	_, err = env.verifications.SubmitVerification(ctx, "intruder", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrNotFound)

	_, err = env.verifications.ListAttempts(ctx, "intruder", started.VerificationID)
	assertKind(t, err, domain.ErrNotFound)

	_, err = env.verifications.SubmitVerification(ctx, "user-1", "not-a-uuid", 15, 63)
	assertKind(t, err, domain.ErrNotFound)

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != 0 {
		t.Fatalf("foreign submissions must not be recorded, got %d", len(ledger.Attempts))
	}
}

func TestVerificationService_SinkFailureDoesNotAbort(t *testing.T) {
	failing := EventSinkFunc(func(ctx context.Context, event *domain.SecurityEvent) error {
		return errors.New("audit store unavailable")
	})
	panicking := EventSinkFunc(func(ctx context.Context, event *domain.SecurityEvent) error {
		panic("boom")
	})
	env := newTestEnv(t, VerificationConfig{}, nil, failing, panicking)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	result, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	if err != nil {
		t.Fatalf("SubmitVerification returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success despite failing sinks")
	}
	if env.sink.count(domain.EventVerificationSucceeded) != 1 {
		t.Fatalf("healthy sink should still receive events, got %v", env.sink.types())
	}
}

func TestVerificationService_RateLimit(t *testing.T) {
	limiter := &stubLimiter{decision: RateLimitDecision{Subject: "ip:203.0.113.7", Count: 11, Limit: 10, RetryAfter: 42 * time.Second}}
	env := newTestEnv(t, VerificationConfig{}, limiter)
	ctx := middleware.WithClientInfo(context.Background(), middleware.ClientInfo{IPAddress: "203.0.113.7"})
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	_, err := env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrRateLimited)
	if de, ok := domain.AsError(err); !ok || de.RetryAfter != 42*time.Second {
		t.Fatalf("expected retry after 42s, got %+v", err)
	}
	if env.sink.count(domain.EventVerificationRateLimited) != 1 {
		t.Fatalf("expected a rate limited event, got %v", env.sink.types())
	}
	if got := limiter.calls[0]; len(got) != 2 || got[0] != "user:user-1" || got[1] != "ip:203.0.113.7" {
		t.Fatalf("expected user and ip subjects, got %v", got)
	}

	ledger, err := env.verifications.ListAttempts(ctx, "user-1", started.VerificationID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(ledger.Attempts) != 0 {
		t.Fatalf("rate limited submission must not be recorded, got %d", len(ledger.Attempts))
	}

	limiter.decision = RateLimitDecision{}
	limiter.err = errors.New("redis: connection refused")
	result, err := env.verifications.SubmitVerification(context.Background(), "user-1", started.VerificationID, 15, 63)
	if err != nil {
		t.Fatalf("limiter outage should fail open, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected success when the limiter is unavailable")
	}
	if len(limiter.calls) != 2 || len(limiter.calls[1]) != 1 {
		t.Fatalf("expected a user-only second call, got %v", limiter.calls)
	}
}

// verifyingCreateRepo verifies the account's pending verification right before
// a new one is created, as a submit committing between the checks of an
// initiate and its insert would.
type verifyingCreateRepo struct {
	*store.MemoryRepository
}

func (r verifyingCreateRepo) CreateVerification(ctx context.Context, v *domain.Verification) error {
	if latest, err := r.FindLatestVerificationByAccountID(ctx, v.BankAccountID); err == nil && latest.Status == domain.VerificationPending {
		_, _ = r.UpdateVerification(ctx, latest.ID, func(current *domain.Verification) (*domain.VerificationAttempt, error) {
			current.Status = domain.VerificationVerified
			return nil, nil
		})
	}
	return r.MemoryRepository.CreateVerification(ctx, v)
}

func TestVerificationService_InitiateLosesRaceToVerifiedSubmit(t *testing.T) {
	env := newWrappedTestEnv(t, VerificationConfig{}, nil, repoWrappers{
		verifications: func(m *store.MemoryRepository) store.VerificationRepository { return verifyingCreateRepo{m} },
	})
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	first := env.initiate(t, "user-1", account.ID)

	_, err := env.verifications.InitiateVerification(ctx, "user-1", account.ID)
	assertKind(t, err, domain.ErrInvalidState)

	latest, err := env.repo.FindLatestVerificationByAccountID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindLatestVerificationByAccountID returned error: %v", err)
	}
	if latest.ID != first.VerificationID || latest.Status != domain.VerificationVerified {
		t.Fatalf("expected verified verification to stay latest, got %+v", latest)
	}
}

// uuidColumnRepo rejects malformed ids the way a UUID column does.
type uuidColumnRepo struct {
	*store.MemoryRepository
}

func (r uuidColumnRepo) UpdateVerification(ctx context.Context, verificationID string, mutate store.VerificationMutation) (*domain.Verification, error) {
	if _, err := uuid.Parse(verificationID); err != nil {
		return nil, fmt.Errorf("ERROR: invalid input syntax for type uuid: %q (SQLSTATE 22P02)", verificationID)
	}
	return r.MemoryRepository.UpdateVerification(ctx, verificationID, mutate)
}

func TestVerificationService_FailVerificationMalformedID(t *testing.T) {
	env := newWrappedTestEnv(t, VerificationConfig{}, nil, repoWrappers{
		verifications: func(m *store.MemoryRepository) store.VerificationRepository { return uuidColumnRepo{m} },
	})

	changed, err := env.verifications.FailVerification(context.Background(), "abc", domain.FailureDepositReturned)
	assertKind(t, err, domain.ErrNotFound)
	if changed {
		t.Fatal("malformed id must not change anything")
	}

	handler := NewBankWebhookHandler(env.repo, env.verifications, env.clock, discardLogger())
	if !handler.HandleBankWebhookEvent([]byte(`{"id":"wh-9","type":"micro_deposits.returned","verification_id":"abc"}`)) {
		t.Fatal("webhook for a malformed verification id should be acked")
	}
	webhook, ok := env.repo.Webhook("wh-9")
	if !ok || webhook.Status != domain.WebhookIgnored {
		t.Fatalf("expected ignored webhook, got %+v (found=%v)", webhook, ok)
	}
}

func TestVerificationService_MarkVerifiedFailureHeals(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	gateway := &flakyGateway{AccountService: env.accounts, failMark: true}
	svc := NewVerificationService(env.repo, gateway, fixedDeposits{15, 63}, nil, nil, env.clock, discardLogger(), VerificationConfig{})

	account := env.createAccount(t, "user-1")
	started, err := svc.InitiateVerification(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("InitiateVerification returned error: %v", err)
	}

	_, err = svc.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrInfrastructure)

	stored, _ := env.accounts.GetAccount(ctx, "user-1", account.ID)
	if stored.IsVerified {
		t.Fatal("account flag should not be set while the gateway fails")
	}

	gateway.mu.Lock()
	gateway.failMark = false
	gateway.mu.Unlock()

	status, err := svc.GetVerificationStatus(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetVerificationStatus returned error: %v", err)
	}
	if status.Status != domain.VerificationVerified {
		t.Fatalf("expected committed verification to stay verified, got %+v", status)
	}
	stored, _ = env.accounts.GetAccount(ctx, "user-1", account.ID)
	if !stored.IsVerified {
		t.Fatal("expected status lookup to re-apply the verified flag")
	}
}

func TestVerificationService_InitiateHealsVerifiedFlag(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	gateway := &flakyGateway{AccountService: env.accounts, failMark: true}
	svc := NewVerificationService(env.repo, gateway, fixedDeposits{15, 63}, nil, nil, env.clock, discardLogger(), VerificationConfig{})

	account := env.createAccount(t, "user-1")
	started, err := svc.InitiateVerification(ctx, "user-1", account.ID)
	if err != nil {
		t.Fatalf("InitiateVerification returned error: %v", err)
	}
	if _, err := svc.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63); err == nil {
		t.Fatal("expected markVerified failure to surface")
	}

	gateway.mu.Lock()
	gateway.failMark = false
	gateway.mu.Unlock()

	_, err = svc.InitiateVerification(ctx, "user-1", account.ID)
	assertKind(t, err, domain.ErrInvalidState)

	stored, _ := env.accounts.GetAccount(ctx, "user-1", account.ID)
	if !stored.IsVerified {
		t.Fatal("expected initiate to re-apply the verified flag")
	}
}

func TestVerificationService_FailVerification(t *testing.T) {
	env := newTestEnv(t, VerificationConfig{}, nil)
	ctx := context.Background()
	account := env.createAccount(t, "user-1")
	started := env.initiate(t, "user-1", account.ID)

	changed, err := env.verifications.FailVerification(ctx, started.VerificationID, domain.FailureDepositReturned)
	if err != nil || !changed {
		t.Fatalf("expected pending verification to fail, changed=%v err=%v", changed, err)
	}

	changed, err = env.verifications.FailVerification(ctx, started.VerificationID, domain.FailureDepositReturned)
	if err != nil || changed {
		t.Fatalf("expected terminal verification to stay untouched, changed=%v err=%v", changed, err)
	}

	_, err = env.verifications.SubmitVerification(ctx, "user-1", started.VerificationID, 15, 63)
	assertKind(t, err, domain.ErrInvalidState)

	_, err = env.verifications.FailVerification(ctx, "6b0f7c36-0000-4000-8000-000000000000", domain.FailureDepositReturned)
	assertKind(t, err, domain.ErrNotFound)
}
