package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transfa/linked-account-service/internal/app"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
)

type fixedDeposits struct{}

func (fixedDeposits) Generate(ctx context.Context, currency string) (int64, int64, error) {
	return 15, 63, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	security := app.NewSecurityLog(logger, nil, app.RepositorySink(repo))
	accounts := app.NewAccountService(repo, domain.DefaultRegionPolicy(), security, nil, logger)
	verifications := app.NewVerificationService(repo, accounts, fixedDeposits{}, nil, security, nil, logger, app.VerificationConfig{})
	handler := NewHandler(accounts, verifications, repo, logger)

	server := httptest.NewServer(NewRouter(RouterConfig{DisableRequestLogging: true}, handler))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, server *httptest.Server, method, path, userID, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

const createUSAccount = `{
	"bank_name": "Chase",
	"bank_country": "US",
	"bank_currency": "USD",
	"account_holder_name": "Ada Lovelace",
	"account_number": "000123456789",
	"routing_number": "021000021",
	"account_type": "checking"
}`

type accountBody struct {
	ID                  string `json:"id"`
	AccountNumber       string `json:"account_number"`
	AccountNumberMasked string `json:"account_number_masked"`
	IsPrimary           bool   `json:"is_primary"`
	IsVerified          bool   `json:"is_verified"`
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	server := newTestServer(t)

	var errBody ErrorBody
	if status := doJSON(t, server, http.MethodGet, "/bank-accounts", "", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if status := doJSON(t, server, http.MethodGet, "/currencies", "", "", &map[string]any{}); status != http.StatusOK {
		t.Fatalf("catalog should be public, got %d", status)
	}
	if status := doJSON(t, server, http.MethodGet, "/banks?region=MARS", "", "", &errBody); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown region, got %d", status)
	}
}

func TestRouter_AccountLifecycle(t *testing.T) {
	server := newTestServer(t)

	var created accountBody
	if status := doJSON(t, server, http.MethodPost, "/bank-accounts", "user-1", createUSAccount, &created); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if created.AccountNumber != "" || created.AccountNumberMasked != "****6789" {
		t.Fatalf("full account number must not be returned: %+v", created)
	}
	if created.IsPrimary || created.IsVerified {
		t.Fatalf("unexpected flags on new account: %+v", created)
	}

	var errBody ErrorBody
	status := doJSON(t, server, http.MethodPost, "/bank-accounts", "user-1", `{"bank_name":"Chase","is_verified":true}`, &errBody)
	if status != http.StatusBadRequest || errBody.Error.Kind != string(domain.KindValidation) {
		t.Fatalf("expected validation error for unknown field, got %d %+v", status, errBody)
	}

	errBody = ErrorBody{}
	status = doJSON(t, server, http.MethodPost, "/bank-accounts", "user-1", `{"bank_name":"Chase","bank_country":"US","bank_currency":"USD","account_holder_name":"Ada","account_number":"12345678","account_type":"checking"}`, &errBody)
	if status != http.StatusBadRequest || errBody.Error.Field != "routing_number" {
		t.Fatalf("expected routing_number validation error, got %d %+v", status, errBody)
	}

	var primary accountBody
	if status := doJSON(t, server, http.MethodPost, "/bank-accounts/"+created.ID+"/primary", "user-1", "", &primary); status != http.StatusOK {
		t.Fatalf("expected 200 from set primary, got %d", status)
	}
	if !primary.IsPrimary {
		t.Fatal("expected account to be primary")
	}

	errBody = ErrorBody{}
	if status := doJSON(t, server, http.MethodGet, "/bank-accounts/"+created.ID, "user-2", "", &errBody); status != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner's account, got %d", status)
	}

	var list struct {
		Accounts []accountBody `json:"accounts"`
	}
	if status := doJSON(t, server, http.MethodGet, "/bank-accounts", "user-1", "", &list); status != http.StatusOK || len(list.Accounts) != 1 {
		t.Fatalf("expected one account, got %d %+v", status, list)
	}

	if status := doJSON(t, server, http.MethodDelete, "/bank-accounts/"+created.ID, "user-1", "", nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 from delete, got %d", status)
	}
	if status := doJSON(t, server, http.MethodGet, "/bank-accounts/"+created.ID, "user-1", "", &errBody); status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestRouter_VerificationFlow(t *testing.T) {
	server := newTestServer(t)

	var created accountBody
	if status := doJSON(t, server, http.MethodPost, "/bank-accounts", "user-1", createUSAccount, &created); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	var empty map[string]any
	if status := doJSON(t, server, http.MethodGet, "/bank-accounts/"+created.ID+"/verification", "user-1", "", &empty); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if v, ok := empty["verification"]; !ok || v != nil {
		t.Fatalf("expected null verification, got %+v", empty)
	}

	var started app.InitiateResult
	if status := doJSON(t, server, http.MethodPost, "/bank-accounts/"+created.ID+"/verifications", "user-1", "", &started); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	var raw map[string]any
	doJSON(t, server, http.MethodGet, "/bank-accounts/"+created.ID+"/verification", "user-1", "", &raw)
	if encoded, _ := json.Marshal(raw); bytes.Contains(encoded, []byte("amount")) {
		t.Fatalf("verification status must not expose deposit amounts: %s", encoded)
	}

	var result app.SubmitResult
	status := doJSON(t, server, http.MethodPost, "/verifications/"+started.VerificationID+"/submit", "user-1", `{"amount_1":"0.15","amount_2":"0.62"}`, &result)
	if status != http.StatusOK || result.Success || result.AttemptsRemaining != 4 {
		t.Fatalf("unexpected wrong-guess response: %d %+v", status, result)
	}

	var errBody ErrorBody
	status = doJSON(t, server, http.MethodPost, "/verifications/"+started.VerificationID+"/submit", "user-2", `{"amount_1":"0.15","amount_2":"0.63"}`, &errBody)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner's verification, got %d", status)
	}

	status = doJSON(t, server, http.MethodPost, "/verifications/"+started.VerificationID+"/submit", "user-1", `{"amount_1":0.15,"amount_2":0.63}`, &result)
	if status != http.StatusOK || !result.Success || result.Status != domain.VerificationVerified {
		t.Fatalf("unexpected correct-guess response: %d %+v", status, result)
	}

	errBody = ErrorBody{}
	status = doJSON(t, server, http.MethodPost, "/verifications/"+started.VerificationID+"/submit", "user-1", `{"amount_1":"0.15","amount_2":"0.63"}`, &errBody)
	if status != http.StatusConflict || errBody.Error.Kind != string(domain.KindInvalidState) {
		t.Fatalf("expected 409 on a verified verification, got %d %+v", status, errBody)
	}

	var account accountBody
	doJSON(t, server, http.MethodGet, "/bank-accounts/"+created.ID, "user-1", "", &account)
	if !account.IsVerified {
		t.Fatal("expected account to be verified")
	}

	var ledger struct {
		Currency string            `json:"currency"`
		Attempts []AttemptResponse `json:"attempts"`
	}
	if status := doJSON(t, server, http.MethodGet, "/verifications/"+started.VerificationID+"/attempts", "user-1", "", &ledger); status != http.StatusOK {
		t.Fatalf("expected 200 from attempts, got %d", status)
	}
	if len(ledger.Attempts) != 2 || ledger.Attempts[0].Amount2 != "0.62" || ledger.Attempts[1].AttemptNumber != 2 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}

	var events struct {
		Events []domain.SecurityEvent `json:"events"`
	}
	if status := doJSON(t, server, http.MethodGet, "/security/events?limit=3", "user-1", "", &events); status != http.StatusOK {
		t.Fatalf("expected 200 from security events, got %d", status)
	}
	if len(events.Events) != 3 || events.Events[0].EventType != domain.EventVerificationSucceeded {
		t.Fatalf("unexpected security events: %+v", events.Events)
	}
}
