package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// apiError mirrors the service's JSON error envelope.
type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// accountInfo is the subset of the account response shown before deletion.
type accountInfo struct {
	ID                  string `json:"id"`
	BankName            string `json:"bank_name"`
	Country             string `json:"bank_country"`
	Currency            string `json:"bank_currency"`
	AccountHolderName   string `json:"account_holder_name"`
	AccountNumberMasked string `json:"account_number_masked"`
	IsPrimary           bool   `json:"is_primary"`
	IsVerified          bool   `json:"is_verified"`
}

type apiClient struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, wantStatus int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "unlink-account/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("X-User-Id", c.userID)
	}

	client := c.httpClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Kind != "" {
			return nil, fmt.Errorf("API error: %s - %s", apiErr.Error.Kind, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// getAccount fetches account information before deletion
func (c *apiClient) getAccount(ctx context.Context, accountID string) (*accountInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/bank-accounts/"+url.PathEscape(accountID), http.StatusOK)
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &info, nil
}

// deleteAccount unlinks the account; the service answers 204 No Content.
func (c *apiClient) deleteAccount(ctx context.Context, accountID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/bank-accounts/"+url.PathEscape(accountID), http.StatusNoContent)
	return err
}
