/**
 * @description
 * Event models for the linked-account service: security events written to the
 * audit sink and bank webhook events consumed from the message broker.
 */
package domain

import (
	"encoding/json"
	"time"
)

// Security event types.
const (
	EventBankAccountChange        = "bank_account_change"
	EventVerificationInitiated    = "bank_verification_initiated"
	EventVerificationAttempt      = "bank_verification_attempt"
	EventVerificationSucceeded    = "bank_verification_succeeded"
	EventVerificationFailed       = "bank_verification_failed"
	EventVerificationExpired      = "bank_verification_expired"
	EventVerificationRateLimited  = "bank_verification_rate_limited"
	EventVerificationDepositsBack = "bank_verification_deposits_returned"
)

// SecurityEvent is an entry of the security audit log.
type SecurityEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Webhook processing statuses.
const (
	WebhookPending   = "pending"
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
)

// Bank webhook event types that the service acts on.
const (
	WebhookMicroDepositsReturned = "micro_deposits.returned"
)

// BankWebhookEvent is the message received from the bank rail integration.
type BankWebhookEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	VerificationID string          `json:"verification_id,omitempty"`
	BankAccountID  string          `json:"bank_account_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// BankWebhook is the persisted record of a received webhook.
type BankWebhook struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	ReceivedAt time.Time       `json:"received_at"`
}
