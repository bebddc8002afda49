/**
 * @description
 * This file defines the event handler that processes bank rail webhooks
 * delivered through RabbitMQ.
 *
 * @notes
 * - Every webhook is stored first with status pending so redeliveries and
 *   unknown event types still leave an audit record.
 * - A webhook without an id is keyed by the SHA-256 of its body, so a
 *   redelivery maps onto the record stored the first time.
 * - A returned micro-deposit makes the verification impossible to complete,
 *   so the pending verification is failed with reason deposit_returned.
 */
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/internal/store"
)

// VerificationFailer ends a pending verification.
type VerificationFailer interface {
	FailVerification(ctx context.Context, verificationID string, reason domain.FailureReason) (bool, error)
}

// BankWebhookHandler handles the processing of bank webhook events.
type BankWebhookHandler struct {
	repo          store.WebhookRepository
	verifications VerificationFailer
	clock         Clock
	logger        *slog.Logger
}

// NewBankWebhookHandler creates a new instance of BankWebhookHandler.
func NewBankWebhookHandler(repo store.WebhookRepository, verifications VerificationFailer, clock Clock, logger *slog.Logger) *BankWebhookHandler {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BankWebhookHandler{
		repo:          repo,
		verifications: verifications,
		clock:         clock,
		logger:        logger.With("component", "bank_webhook_handler"),
	}
}

// HandleBankWebhookEvent processes one message. It returns true to ack and
// false to requeue after a retryable failure.
func (h *BankWebhookHandler) HandleBankWebhookEvent(body []byte) bool {
	var event domain.BankWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to unmarshal bank webhook", "error", err)
		return true // Acknowledge malformed message.
	}
	if event.Type == "" {
		h.logger.Warn("bank webhook missing type; acking")
		return true
	}
	if event.ID == "" {
		event.ID = bodyWebhookID(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	webhook := &domain.BankWebhook{
		ID:         event.ID,
		EventType:  event.Type,
		Payload:    json.RawMessage(body),
		Status:     domain.WebhookPending,
		ReceivedAt: h.clock.Now(),
	}
	if err := h.repo.CreateWebhook(ctx, webhook); err != nil {
		h.logger.Error("failed to store bank webhook", "webhook_id", event.ID, "error", err)
		return false // Retryable database error.
	}

	status := domain.WebhookIgnored
	switch event.Type {
	case domain.WebhookMicroDepositsReturned:
		if event.VerificationID == "" {
			h.logger.Warn("micro_deposits.returned webhook without verification_id", "webhook_id", event.ID)
			break
		}
		_, err := h.verifications.FailVerification(ctx, event.VerificationID, domain.FailureDepositReturned)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			h.logger.Warn("micro_deposits.returned webhook for unknown verification", "webhook_id", event.ID, "verification_id", event.VerificationID)
		case err != nil:
			h.logger.Error("failed to fail verification from webhook", "webhook_id", event.ID, "verification_id", event.VerificationID, "error", err)
			return false
		default:
			status = domain.WebhookProcessed
		}
	default:
		h.logger.Info("ignoring bank webhook", "webhook_id", event.ID, "type", event.Type)
	}

	if err := h.repo.UpdateWebhookStatus(ctx, event.ID, status); err != nil {
		h.logger.Error("failed to update bank webhook status", "webhook_id", event.ID, "status", status, "error", err)
		return false
	}
	return true
}

func bodyWebhookID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
