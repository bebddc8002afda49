/**
 * @description
 * The security event log: a best-effort, write-only audit sink. Events fan out
 * to every configured sink (the security_logs table and the message broker).
 *
 * @notes
 * - Record never returns an error. A failing sink is logged and skipped so
 *   audit logging cannot block or fail an account or verification operation.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/linked-account-service/internal/domain"
	"github.com/transfa/linked-account-service/pkg/middleware"
	"github.com/transfa/linked-account-service/pkg/rabbitmq"
)

// EventSink accepts a fully populated security event.
type EventSink interface {
	Write(ctx context.Context, event *domain.SecurityEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event *domain.SecurityEvent) error

func (f EventSinkFunc) Write(ctx context.Context, event *domain.SecurityEvent) error {
	return f(ctx, event)
}

type securityEventWriter interface {
	CreateSecurityEvent(ctx context.Context, event *domain.SecurityEvent) error
}

// RepositorySink writes events to the security event repository.
func RepositorySink(repo securityEventWriter) EventSink {
	return EventSinkFunc(repo.CreateSecurityEvent)
}

// PublisherSink publishes events to a topic exchange; the routing key is
// "security.<event_type>".
func PublisherSink(publisher rabbitmq.Publisher, exchange string) EventSink {
	return EventSinkFunc(func(ctx context.Context, event *domain.SecurityEvent) error {
		return publisher.Publish(ctx, exchange, "security."+event.EventType, event)
	})
}

// SecurityLog records security events on a best-effort basis.
type SecurityLog struct {
	sinks  []EventSink
	clock  Clock
	logger *slog.Logger
}

// NewSecurityLog creates a SecurityLog writing to sinks.
func NewSecurityLog(logger *slog.Logger, clock Clock, sinks ...EventSink) *SecurityLog {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &SecurityLog{sinks: sinks, clock: clock, logger: logger}
}

// Record writes one event. Client IP and user agent are taken from the
// request context when available.
func (l *SecurityLog) Record(ctx context.Context, userID, eventType string, details map[string]any) {
	if l == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	event := &domain.SecurityEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		CreatedAt: l.clock.Now(),
	}
	if info, ok := middleware.ClientInfoFromContext(ctx); ok {
		event.IPAddress = info.IPAddress
		event.UserAgent = info.UserAgent
	}

	for _, sink := range l.sinks {
		if err := l.write(ctx, sink, event); err != nil {
			l.logger.Warn("failed to record security event",
				"component", "security_log",
				"event_type", eventType,
				"user_id", userID,
				"error", err,
			)
		}
	}
}

func (l *SecurityLog) write(ctx context.Context, sink EventSink, event *domain.SecurityEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("security event sink panicked", "component", "security_log", "panic", r)
			err = nil
		}
	}()
	return sink.Write(ctx, event)
}
