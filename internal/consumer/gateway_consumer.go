package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"log/slog"

	"github.com/Abhishekmac/creditFlow-14sep/internal/service"
	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

const gatewayEventType = "gateway.payment_result"

// GatewayEvent is the gateway's settlement report delivered over kafka. It
// carries the same fields as the webhook payload.
type GatewayEvent struct {
	kafka.Envelope
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	ExternalRef   string `json:"external_ref"`
}

func (e *GatewayEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != gatewayEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.PaymentID) == "" {
		return fmt.Errorf("payment_id is required")
	}
	if _, err := uuid.Parse(strings.TrimSpace(e.PaymentID)); err != nil {
		return fmt.Errorf("invalid payment_id")
	}
	status := strings.ToLower(strings.TrimSpace(e.Status))
	if status != storage.PaymentStatusSuccess && status != storage.PaymentStatusFailed {
		return fmt.Errorf("status must be success or failed")
	}
	return nil
}

type PaymentResolver interface {
	ResolveFromGateway(ctx context.Context, input service.GatewayResolutionInput) (*storage.ResolveResult, error)
}

type GatewayConsumer struct {
	payments PaymentResolver
	logger   *slog.Logger
}

func NewGatewayConsumer(payments PaymentResolver, logger *slog.Logger) *GatewayConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayConsumer{payments: payments, logger: logger}
}

// HandleMessage applies one gateway settlement report. Malformed events and
// events for payments this service has never seen go to the DLQ; transient
// failures are returned plain so the group redelivers.
func (c *GatewayConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}

	var event GatewayEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode gateway event: %w", err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	paymentID, _ := uuid.Parse(strings.TrimSpace(event.PaymentID))

	result, err := c.payments.ResolveFromGateway(ctx, service.GatewayResolutionInput{
		PaymentID:     paymentID,
		Status:        strings.ToLower(strings.TrimSpace(event.Status)),
		FailureReason: strings.TrimSpace(event.FailureReason),
		ExternalRef:   strings.TrimSpace(event.ExternalRef),
		EventID:       event.EventID,
		CorrelationID: event.CorrelationID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("gateway event for unknown payment", "payment_id", event.PaymentID, "event_id", event.EventID)
			return kafka.DLQ(err, "unknown_payment")
		}
		if errors.Is(err, storage.ErrInvalidOutcome) {
			return kafka.DLQ(err, "invalid_event")
		}
		return err
	}

	if result.AlreadyResolved {
		c.logger.Info("gateway event already applied", "payment_id", event.PaymentID, "event_id", event.EventID)
	}
	return nil
}
