package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/Abhishekmac/creditFlow-14sep/internal/service"
	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

type fakeResolver struct {
	result *storage.ResolveResult
	err    error
	last   *service.GatewayResolutionInput
	calls  int
}

func (f *fakeResolver) ResolveFromGateway(ctx context.Context, input service.GatewayResolutionInput) (*storage.ResolveResult, error) {
	f.calls++
	f.last = &input
	return f.result, f.err
}

func gatewayMessage(t *testing.T, event GatewayEvent) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "gateway.events", Value: value}
}

func validEvent(t *testing.T, paymentID uuid.UUID, status string) GatewayEvent {
	t.Helper()
	env, err := kafka.NewEnvelope(gatewayEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return GatewayEvent{
		Envelope:  env,
		PaymentID: paymentID.String(),
		Status:    status,
	}
}

func TestGatewayConsumerAppliesEvent(t *testing.T) {
	paymentID := uuid.New()
	resolver := &fakeResolver{result: &storage.ResolveResult{
		Payment: &storage.Payment{ID: paymentID, Status: storage.PaymentStatusSuccess},
	}}
	c := NewGatewayConsumer(resolver, nil)

	event := validEvent(t, paymentID, storage.PaymentStatusSuccess)
	event.ExternalRef = "gw-77"

	if err := c.HandleMessage(context.Background(), gatewayMessage(t, event)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if resolver.last == nil {
		t.Fatalf("expected resolution call")
	}
	if resolver.last.PaymentID != paymentID {
		t.Fatalf("unexpected payment id %s", resolver.last.PaymentID)
	}
	if resolver.last.EventID != event.EventID {
		t.Fatalf("expected envelope event id to carry through")
	}
	if resolver.last.ExternalRef != "gw-77" {
		t.Fatalf("unexpected external ref %q", resolver.last.ExternalRef)
	}
}

func TestGatewayConsumerDuplicateIsAbsorbed(t *testing.T) {
	paymentID := uuid.New()
	resolver := &fakeResolver{result: &storage.ResolveResult{
		Payment:         &storage.Payment{ID: paymentID, Status: storage.PaymentStatusSuccess},
		AlreadyResolved: true,
	}}
	c := NewGatewayConsumer(resolver, nil)

	if err := c.HandleMessage(context.Background(), gatewayMessage(t, validEvent(t, paymentID, storage.PaymentStatusSuccess))); err != nil {
		t.Fatalf("duplicate delivery must ack cleanly: %v", err)
	}
}

func TestGatewayConsumerMalformedGoesToDLQ(t *testing.T) {
	c := NewGatewayConsumer(&fakeResolver{}, nil)

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "gateway.events", Value: []byte("{not json")})
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
}

func TestGatewayConsumerInvalidStatusGoesToDLQ(t *testing.T) {
	resolver := &fakeResolver{}
	c := NewGatewayConsumer(resolver, nil)

	err := c.HandleMessage(context.Background(), gatewayMessage(t, validEvent(t, uuid.New(), "maybe")))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
	if resolver.calls != 0 {
		t.Fatalf("invalid event must not reach the service")
	}
}

func TestGatewayConsumerUnknownPaymentGoesToDLQ(t *testing.T) {
	resolver := &fakeResolver{err: storage.ErrNotFound}
	c := NewGatewayConsumer(resolver, nil)

	err := c.HandleMessage(context.Background(), gatewayMessage(t, validEvent(t, uuid.New(), storage.PaymentStatusFailed)))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
}

func TestGatewayConsumerTransientErrorRedelivers(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("connection refused")}
	c := NewGatewayConsumer(resolver, nil)

	err := c.HandleMessage(context.Background(), gatewayMessage(t, validEvent(t, uuid.New(), storage.PaymentStatusSuccess)))
	if err == nil {
		t.Fatalf("expected error for transient failure")
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatalf("transient failures must redeliver, not DLQ")
	}
}
