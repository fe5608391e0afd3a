package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

var (
	ErrCardNotFound       = errors.New("card not found")
	ErrCardInactive       = storage.ErrCardInactive
	ErrExceedsOutstanding = storage.ErrExceedsOutstanding
)

type Topics struct {
	PaymentsSettled string
	PaymentsFailed  string
}

type PaymentStore interface {
	GetCard(ctx context.Context, cardID, userID uuid.UUID) (*storage.Card, error)
	ListCards(ctx context.Context, userID uuid.UUID) ([]storage.Card, error)
	ListStatements(ctx context.Context, cardID, userID uuid.UUID) ([]storage.Statement, error)
	OutstandingBalance(ctx context.Context, userID uuid.UUID, cardID *uuid.UUID) (decimal.Decimal, error)
	GetPaymentByKey(ctx context.Context, userID uuid.UUID, key string) (*storage.Payment, error)
	CreatePayment(ctx context.Context, payment storage.Payment) (*storage.Payment, bool, error)
	GetPayment(ctx context.Context, paymentID, userID uuid.UUID) (*storage.Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID, filter storage.PaymentFilter) ([]storage.Payment, string, error)
	ListApplications(ctx context.Context, paymentID uuid.UUID) ([]storage.PaymentApplication, error)
	ResolvePayment(ctx context.Context, req storage.ResolveRequest) (*storage.ResolveResult, error)
	InsertActivity(ctx context.Context, activity storage.Activity) error
}

type PaymentService struct {
	store     PaymentStore
	resolver  Resolver
	producer  kafka.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	topics    Topics
	maxAmount decimal.Decimal
}

func NewPaymentService(store PaymentStore, resolver Resolver, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, maxAmount decimal.Decimal) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		store:     store,
		resolver:  resolver,
		producer:  producer,
		logger:    logger,
		metrics:   metrics,
		topics:    topics,
		maxAmount: maxAmount,
	}
}

func (s *PaymentService) MaxAmount() decimal.Decimal {
	return s.maxAmount
}

type CreatePaymentInput struct {
	UserID         uuid.UUID
	CardID         *uuid.UUID
	Amount         decimal.Decimal
	Method         string
	IdempotencyKey string
	CorrelationID  string
}

type CreatePaymentResult struct {
	Payment *storage.Payment
	// Outstanding is the balance at validation time. Creation does not move
	// funds, so it is returned unchanged.
	Outstanding decimal.Decimal
	Existing    bool
}

func (s *PaymentService) CreatePayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error) {
	// A replayed key short-circuits before validation: the prior payment is
	// the answer even if the card or the balance changed since.
	if input.IdempotencyKey != "" {
		prior, err := s.store.GetPaymentByKey(ctx, input.UserID, input.IdempotencyKey)
		if err == nil {
			outstanding, err := s.store.OutstandingBalance(ctx, input.UserID, prior.CardID)
			if err != nil {
				s.countSubmission("error")
				return nil, err
			}
			s.countSubmission("duplicate")
			return &CreatePaymentResult{Payment: prior, Outstanding: outstanding, Existing: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.countSubmission("error")
			return nil, err
		}
	}

	if input.CardID != nil {
		card, err := s.store.GetCard(ctx, *input.CardID, input.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.countSubmission("rejected")
				return nil, ErrCardNotFound
			}
			s.countSubmission("error")
			return nil, err
		}
		if card.Status != storage.CardStatusActive {
			s.countSubmission("rejected")
			return nil, ErrCardInactive
		}
	}

	outstanding, err := s.store.OutstandingBalance(ctx, input.UserID, input.CardID)
	if err != nil {
		s.countSubmission("error")
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.BalanceLookups.Inc()
	}
	if input.Amount.GreaterThan(outstanding) {
		s.countSubmission("rejected")
		return nil, ErrExceedsOutstanding
	}

	payment, created, err := s.store.CreatePayment(ctx, storage.Payment{
		UserID:         input.UserID,
		CardID:         input.CardID,
		Amount:         input.Amount,
		Method:         input.Method,
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		s.countSubmission("error")
		return nil, err
	}
	if !created {
		s.countSubmission("duplicate")
		return &CreatePaymentResult{Payment: payment, Outstanding: outstanding, Existing: true}, nil
	}

	s.insertActivity(ctx, input.UserID, "payments.create", payment.ID, map[string]any{
		"amount": payment.Amount.String(),
		"method": payment.Method,
	})

	// Gateway payments stay pending until the gateway reports back over the
	// webhook or the event stream. Everything else resolves in-process.
	if payment.Method != storage.PaymentMethodGateway && s.resolver != nil {
		s.scheduleResolution(*payment, input.CorrelationID)
	}

	s.countSubmission("accepted")
	return &CreatePaymentResult{Payment: payment, Outstanding: outstanding}, nil
}

// scheduleResolution simulates the async processor callback. It runs on a
// background context: a client disconnect must not abandon a pending payment.
func (s *PaymentService) scheduleResolution(payment storage.Payment, correlationID string) {
	go func() {
		ctx := context.Background()
		outcome := s.resolver.Resolve(ctx, payment)

		result, err := s.resolve(ctx, storage.ResolveRequest{
			PaymentID:     payment.ID,
			Outcome:       outcome.Status,
			FailureReason: outcome.FailureReason,
			ExternalRef:   outcome.ExternalRef,
			EventID:       kafka.DeterministicEventID("payment.resolution", payment.ID.String()),
		})
		if err != nil {
			s.logger.Error("simulated resolution failed", "payment_id", payment.ID.String(), "error", err)
			return
		}
		if !result.AlreadyResolved {
			s.dispatchSideEffects(ctx, result, correlationID)
		}
	}()
}

type GatewayResolutionInput struct {
	PaymentID     uuid.UUID
	Status        string
	FailureReason string
	ExternalRef   string
	EventID       string
	CorrelationID string
}

// ResolveFromGateway applies a settlement reported by the external gateway.
// Duplicate deliveries are absorbed; side effects fire only when this call is
// the one that actually moved the payment.
func (s *PaymentService) ResolveFromGateway(ctx context.Context, input GatewayResolutionInput) (*storage.ResolveResult, error) {
	result, err := s.resolve(ctx, storage.ResolveRequest{
		PaymentID:     input.PaymentID,
		Outcome:       input.Status,
		FailureReason: input.FailureReason,
		ExternalRef:   input.ExternalRef,
		EventID:       input.EventID,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.GatewayEvents.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if result.AlreadyResolved {
		if s.metrics != nil {
			s.metrics.GatewayEvents.WithLabelValues("duplicate").Inc()
		}
		return result, nil
	}

	if s.metrics != nil {
		s.metrics.GatewayEvents.WithLabelValues("applied").Inc()
	}
	s.dispatchSideEffects(ctx, result, input.CorrelationID)
	return result, nil
}

func (s *PaymentService) resolve(ctx context.Context, req storage.ResolveRequest) (*storage.ResolveResult, error) {
	start := time.Now()
	result, err := s.store.ResolvePayment(ctx, req)
	if s.metrics != nil {
		outcome := req.Outcome
		if err != nil {
			outcome = "error"
		} else if result.AlreadyResolved {
			outcome = "noop"
		}
		s.metrics.Settlements.WithLabelValues(outcome).Inc()
		s.metrics.SettlementDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return result, err
}

// dispatchSideEffects runs after the settlement has committed. Failures here
// are logged and counted, never propagated: the settlement stands regardless.
func (s *PaymentService) dispatchSideEffects(ctx context.Context, result *storage.ResolveResult, correlationID string) {
	payment := result.Payment
	if payment == nil {
		return
	}

	if payment.Status == storage.PaymentStatusSuccess {
		s.publishSettled(ctx, result, correlationID)
		s.insertActivity(ctx, payment.UserID, "payments.settle", payment.ID, map[string]any{
			"amount":    payment.Amount.String(),
			"discarded": result.Discarded.String(),
		})
	} else {
		s.publishFailed(ctx, payment, correlationID)
		s.insertActivity(ctx, payment.UserID, "payments.fail", payment.ID, map[string]any{
			"amount": payment.Amount.String(),
			"reason": payment.FailureReason,
		})
	}
}

func (s *PaymentService) publishSettled(ctx context.Context, result *storage.ResolveResult, correlationID string) {
	if s.producer == nil {
		return
	}
	payment := result.Payment
	eventID := kafka.DeterministicEventID("payments.settled", payment.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "payments.settled", 1, correlationID)
	if err != nil {
		s.sideEffectFailed("publish_settled", payment.ID, err)
		return
	}

	apps := make([]AppliedStatement, 0, len(result.Applications))
	for _, app := range result.Applications {
		apps = append(apps, AppliedStatement{
			StatementID: app.StatementID.String(),
			Amount:      app.Amount.String(),
		})
	}

	payload := PaymentSettledEvent{
		Envelope:     env,
		PaymentID:    payment.ID.String(),
		UserID:       payment.UserID.String(),
		CardID:       optionalUUID(payment.CardID),
		Amount:       payment.Amount.String(),
		Method:       payment.Method,
		Applications: apps,
		Discarded:    result.Discarded.String(),
		SettledAt:    resolvedAt(payment),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.PaymentsSettled, payment.UserID.String(), payload); err != nil {
		s.sideEffectFailed("publish_settled", payment.ID, err)
	}
}

func (s *PaymentService) publishFailed(ctx context.Context, payment *storage.Payment, correlationID string) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("payments.failed", payment.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "payments.failed", 1, correlationID)
	if err != nil {
		s.sideEffectFailed("publish_failed", payment.ID, err)
		return
	}
	payload := PaymentFailedEvent{
		Envelope:  env,
		PaymentID: payment.ID.String(),
		UserID:    payment.UserID.String(),
		CardID:    optionalUUID(payment.CardID),
		Amount:    payment.Amount.String(),
		Method:    payment.Method,
		Reason:    payment.FailureReason,
		FailedAt:  resolvedAt(payment),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.PaymentsFailed, payment.UserID.String(), payload); err != nil {
		s.sideEffectFailed("publish_failed", payment.ID, err)
	}
}

func (s *PaymentService) insertActivity(ctx context.Context, userID uuid.UUID, action string, entityID uuid.UUID, details map[string]any) {
	err := s.store.InsertActivity(ctx, storage.Activity{
		UserID:     userID,
		Action:     action,
		EntityType: "payment",
		EntityID:   entityID,
		Details:    details,
	})
	if err != nil {
		s.sideEffectFailed("activity", entityID, err)
	}
}

func (s *PaymentService) sideEffectFailed(effect string, paymentID uuid.UUID, err error) {
	s.logger.Error("side effect failed", "effect", effect, "payment_id", paymentID.String(), "error", err)
	if s.metrics != nil {
		s.metrics.SideEffectFailures.WithLabelValues(effect).Inc()
	}
}

func (s *PaymentService) countSubmission(status string) {
	if s.metrics != nil {
		s.metrics.PaymentSubmissions.WithLabelValues(status).Inc()
	}
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID, userID uuid.UUID) (*storage.Payment, error) {
	return s.store.GetPayment(ctx, paymentID, userID)
}

func (s *PaymentService) ListPayments(ctx context.Context, userID uuid.UUID, filter storage.PaymentFilter) ([]storage.Payment, string, error) {
	return s.store.ListPayments(ctx, userID, filter)
}

type Receipt struct {
	Payment      *storage.Payment
	Applications []storage.PaymentApplication
	Applied      decimal.Decimal
	Discarded    decimal.Decimal
}

// GetReceipt reconstructs where a settled payment went. Discarded is the gap
// between the paid amount and what the statements could absorb.
func (s *PaymentService) GetReceipt(ctx context.Context, paymentID, userID uuid.UUID) (*Receipt, error) {
	payment, err := s.store.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	apps, err := s.store.ListApplications(ctx, payment.ID)
	if err != nil {
		return nil, err
	}

	applied := decimal.Zero
	for _, app := range apps {
		applied = applied.Add(app.Amount)
	}

	discarded := decimal.Zero
	if payment.Status == storage.PaymentStatusSuccess {
		discarded = payment.Amount.Sub(applied)
		if discarded.IsNegative() {
			discarded = decimal.Zero
		}
	}

	return &Receipt{
		Payment:      payment,
		Applications: apps,
		Applied:      applied,
		Discarded:    discarded,
	}, nil
}

func (s *PaymentService) ListCards(ctx context.Context, userID uuid.UUID) ([]storage.Card, error) {
	return s.store.ListCards(ctx, userID)
}

func (s *PaymentService) ListStatements(ctx context.Context, cardID, userID uuid.UUID) ([]storage.Statement, error) {
	statements, err := s.store.ListStatements(ctx, cardID, userID)
	if err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		if _, err := s.store.GetCard(ctx, cardID, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrCardNotFound
			}
			return nil, err
		}
	}
	return statements, nil
}

func optionalUUID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func resolvedAt(payment *storage.Payment) string {
	if payment.ResolvedAt == nil {
		return ""
	}
	return payment.ResolvedAt.UTC().Format(time.RFC3339)
}
