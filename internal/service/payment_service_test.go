package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

type fakePaymentStore struct {
	mu sync.Mutex

	card        *storage.Card
	cardErr     error
	outstanding decimal.Decimal
	statements  []storage.Statement

	prior *storage.Payment

	created       *storage.Payment
	createCreated bool
	createErr     error
	createCalls   int

	payment      *storage.Payment
	applications []storage.PaymentApplication

	resolveResult *storage.ResolveResult
	resolveErr    error
	resolveCalls  []storage.ResolveRequest
	resolvedCh    chan struct{}

	activities  []storage.Activity
	activityErr error
}

func (f *fakePaymentStore) GetCard(ctx context.Context, cardID, userID uuid.UUID) (*storage.Card, error) {
	if f.cardErr != nil {
		return nil, f.cardErr
	}
	return f.card, nil
}

func (f *fakePaymentStore) ListCards(ctx context.Context, userID uuid.UUID) ([]storage.Card, error) {
	if f.card == nil {
		return nil, nil
	}
	return []storage.Card{*f.card}, nil
}

func (f *fakePaymentStore) ListStatements(ctx context.Context, cardID, userID uuid.UUID) ([]storage.Statement, error) {
	return f.statements, nil
}

func (f *fakePaymentStore) OutstandingBalance(ctx context.Context, userID uuid.UUID, cardID *uuid.UUID) (decimal.Decimal, error) {
	return f.outstanding, nil
}

func (f *fakePaymentStore) GetPaymentByKey(ctx context.Context, userID uuid.UUID, key string) (*storage.Payment, error) {
	if f.prior != nil {
		return f.prior, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakePaymentStore) CreatePayment(ctx context.Context, payment storage.Payment) (*storage.Payment, bool, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, false, f.createErr
	}
	return f.created, f.createCreated, nil
}

func (f *fakePaymentStore) GetPayment(ctx context.Context, paymentID, userID uuid.UUID) (*storage.Payment, error) {
	if f.payment == nil {
		return nil, storage.ErrNotFound
	}
	return f.payment, nil
}

func (f *fakePaymentStore) ListPayments(ctx context.Context, userID uuid.UUID, filter storage.PaymentFilter) ([]storage.Payment, string, error) {
	return nil, "", nil
}

func (f *fakePaymentStore) ListApplications(ctx context.Context, paymentID uuid.UUID) ([]storage.PaymentApplication, error) {
	return f.applications, nil
}

func (f *fakePaymentStore) ResolvePayment(ctx context.Context, req storage.ResolveRequest) (*storage.ResolveResult, error) {
	f.mu.Lock()
	f.resolveCalls = append(f.resolveCalls, req)
	f.mu.Unlock()
	if f.resolvedCh != nil {
		f.resolvedCh <- struct{}{}
	}
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.resolveResult, nil
}

func (f *fakePaymentStore) InsertActivity(ctx context.Context, activity storage.Activity) error {
	if f.activityErr != nil {
		return f.activityErr
	}
	f.mu.Lock()
	f.activities = append(f.activities, activity)
	f.mu.Unlock()
	return nil
}

func (f *fakePaymentStore) resolveRequests() []storage.ResolveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.ResolveRequest, len(f.resolveCalls))
	copy(out, f.resolveCalls)
	return out
}

func (f *fakePaymentStore) recordedActivities() []storage.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Activity, len(f.activities))
	copy(out, f.activities)
	return out
}

type recordProducer struct {
	mu        sync.Mutex
	published []string
	err       error
	done      chan struct{}
}

func (r *recordProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	r.mu.Lock()
	r.published = append(r.published, topic)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	if r.err != nil {
		return 0, 0, r.err
	}
	return 0, 0, nil
}

func (r *recordProducer) Close() error { return nil }

func (r *recordProducer) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.published))
	copy(out, r.published)
	return out
}

type staticResolver struct {
	outcome Outcome
}

func (r staticResolver) Resolve(ctx context.Context, payment storage.Payment) Outcome {
	return r.outcome
}

func testTopics() Topics {
	return Topics{PaymentsSettled: "payments.settled", PaymentsFailed: "payments.failed"}
}

func activeCard(userID uuid.UUID) *storage.Card {
	return &storage.Card{
		ID:     uuid.New(),
		UserID: userID,
		Status: storage.CardStatusActive,
	}
}

func TestCreatePaymentAccepted(t *testing.T) {
	userID := uuid.New()
	card := activeCard(userID)
	paymentID := uuid.New()

	store := &fakePaymentStore{
		card:        card,
		outstanding: decimal.NewFromInt(500),
		created: &storage.Payment{
			ID:     paymentID,
			UserID: userID,
			CardID: &card.ID,
			Amount: decimal.NewFromInt(500),
			Method: storage.PaymentMethodBank,
			Status: storage.PaymentStatusPending,
		},
		createCreated: true,
	}
	producer := &recordProducer{}
	svc := NewPaymentService(store, nil, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	// Amount equal to the outstanding balance is allowed.
	res, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID: userID,
		CardID: &card.ID,
		Amount: decimal.NewFromInt(500),
		Method: storage.PaymentMethodBank,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if res.Existing {
		t.Fatalf("expected new payment")
	}
	if res.Payment.ID != paymentID {
		t.Fatalf("unexpected payment id %s", res.Payment.ID)
	}
	if !res.Outstanding.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected outstanding 500, got %s", res.Outstanding)
	}
	acts := store.recordedActivities()
	if len(acts) != 1 || acts[0].Action != "payments.create" {
		t.Fatalf("expected payments.create activity, got %v", acts)
	}
	if len(producer.topics()) != 0 {
		t.Fatalf("expected no publish before resolution")
	}
}

func TestCreatePaymentExceedsOutstanding(t *testing.T) {
	userID := uuid.New()
	card := activeCard(userID)

	store := &fakePaymentStore{card: card, outstanding: decimal.NewFromInt(500)}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID: userID,
		CardID: &card.ID,
		Amount: decimal.RequireFromString("500.01"),
		Method: storage.PaymentMethodBank,
	})
	if !errors.Is(err, ErrExceedsOutstanding) {
		t.Fatalf("expected ErrExceedsOutstanding, got %v", err)
	}
}

func TestCreatePaymentInactiveCard(t *testing.T) {
	userID := uuid.New()
	card := activeCard(userID)
	card.Status = storage.CardStatusBlocked

	store := &fakePaymentStore{card: card, outstanding: decimal.NewFromInt(500)}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID: userID,
		CardID: &card.ID,
		Amount: decimal.NewFromInt(100),
		Method: storage.PaymentMethodBank,
	})
	if !errors.Is(err, ErrCardInactive) {
		t.Fatalf("expected ErrCardInactive, got %v", err)
	}
}

func TestCreatePaymentUnknownCard(t *testing.T) {
	userID := uuid.New()
	cardID := uuid.New()

	store := &fakePaymentStore{cardErr: storage.ErrNotFound}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID: userID,
		CardID: &cardID,
		Amount: decimal.NewFromInt(100),
		Method: storage.PaymentMethodBank,
	})
	if !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}

func TestCreatePaymentExisting(t *testing.T) {
	userID := uuid.New()
	existing := &storage.Payment{
		ID:     uuid.New(),
		UserID: userID,
		Amount: decimal.NewFromInt(100),
		Method: storage.PaymentMethodBank,
		Status: storage.PaymentStatusPending,
	}

	store := &fakePaymentStore{
		outstanding:   decimal.NewFromInt(500),
		created:       existing,
		createCreated: false,
	}
	resolver := staticResolver{outcome: Outcome{Status: storage.PaymentStatusSuccess}}
	svc := NewPaymentService(store, resolver, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	res, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID:         userID,
		Amount:         decimal.NewFromInt(100),
		Method:         storage.PaymentMethodBank,
		IdempotencyKey: "retry-1",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if !res.Existing {
		t.Fatalf("expected existing payment")
	}
	// A replayed submission must not schedule another resolution or log a
	// second creation.
	time.Sleep(20 * time.Millisecond)
	if calls := store.resolveRequests(); len(calls) != 0 {
		t.Fatalf("expected no resolution for existing payment, got %d", len(calls))
	}
	if acts := store.recordedActivities(); len(acts) != 0 {
		t.Fatalf("expected no activity for existing payment, got %d", len(acts))
	}
}

func TestCreatePaymentReplayShortCircuits(t *testing.T) {
	userID := uuid.New()
	card := activeCard(userID)
	card.Status = storage.CardStatusBlocked

	prior := &storage.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		CardID:         &card.ID,
		Amount:         decimal.NewFromInt(100),
		Method:         storage.PaymentMethodBank,
		Status:         storage.PaymentStatusSuccess,
		IdempotencyKey: "retry-2",
	}

	// The card going inactive after the first submission must not turn a
	// replay into a rejection.
	store := &fakePaymentStore{card: card, prior: prior, outstanding: decimal.NewFromInt(50)}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	res, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID:         userID,
		CardID:         &card.ID,
		Amount:         decimal.NewFromInt(100),
		Method:         storage.PaymentMethodBank,
		IdempotencyKey: "retry-2",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if !res.Existing {
		t.Fatalf("expected existing payment")
	}
	if res.Payment.ID != prior.ID {
		t.Fatalf("expected prior payment, got %s", res.Payment.ID)
	}
	if !res.Outstanding.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected recomputed outstanding 50, got %s", res.Outstanding)
	}
	if store.createCalls != 0 {
		t.Fatalf("replay must not attempt an insert")
	}
}

func TestCreatePaymentSchedulesResolution(t *testing.T) {
	userID := uuid.New()
	paymentID := uuid.New()
	now := time.Now().UTC()

	pending := &storage.Payment{
		ID:     paymentID,
		UserID: userID,
		Amount: decimal.NewFromInt(300),
		Method: storage.PaymentMethodInstant,
		Status: storage.PaymentStatusPending,
	}
	settled := *pending
	settled.Status = storage.PaymentStatusSuccess
	settled.ResolvedAt = &now

	store := &fakePaymentStore{
		outstanding:   decimal.NewFromInt(800),
		created:       pending,
		createCreated: true,
		resolveResult: &storage.ResolveResult{
			Payment: &settled,
			Applications: []storage.PaymentApplication{
				{PaymentID: paymentID, StatementID: uuid.New(), Amount: decimal.NewFromInt(300)},
			},
			Discarded: decimal.Zero,
		},
	}
	producer := &recordProducer{done: make(chan struct{}, 1)}
	resolver := staticResolver{outcome: Outcome{Status: storage.PaymentStatusSuccess, ExternalRef: "sim-1"}}
	svc := NewPaymentService(store, resolver, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	res, err := svc.CreatePayment(context.Background(), CreatePaymentInput{
		UserID: userID,
		Amount: decimal.NewFromInt(300),
		Method: storage.PaymentMethodInstant,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if res.Payment.Status != storage.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", res.Payment.Status)
	}

	select {
	case <-producer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("resolution never published")
	}

	calls := store.resolveRequests()
	if len(calls) != 1 {
		t.Fatalf("expected one resolution, got %d", len(calls))
	}
	want := kafka.DeterministicEventID("payment.resolution", paymentID.String())
	if calls[0].EventID != want {
		t.Fatalf("expected deterministic event id %s, got %s", want, calls[0].EventID)
	}
	topics := producer.topics()
	if len(topics) != 1 || topics[0] != "payments.settled" {
		t.Fatalf("expected payments.settled publish, got %v", topics)
	}
}

func TestResolveFromGatewaySuccess(t *testing.T) {
	userID := uuid.New()
	paymentID := uuid.New()
	now := time.Now().UTC()

	settled := &storage.Payment{
		ID:         paymentID,
		UserID:     userID,
		Amount:     decimal.NewFromInt(200),
		Method:     storage.PaymentMethodGateway,
		Status:     storage.PaymentStatusSuccess,
		ResolvedAt: &now,
	}
	store := &fakePaymentStore{
		resolveResult: &storage.ResolveResult{
			Payment: settled,
			Applications: []storage.PaymentApplication{
				{PaymentID: paymentID, StatementID: uuid.New(), Amount: decimal.NewFromInt(200)},
			},
			Discarded: decimal.Zero,
		},
	}
	producer := &recordProducer{}
	svc := NewPaymentService(store, nil, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	result, err := svc.ResolveFromGateway(context.Background(), GatewayResolutionInput{
		PaymentID:   paymentID,
		Status:      storage.PaymentStatusSuccess,
		ExternalRef: "gw-123",
		EventID:     uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("ResolveFromGateway: %v", err)
	}
	if result.AlreadyResolved {
		t.Fatalf("expected fresh resolution")
	}
	topics := producer.topics()
	if len(topics) != 1 || topics[0] != "payments.settled" {
		t.Fatalf("expected payments.settled publish, got %v", topics)
	}
	acts := store.recordedActivities()
	if len(acts) != 1 || acts[0].Action != "payments.settle" {
		t.Fatalf("expected payments.settle activity, got %v", acts)
	}
}

func TestResolveFromGatewayDuplicate(t *testing.T) {
	paymentID := uuid.New()
	now := time.Now().UTC()

	store := &fakePaymentStore{
		resolveResult: &storage.ResolveResult{
			Payment: &storage.Payment{
				ID:         paymentID,
				UserID:     uuid.New(),
				Amount:     decimal.NewFromInt(200),
				Status:     storage.PaymentStatusSuccess,
				ResolvedAt: &now,
			},
			AlreadyResolved: true,
		},
	}
	producer := &recordProducer{}
	svc := NewPaymentService(store, nil, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	result, err := svc.ResolveFromGateway(context.Background(), GatewayResolutionInput{
		PaymentID: paymentID,
		Status:    storage.PaymentStatusSuccess,
		EventID:   uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("ResolveFromGateway: %v", err)
	}
	if !result.AlreadyResolved {
		t.Fatalf("expected duplicate to be absorbed")
	}
	if len(producer.topics()) != 0 {
		t.Fatalf("expected no publish for duplicate delivery")
	}
	if len(store.recordedActivities()) != 0 {
		t.Fatalf("expected no activity for duplicate delivery")
	}
}

func TestResolveFromGatewayFailedOutcome(t *testing.T) {
	paymentID := uuid.New()
	now := time.Now().UTC()

	store := &fakePaymentStore{
		resolveResult: &storage.ResolveResult{
			Payment: &storage.Payment{
				ID:            paymentID,
				UserID:        uuid.New(),
				Amount:        decimal.NewFromInt(200),
				Status:        storage.PaymentStatusFailed,
				FailureReason: "card declined",
				ResolvedAt:    &now,
			},
		},
	}
	producer := &recordProducer{}
	svc := NewPaymentService(store, nil, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	_, err := svc.ResolveFromGateway(context.Background(), GatewayResolutionInput{
		PaymentID:     paymentID,
		Status:        storage.PaymentStatusFailed,
		FailureReason: "card declined",
		EventID:       uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("ResolveFromGateway: %v", err)
	}
	topics := producer.topics()
	if len(topics) != 1 || topics[0] != "payments.failed" {
		t.Fatalf("expected payments.failed publish, got %v", topics)
	}
	acts := store.recordedActivities()
	if len(acts) != 1 || acts[0].Action != "payments.fail" {
		t.Fatalf("expected payments.fail activity, got %v", acts)
	}
}

func TestSideEffectFailureDoesNotFailSettlement(t *testing.T) {
	paymentID := uuid.New()
	now := time.Now().UTC()

	store := &fakePaymentStore{
		resolveResult: &storage.ResolveResult{
			Payment: &storage.Payment{
				ID:         paymentID,
				UserID:     uuid.New(),
				Amount:     decimal.NewFromInt(200),
				Status:     storage.PaymentStatusSuccess,
				ResolvedAt: &now,
			},
		},
		activityErr: errors.New("activities table unavailable"),
	}
	producer := &recordProducer{err: errors.New("kafka down")}
	svc := NewPaymentService(store, nil, producer, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	result, err := svc.ResolveFromGateway(context.Background(), GatewayResolutionInput{
		PaymentID: paymentID,
		Status:    storage.PaymentStatusSuccess,
		EventID:   uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("settlement must stand when side effects fail: %v", err)
	}
	if result.Payment.Status != storage.PaymentStatusSuccess {
		t.Fatalf("expected success, got %s", result.Payment.Status)
	}
}

func TestGetReceiptComputesDiscarded(t *testing.T) {
	paymentID := uuid.New()
	userID := uuid.New()
	now := time.Now().UTC()

	store := &fakePaymentStore{
		payment: &storage.Payment{
			ID:         paymentID,
			UserID:     userID,
			Amount:     decimal.NewFromInt(500),
			Status:     storage.PaymentStatusSuccess,
			ResolvedAt: &now,
		},
		applications: []storage.PaymentApplication{
			{PaymentID: paymentID, StatementID: uuid.New(), Amount: decimal.NewFromInt(200)},
		},
	}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	receipt, err := svc.GetReceipt(context.Background(), paymentID, userID)
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if !receipt.Applied.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected applied 200, got %s", receipt.Applied)
	}
	if !receipt.Discarded.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected discarded 300, got %s", receipt.Discarded)
	}
}

func TestListStatementsUnknownCard(t *testing.T) {
	store := &fakePaymentStore{cardErr: storage.ErrNotFound}
	svc := NewPaymentService(store, nil, nil, nil, nil, testTopics(), decimal.NewFromInt(1000000))

	_, err := svc.ListStatements(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}
