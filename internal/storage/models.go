package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"

	PaymentMethodBank    = "bank"
	PaymentMethodCard    = "card"
	PaymentMethodInstant = "instant"
	PaymentMethodGateway = "gateway"

	CardStatusActive    = "active"
	CardStatusBlocked   = "blocked"
	CardStatusSuspended = "suspended"
)

type Card struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	CardNumber  string
	CardType    string
	Status      string
	CreditLimit decimal.Decimal
	Outstanding decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Statement struct {
	ID        uuid.UUID
	CardID    uuid.UUID
	Period    string
	DueDate   time.Time
	Balance   decimal.Decimal
	MinDue    decimal.Decimal
	IsPaid    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Payment struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	CardID         *uuid.UUID
	Amount         decimal.Decimal
	Method         string
	Status         string
	IdempotencyKey string
	FailureReason  string
	ExternalRef    string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PaymentApplication struct {
	ID          uuid.UUID
	PaymentID   uuid.UUID
	StatementID uuid.UUID
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

type Activity struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Details    map[string]any
	CreatedAt  time.Time
}

type PaymentFilter struct {
	Status string
	Method string
	Limit  int
	Cursor string
}

type ResolveRequest struct {
	PaymentID     uuid.UUID
	Outcome       string
	FailureReason string
	ExternalRef   string
	EventID       string
}

type ResolveResult struct {
	Payment         *Payment
	Applications    []PaymentApplication
	Discarded       decimal.Decimal
	AlreadyResolved bool
}
