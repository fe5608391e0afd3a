package service

import (
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

type AppliedStatement struct {
	StatementID string `json:"statement_id"`
	Amount      string `json:"amount"`
}

type PaymentSettledEvent struct {
	kafka.Envelope
	PaymentID    string             `json:"payment_id"`
	UserID       string             `json:"user_id"`
	CardID       string             `json:"card_id,omitempty"`
	Amount       string             `json:"amount"`
	Method       string             `json:"method"`
	Applications []AppliedStatement `json:"applications"`
	Discarded    string             `json:"discarded"`
	SettledAt    string             `json:"settled_at"`
}

type PaymentFailedEvent struct {
	kafka.Envelope
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	CardID    string `json:"card_id,omitempty"`
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reason    string `json:"reason"`
	FailedAt  string `json:"failed_at"`
}
