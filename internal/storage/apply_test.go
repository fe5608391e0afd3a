package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func makeStatement(balance int64, dueOffsetDays int) Statement {
	return Statement{
		ID:      uuid.New(),
		CardID:  uuid.New(),
		Period:  "2026-07",
		DueDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, dueOffsetDays),
		Balance: decimal.NewFromInt(balance),
	}
}

func TestApplyPaysOldestFirst(t *testing.T) {
	statements := []Statement{
		makeStatement(300, 0),
		makeStatement(500, 30),
	}

	allocations, discarded := applyToStatements(decimal.NewFromInt(700), statements)

	if !discarded.IsZero() {
		t.Fatalf("expected nothing discarded, got %s", discarded.String())
	}
	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocations))
	}
	if allocations[0].Applied.String() != "300" || !allocations[0].Paid {
		t.Fatalf("expected first statement fully paid with 300, got applied=%s paid=%v", allocations[0].Applied.String(), allocations[0].Paid)
	}
	if allocations[1].Applied.String() != "400" || allocations[1].Paid {
		t.Fatalf("expected second statement partially paid with 400, got applied=%s paid=%v", allocations[1].Applied.String(), allocations[1].Paid)
	}
	if allocations[1].NewBalance.String() != "100" {
		t.Fatalf("expected second statement balance 100, got %s", allocations[1].NewBalance.String())
	}
}

func TestApplyDiscardsOverpayment(t *testing.T) {
	statements := []Statement{
		makeStatement(200, 0),
	}

	allocations, discarded := applyToStatements(decimal.NewFromInt(500), statements)

	if discarded.String() != "300" {
		t.Fatalf("expected 300 discarded, got %s", discarded.String())
	}
	if len(allocations) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocations))
	}
	if allocations[0].Applied.String() != "200" || !allocations[0].Paid {
		t.Fatalf("expected statement fully paid with 200, got applied=%s paid=%v", allocations[0].Applied.String(), allocations[0].Paid)
	}
}

func TestApplySkipsPaidStatements(t *testing.T) {
	paid := makeStatement(0, 0)
	paid.IsPaid = true
	statements := []Statement{
		paid,
		makeStatement(150, 30),
	}

	allocations, discarded := applyToStatements(decimal.NewFromInt(100), statements)

	if !discarded.IsZero() {
		t.Fatalf("expected nothing discarded, got %s", discarded.String())
	}
	if len(allocations) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocations))
	}
	if allocations[0].Index != 1 {
		t.Fatalf("expected allocation onto second statement, got index %d", allocations[0].Index)
	}
	if allocations[0].NewBalance.String() != "50" {
		t.Fatalf("expected remaining balance 50, got %s", allocations[0].NewBalance.String())
	}
}

func TestApplyWithNoStatementsDiscardsEverything(t *testing.T) {
	allocations, discarded := applyToStatements(decimal.NewFromInt(250), nil)

	if len(allocations) != 0 {
		t.Fatalf("expected no allocations, got %d", len(allocations))
	}
	if discarded.String() != "250" {
		t.Fatalf("expected full amount discarded, got %s", discarded.String())
	}
}

func TestApplyExactAmount(t *testing.T) {
	statements := []Statement{
		makeStatement(100, 0),
		makeStatement(200, 30),
	}

	allocations, discarded := applyToStatements(decimal.NewFromInt(300), statements)

	if !discarded.IsZero() {
		t.Fatalf("expected nothing discarded, got %s", discarded.String())
	}
	for i, alloc := range allocations {
		if !alloc.Paid {
			t.Fatalf("expected statement %d fully paid", i)
		}
	}
}
