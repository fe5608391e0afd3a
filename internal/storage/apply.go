package storage

import (
	"github.com/shopspring/decimal"
)

type allocation struct {
	Index      int
	Applied    decimal.Decimal
	NewBalance decimal.Decimal
	Paid       bool
}

// applyToStatements distributes amount across statements in the order given,
// paying each down before touching the next. Statements must already be
// sorted oldest due date first. Whatever is left after the last statement is
// returned as discarded; it never becomes a credit balance.
func applyToStatements(amount decimal.Decimal, statements []Statement) ([]allocation, decimal.Decimal) {
	remaining := amount
	allocations := make([]allocation, 0, len(statements))

	for i := range statements {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		stmt := &statements[i]
		if stmt.IsPaid || stmt.Balance.LessThanOrEqual(decimal.Zero) {
			continue
		}

		applied := remaining
		if applied.GreaterThan(stmt.Balance) {
			applied = stmt.Balance
		}

		newBalance := stmt.Balance.Sub(applied)
		allocations = append(allocations, allocation{
			Index:      i,
			Applied:    applied,
			NewBalance: newBalance,
			Paid:       newBalance.IsZero(),
		})
		remaining = remaining.Sub(applied)
	}

	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return allocations, remaining
}
