package validation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var paymentMethods = map[string]struct{}{
	"bank":    {},
	"card":    {},
	"instant": {},
	"gateway": {},
}

func ValidatePaymentRequest(cardID, amount, method string, maxAmount decimal.Decimal) ValidationErrors {
	var errs ValidationErrors

	cardID = strings.TrimSpace(cardID)
	if cardID != "" {
		if _, err := uuid.Parse(cardID); err != nil {
			errs = append(errs, FieldError{Field: "card_id", Message: "card_id must be a UUID"})
		}
	}

	amt, err := parsePositiveAmount(amount)
	if err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	} else if maxAmount.GreaterThan(decimal.Zero) && amt.GreaterThan(maxAmount) {
		errs = append(errs, FieldError{Field: "amount", Message: fmt.Sprintf("amount must not exceed %s", maxAmount.String())})
	}

	method = strings.ToLower(strings.TrimSpace(method))
	if _, ok := paymentMethods[method]; !ok {
		errs = append(errs, FieldError{Field: "method", Message: "method must be bank, card, instant, or gateway"})
	}

	return errs
}

func ValidateWebhookEvent(paymentID, status string) ValidationErrors {
	var errs ValidationErrors

	if _, err := uuid.Parse(strings.TrimSpace(paymentID)); err != nil {
		errs = append(errs, FieldError{Field: "payment_id", Message: "payment_id must be a UUID"})
	}

	status = strings.ToLower(strings.TrimSpace(status))
	if status != "success" && status != "failed" {
		errs = append(errs, FieldError{Field: "status", Message: "status must be success or failed"})
	}

	return errs
}

func parsePositiveAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount must be a decimal")
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	if val.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("amount must have at most two decimal places")
	}
	return val, nil
}

func NormalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
