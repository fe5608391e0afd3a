package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidatePaymentRequest(t *testing.T) {
	max := decimal.NewFromInt(100000)
	cases := []struct {
		name   string
		cardID string
		amount string
		method string
		valid  bool
	}{
		{"valid bank", "7e9f1a3c-64d4-4f62-9f2d-0a1b2c3d4e5f", "250.50", "bank", true},
		{"valid without card", "", "99", "instant", true},
		{"valid gateway", "7e9f1a3c-64d4-4f62-9f2d-0a1b2c3d4e5f", "10", "gateway", true},
		{"bad card id", "not-a-uuid", "100", "bank", false},
		{"missing amount", "", "", "bank", false},
		{"zero amount", "", "0", "bank", false},
		{"negative amount", "", "-5", "bank", false},
		{"too many decimals", "", "10.123", "bank", false},
		{"over max", "", "100001", "bank", false},
		{"bad method", "", "100", "cheque", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidatePaymentRequest(tc.cardID, tc.amount, tc.method, max)
			if tc.valid && len(errs) > 0 {
				t.Fatalf("expected valid, got errors: %+v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatalf("expected errors, got none")
			}
		})
	}
}

func TestValidateWebhookEvent(t *testing.T) {
	cases := []struct {
		name      string
		paymentID string
		status    string
		valid     bool
	}{
		{"valid success", "7e9f1a3c-64d4-4f62-9f2d-0a1b2c3d4e5f", "success", true},
		{"valid failed", "7e9f1a3c-64d4-4f62-9f2d-0a1b2c3d4e5f", "failed", true},
		{"bad payment id", "abc", "success", false},
		{"bad status", "7e9f1a3c-64d4-4f62-9f2d-0a1b2c3d4e5f", "pending", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateWebhookEvent(tc.paymentID, tc.status)
			if tc.valid && len(errs) > 0 {
				t.Fatalf("expected valid, got errors: %+v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatalf("expected errors, got none")
			}
		})
	}
}

func TestNormalizeMethod(t *testing.T) {
	got := NormalizeMethod(" Bank ")
	if got != "bank" {
		t.Fatalf("expected bank, got %s", got)
	}
}
