package validation

import (
	"strings"
	"testing"
)

func TestIsValidPaymentID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"pay_0123456789abcdef01234567", true},
		{"pay_aaaaaaaaaaaaaaaaaaaaaaaa", true},

		// Invalid cases
		{"0123456789abcdef01234567", false},      // No prefix
		{"pay_0123456789abcdef0123456", false},   // Too short
		{"pay_0123456789abcdef012345678", false}, // Too long
		{"pay_0123456789ABCDEF01234567", false},  // Uppercase hex
		{"pi_0123456789abcdef01234567", false},   // Wrong prefix
		{"", false},
		{"pay_", false},
	}

	for _, tc := range tests {
		result := IsValidPaymentID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidPaymentID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"usd", true},
		{"eur", true},
		{"USD", false},
		{"usdd", false},
		{"us", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestValidateMetadata(t *testing.T) {
	errs := ValidateMetadata(map[string]string{
		"order_id":    "ord_123",
		"provider_id": "prov_456",
		"description": "garden cleanup",
	})
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	errs = ValidateMetadata(map[string]string{"internal_flag": "1"})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if errs[0].Field != "metadata.internal_flag" {
		t.Errorf("unexpected field %q", errs[0].Field)
	}

	errs = ValidateMetadata(map[string]string{"description": strings.Repeat("x", MaxMetadataValueLength+1)})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for oversized value, got %d", len(errs))
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"he\x00llo", 10, "hello"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidateHelpers(t *testing.T) {
	errs := Validate(
		Required("orderRef", ""),
		ValidCurrency("currency", "DOLLARS"),
		MaxLength("description", strings.Repeat("a", 20), 10),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("orderRef", "ord_1"),
		ValidCurrency("currency", "usd"),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
