// Package validation provides input validation middleware for the ServiLink API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxMetadataValueLength is the maximum length for a metadata value
const MaxMetadataValueLength = 500

var (
	// paymentIDRegex validates engine-issued payment IDs
	paymentIDRegex = regexp.MustCompile(`^pay_[a-f0-9]{24}$`)
	// currencyRegex validates ISO 4217 lowercase currency codes
	currencyRegex = regexp.MustCompile(`^[a-z]{3}$`)
)

// allowedMetadataKeys are the only keys a caller may attach to a payment.
// Everything else is rejected rather than silently dropped, so typos
// surface at creation time.
var allowedMetadataKeys = map[string]bool{
	"order_id":    true,
	"reply_id":    true,
	"client_id":   true,
	"provider_id": true,
	"service_id":  true,
	"description": true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPaymentID checks if a string is an engine-issued payment ID
func IsValidPaymentID(id string) bool {
	return paymentIDRegex.MatchString(id)
}

// IsValidCurrency checks if a string is a lowercase three-letter currency code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is a valid currency code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter lowercase currency code"}
		}
		return nil
	}
}

// ValidateMetadata checks metadata keys against the allowlist and caps
// value lengths.
func ValidateMetadata(meta map[string]string) ValidationErrors {
	var errors ValidationErrors
	for k, v := range meta {
		if !allowedMetadataKeys[k] {
			errors = append(errors, ValidationError{Field: "metadata." + k, Message: "unknown metadata key"})
			continue
		}
		if len(v) > MaxMetadataValueLength {
			errors = append(errors, ValidationError{Field: "metadata." + k, Message: "exceeds maximum length"})
		}
	}
	return errors
}

// PaymentIDParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed IDs early.
func PaymentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidPaymentID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_id",
				"message": "id must be an engine-issued payment id (pay_ + 24 hex chars)",
			})
			return
		}
		c.Next()
	}
}
