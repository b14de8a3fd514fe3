// Package validation provides input validation middleware for the fraud
// detection API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxWalletIDLength bounds wallet identifiers in URL params and payloads.
const MaxWalletIDLength = 128

// walletIDRegex matches the wallet identifiers accepted by the scoring API:
// alphanumerics plus underscore, dash, dot, and colon (covers plain IDs and
// 0x-prefixed addresses alike).
var walletIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWalletID checks if a string is an acceptable wallet identifier.
func IsValidWalletID(id string) bool {
	if id == "" || len(id) > MaxWalletIDLength {
		return false
	}
	return walletIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
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

// ValidWallet checks if a field is an acceptable wallet identifier
func ValidWallet(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidWalletID(value) {
			return &ValidationError{Field: field, Message: "must be a valid wallet identifier"}
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

// WalletParamMiddleware validates the :wallet URL parameter on routes that
// use it, rejecting malformed identifiers early.
func WalletParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("wallet")
		if wallet != "" && !IsValidWalletID(wallet) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet",
				"message": "wallet must be a non-empty identifier of letters, digits, and _-.: only",
			})
			return
		}
		c.Next()
	}
}
