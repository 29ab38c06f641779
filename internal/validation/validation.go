// Package validation provides input validation helpers for the subsidy
// ledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// contentKeyRegex validates opaque course/content identifiers, e.g.
	// "course-v1:edX+DemoX+Demo_Course".
	contentKeyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:+._/-]{0,254}$`)
	// uuidRegex validates canonical lowercase/uppercase UUIDs.
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	// entityIDRegex validates internal prefixed IDs, e.g. "txn_<hex>".
	entityIDRegex = regexp.MustCompile(`^[a-z]{3}_[0-9a-f]{24}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidContentKey checks if a string is a plausible content key.
func IsValidContentKey(key string) bool {
	return contentKeyRegex.MatchString(key)
}

// IsValidUUID checks if a string is a canonical UUID.
func IsValidUUID(s string) bool {
	return uuidRegex.MatchString(s)
}

// IsValidEntityID checks if a string is an internal prefixed entity ID.
func IsValidEntityID(s string) bool {
	return entityIDRegex.MatchString(s)
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

// ValidContentKey checks if a field is a well-formed content key.
func ValidContentKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidContentKey(value) {
			return &ValidationError{Field: field, Message: "must be a valid content key"}
		}
		return nil
	}
}

// ValidUUID checks if a field is a canonical UUID.
func ValidUUID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUUID(value) {
			return &ValidationError{Field: field, Message: "must be a valid UUID"}
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

// UUIDParamMiddleware validates the :uuid URL parameter on routes that use
// it, rejecting malformed subsidy identifiers early.
func UUIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("uuid")
		if id != "" && !IsValidUUID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_uuid",
				"message": "uuid must be a canonical UUID",
			})
			return
		}
		c.Next()
	}
}
