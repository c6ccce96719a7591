// Package validation provides input validation helpers and middleware for
// the scoregate API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Submissions are
// small; anything larger is abuse.
const MaxRequestSize = 64 << 10

var (
	// nonceRegex matches the client nonce shape: 32 lowercase hex chars.
	nonceRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)
	// hexRegex matches generic hex strings (validation keys' signature part).
	hexRegex = regexp.MustCompile(`^[0-9a-f]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity checks that an identity is a well-formed EVM address.
func IsValidIdentity(identity string) bool {
	return common.IsHexAddress(identity)
}

// IsValidNonce checks the client nonce shape. Freshness, signature, and
// single-use are enforced later by the nonce verifier.
func IsValidNonce(nonce string) bool {
	return nonceRegex.MatchString(nonce)
}

// IsLowerHex checks if a string is lowercase hex.
func IsLowerHex(s string) bool {
	return hexRegex.MatchString(s)
}

// NormalizeIdentity lowercases an identity address and ensures the 0x
// prefix, so map keys and signatures see one canonical form.
func NormalizeIdentity(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if !strings.HasPrefix(identity, "0x") && len(identity) == 40 {
		identity = "0x" + identity
	}
	return identity
}

// ValidationError represents a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs field validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidIdentity checks if a field is a well-formed EVM address.
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // pair with Required for required fields
		}
		if !IsValidIdentity(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// NonNegative checks an integer field is not negative.
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// AtMost checks an integer field against a per-request ceiling.
func AtMost(field string, value, max int64) func() *ValidationError {
	return func() *ValidationError {
		if max > 0 && value > max {
			return &ValidationError{Field: field, Message: "exceeds per-request maximum"}
		}
		return nil
	}
}

// IdentityParamMiddleware validates the :identity URL parameter on routes
// that use it, rejecting malformed addresses before the handler runs.
func IdentityParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.Param("identity")
		if identity != "" && !IsValidIdentity(identity) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "identity must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
