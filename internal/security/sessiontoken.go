package security

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfallows/scoregate/internal/idgen"
)

// SessionTokenHeader carries the anti-forgery token on submissions.
const SessionTokenHeader = "X-Session-Token"

var (
	ErrTokenFormat  = errors.New("session token malformed")
	ErrTokenExpired = errors.New("session token expired")
)

// MintSessionToken builds a token in the form
// sessionId-timestamp-nonce-suffix. The token is issued alongside a
// challenge and checked for shape and freshness only; the cryptographic
// guarantees live in the nonce and key layers.
func MintSessionToken(now time.Time) string {
	return strings.Join([]string{
		idgen.Hex(8),
		strconv.FormatInt(now.Unix(), 10),
		idgen.Hex(4),
		idgen.Hex(4),
	}, "-")
}

// CheckSessionToken validates the token's shape and that its timestamp
// falls inside [now-ttl, now+skew].
func CheckSessionToken(token string, ttl, skew time.Duration, now time.Time) error {
	parts := strings.Split(token, "-")
	if len(parts) != 4 {
		return ErrTokenFormat
	}
	if len(parts[0]) != 16 || !isLowerHex(parts[0]) {
		return ErrTokenFormat
	}
	if len(parts[2]) != 8 || !isLowerHex(parts[2]) {
		return ErrTokenFormat
	}
	if len(parts[3]) != 8 || !isLowerHex(parts[3]) {
		return ErrTokenFormat
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ErrTokenFormat
	}
	issued := time.Unix(ts, 0)
	if issued.Before(now.Add(-ttl)) || issued.After(now.Add(skew)) {
		return ErrTokenExpired
	}
	return nil
}

// SessionTokenMiddleware rejects submissions without a fresh, well-formed
// session token.
func SessionTokenMiddleware(ttl, skew time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(SessionTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "session_token_missing",
			})
			return
		}
		if err := CheckSessionToken(token, ttl, skew, time.Now()); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "session_token_rejected",
			})
			return
		}
		c.Next()
	}
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return s != ""
}
