package gateway

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/response"
)

const (
	// HeaderCorrelationID carries the request correlation id end to end:
	// inbound header, response header, and outbox event headers.
	HeaderCorrelationID = "X-Correlation-ID"

	// maxCorrelationIDLen caps client-supplied ids so they stay usable as
	// log fields and bus headers.
	maxCorrelationIDLen = 64

	contextKeyCorrelationID = "correlation_id"
	contextKeyPrincipal     = "principal"
)

// CorrelationID propagates the caller's correlation id or mints a fresh one,
// and echoes it on the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
		if len(id) > maxCorrelationIDLen {
			id = id[:maxCorrelationIDLen]
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(contextKeyCorrelationID, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// CorrelationIDFrom returns the request's correlation id.
func CorrelationIDFrom(c *gin.Context) string {
	if v, ok := c.Get(contextKeyCorrelationID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// TokenVerifier validates a compact token. Satisfied by token.Verifier.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

var _ TokenVerifier = (*token.Verifier)(nil)

// Authenticate checks the Bearer token and stores the derived principal.
// Every rejection is the same 401; the body never says which check failed.
func Authenticate(verifier TokenVerifier, mapper *token.Mapper) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "invalid_token")
			c.Abort()
			return
		}
		claims, err := verifier.Verify(raw)
		if err != nil {
			response.Unauthorized(c, "invalid_token")
			c.Abort()
			return
		}
		c.Set(contextKeyPrincipal, mapper.Map(claims))
		c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(c *gin.Context) (*token.Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*token.Principal)
	return p, ok
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// RequestLogger logs one line per request with the correlation id attached.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	l := log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", CorrelationIDFrom(c)))
	}
}
