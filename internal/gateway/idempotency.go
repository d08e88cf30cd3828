package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/response"
)

// HeaderIdempotencyKey lets clients retry POST /orders safely: the same key
// within the window replays the original 202 instead of starting a second
// saga.
const HeaderIdempotencyKey = "X-Idempotency-Key"

const idempotencyKeyPrefix = "gateway:idem:"

// idempotencyState is one request's lifecycle in Redis. A processing entry
// holds a short TTL so a crashed gateway does not wedge the key; the
// completed entry holds the full replay window.
type idempotencyState struct {
	RequestHash  string    `json:"requestHash"`
	Completed    bool      `json:"completed"`
	ResponseCode int       `json:"responseCode"`
	ResponseBody string    `json:"responseBody,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IdempotencyStore is the slice of redis.Client the middleware needs.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

var _ IdempotencyStore = (*redis.Client)(nil)

// IdempotencyOptions tunes the middleware.
type IdempotencyOptions struct {
	// TTL is the replay window for completed requests.
	TTL time.Duration
	// ProcessingTTL bounds how long an in-flight marker blocks retries.
	ProcessingTTL time.Duration
}

// Idempotency dedupes mutating requests on the X-Idempotency-Key header.
// The key is required; reusing it with a different body is rejected, and a
// concurrent retry while the first attempt is in flight gets 409. Redis
// being down fails open: the transactional outbox and the consumer ledger
// still bound the damage to duplicate deliveries, not duplicate sagas per
// well-behaved client.
func Idempotency(store IdempotencyStore, opts IdempotencyOptions) gin.HandlerFunc {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ProcessingTTL <= 0 {
		opts.ProcessingTTL = time.Minute
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			response.BadRequest(c, "X-Idempotency-Key header is required")
			c.Abort()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		hash := requestHash(c, body)

		ctx := c.Request.Context()
		redisKey := idempotencyKeyPrefix + key

		if prior, err := loadState(ctx, store, redisKey); err == nil && prior != nil {
			replay(c, prior, hash)
			return
		} else if err != nil && !errors.Is(err, redis.Nil) {
			c.Next()
			return
		}

		state := &idempotencyState{RequestHash: hash, CreatedAt: time.Now().UTC()}
		claimed, err := storeStateNX(ctx, store, redisKey, state, opts.ProcessingTTL)
		if err != nil {
			c.Next()
			return
		}
		if !claimed {
			// Lost the race; the winner's entry decides.
			prior, err := loadState(ctx, store, redisKey)
			if err == nil && prior != nil {
				replay(c, prior, hash)
				return
			}
			c.Next()
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = rec
		c.Next()

		state.Completed = true
		state.ResponseCode = rec.Status()
		state.ResponseBody = rec.body.String()
		if data, err := json.Marshal(state); err == nil {
			store.Set(ctx, redisKey, data, opts.TTL)
		}
	}
}

func replay(c *gin.Context, prior *idempotencyState, hash string) {
	switch {
	case prior.RequestHash != hash:
		response.Error(c, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED",
			"idempotency key already used with a different request")
	case !prior.Completed:
		response.Conflict(c, "request with this idempotency key is in flight")
	default:
		c.Data(prior.ResponseCode, "application/json", []byte(prior.ResponseBody))
	}
	c.Abort()
}

func requestHash(c *gin.Context, body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte(c.Request.URL.Path))
	if p, ok := PrincipalFrom(c); ok {
		h.Write([]byte(p.Subject))
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func loadState(ctx context.Context, store IdempotencyStore, key string) (*idempotencyState, error) {
	raw, err := store.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var state idempotencyState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func storeStateNX(ctx context.Context, store IdempotencyStore, key string, state *idempotencyState, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, key, data, ttl).Result()
}

type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
