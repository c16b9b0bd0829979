package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/core/apperror"
	appctx "agrimarket/internal/core/context"
	"agrimarket/internal/core/idempotency"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"
const maxIdempotencyBodyBytes = 1 << 20 // 1 MiB

// Gin context keys shared with the error handler and the base handler.
const (
	ContextIdempotencyKey   = "idempotency_key"
	ContextIdempotencyStore = "idempotency_store"
)

// Idempotency middleware protects against duplicate requests.
// Applies to POST/PUT/PATCH requests that carry X-Idempotency-Key.
func Idempotency(store idempotency.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost &&
			c.Request.Method != http.MethodPut &&
			c.Request.Method != http.MethodPatch {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		limited := io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1)
		body, _ := io.ReadAll(limited)
		if len(body) > maxIdempotencyBodyBytes {
			appErr := apperror.NewValidation("request body too large for idempotency")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			_ = c.Error(appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := sha256.Sum256(body)

		req := idempotency.Request{
			Key:         key,
			ActorID:     appctx.GetActorID(c.Request.Context()),
			Operation:   c.Request.Method + " " + c.Request.URL.Path,
			RequestHash: hex.EncodeToString(hash[:]),
		}

		replay, err := store.Acquire(c.Request.Context(), req)
		if err != nil {
			if appErr, ok := apperror.AsAppError(err); ok {
				_ = c.Error(appErr)
				c.Abort()
				return
			}
			_ = c.Error(apperror.NewInternal(err).WithDetail("component", "idempotency"))
			c.Abort()
			return
		}

		if replay != nil {
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		c.Set(ContextIdempotencyKey, key)
		c.Set(ContextIdempotencyStore, store)

		c.Next()
	}
}

// idempotencyFromContext returns the key this request owns, if any.
func idempotencyFromContext(c *gin.Context) (string, idempotency.Store, bool) {
	key, ok := c.Get(ContextIdempotencyKey)
	if !ok {
		return "", nil, false
	}
	store, ok := c.Get(ContextIdempotencyStore)
	if !ok {
		return "", nil, false
	}
	s, ok := store.(idempotency.Store)
	if !ok || s == nil {
		return "", nil, false
	}
	return key.(string), s, true
}

// CompleteIdempotency stores a successful response under the request's key.
func CompleteIdempotency(c *gin.Context, statusCode int, contentType string, response any) {
	if key, store, ok := idempotencyFromContext(c); ok {
		_ = store.Complete(c.Request.Context(), key, statusCode, contentType, idempotency.Encode(response))
	}
}

// failIdempotency stores a final rejection for replay. Retryable outcomes
// (contention, server errors) free the key instead, so the client's retry
// runs the operation again.
func failIdempotency(c *gin.Context, status int, body any) {
	key, store, ok := idempotencyFromContext(c)
	if !ok {
		return
	}
	if status >= http.StatusInternalServerError || status == http.StatusConflict || status == http.StatusTooManyRequests {
		_ = store.Release(c.Request.Context(), key)
		return
	}
	_ = store.Fail(c.Request.Context(), key, status, "application/json", idempotency.Encode(body))
}
