// Package idempotency lets a client retry a mutating request under the same
// key and get the first response back instead of a second ledger row.
package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agrimarket/internal/core/apperror"
)

// Status of a key.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// StaleAfter is how long a pending key may go without completion before a
// retry may reclaim it (the first request most likely crashed).
const StaleAfter = time.Minute

// Request identifies one attempt.
type Request struct {
	Key         string
	ActorID     string
	Operation   string // "POST /api/v1/products/:id/receipts"
	RequestHash string // SHA-256 of the body
}

// Record is a stored key.
type Record struct {
	Key         string    `db:"idempotency_key"`
	ActorID     string    `db:"actor_id"`
	Operation   string    `db:"operation"`
	Status      Status    `db:"status"`
	RequestHash string    `db:"request_hash"`
	Response    []byte    `db:"response"`
	StatusCode  int       `db:"response_status"`
	ContentType string    `db:"response_content_type"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

// Replay is a cached HTTP response.
type Replay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Store persists keys.
type Store interface {
	// Acquire returns (nil, nil) when the caller now owns the key, a replay
	// when the operation already finished, or an AppError when the key is in
	// flight or was used for a different request.
	Acquire(ctx context.Context, req Request) (*Replay, error)
	Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	Fail(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	// Release forgets a pending key so a retry runs again.
	Release(ctx context.Context, key string) error
	PurgeStale(ctx context.Context) (int64, error)
}

// Resolve decides what an existing record means for a new attempt. reclaim
// is true when a stale pending key may be taken over.
func Resolve(rec *Record, req Request, now time.Time) (replay *Replay, reclaim bool, err error) {
	if rec.ActorID != req.ActorID || rec.Operation != req.Operation || rec.RequestHash != req.RequestHash {
		return nil, false, apperror.NewIdempotencyMismatch(req.Key).
			WithDetail("stored_operation", rec.Operation).
			WithDetail("request_operation", req.Operation)
	}

	switch rec.Status {
	case StatusSuccess, StatusFailed:
		return &Replay{
			StatusCode:  normalizeStatus(rec.StatusCode),
			ContentType: normalizeContentType(rec.ContentType),
			Body:        rec.Response,
		}, false, nil
	default:
		if now.Sub(rec.UpdatedAt) > StaleAfter {
			return nil, true, nil
		}
		return nil, false, apperror.NewIdempotencyConflict(req.Key)
	}
}

// Encode marshals a response body for storage. A value that cannot be
// marshalled is stored as a minimal error body so the key stays consistent.
func Encode(response any) []byte {
	if response == nil {
		return nil
	}
	b, err := json.Marshal(response)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return b
}

func normalizeStatus(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}
