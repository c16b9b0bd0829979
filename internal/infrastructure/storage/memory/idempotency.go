package memory

import (
	"context"
	"sync"
	"time"

	"agrimarket/internal/core/idempotency"
)

var _ idempotency.Store = (*IdempotencyStore)(nil)

// IdempotencyStore keeps idempotency keys in a map.
type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]*idempotency.Record
	ttl  time.Duration
	now  func() time.Time
}

// NewIdempotencyStore creates an empty key store.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		keys: make(map[string]*idempotency.Record),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *IdempotencyStore) Acquire(_ context.Context, req idempotency.Request) (*idempotency.Replay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.keys[req.Key]
	if !ok {
		s.keys[req.Key] = &idempotency.Record{
			Key:         req.Key,
			ActorID:     req.ActorID,
			Operation:   req.Operation,
			Status:      idempotency.StatusPending,
			RequestHash: req.RequestHash,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		}
		return nil, nil
	}

	replay, reclaim, err := idempotency.Resolve(rec, req, now)
	if reclaim {
		rec.UpdatedAt = now
	}
	return replay, err
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	s.finish(key, idempotency.StatusSuccess, statusCode, contentType, body)
	return nil
}

func (s *IdempotencyStore) Fail(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	s.finish(key, idempotency.StatusFailed, statusCode, contentType, body)
	return nil
}

func (s *IdempotencyStore) finish(key string, status idempotency.Status, statusCode int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[key]; ok {
		rec.Status = status
		rec.StatusCode = statusCode
		rec.ContentType = contentType
		rec.Response = append([]byte(nil), body...)
		rec.UpdatedAt = s.now().UTC()
	}
}

func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[key]; ok && rec.Status == idempotency.StatusPending {
		delete(s.keys, key)
	}
	return nil
}

func (s *IdempotencyStore) PurgeStale(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var n int64
	for k, rec := range s.keys {
		if rec.ExpiresAt.Before(now) {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}
