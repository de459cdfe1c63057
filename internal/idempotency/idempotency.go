// Package idempotency lets a client repeat a mutating request under the same
// Idempotency-Key and get the first response back instead of running the
// operation twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/model"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// pendingTTL bounds how long a crashed request can hold its key.
const pendingTTL = 2 * time.Minute

// Entry is the stored state of a key. A pending entry has no response yet.
type Entry struct {
	InputHash   string `json:"input_hash"`
	Pending     bool   `json:"pending,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store keeps idempotency entries in a cache.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStore creates a store that keeps completed responses for ttl.
func NewStore(c cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

// Begin reserves key for a request whose input hashes to inputHash. A nil
// entry means the caller owns the key and must Complete or Release it. A
// non-nil entry is the response to replay. Reusing a key with different
// input, or while the first request is still running, is a CONFLICT.
func (s *Store) Begin(ctx context.Context, key, inputHash string) (*Entry, error) {
	for range 2 {
		ok, err := s.cache.SetNX(ctx, key, Entry{InputHash: inputHash, Pending: true}, pendingTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency: reserve %q: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		var prev Entry
		found, err := s.cache.Get(ctx, key, &prev)
		if err != nil {
			return nil, fmt.Errorf("idempotency: read %q: %w", key, err)
		}
		if !found {
			// Expired between the two calls.
			continue
		}
		if prev.InputHash != inputHash {
			return nil, model.NewConflictError("idempotency key already used with different input")
		}
		if prev.Pending {
			return nil, model.NewConflictError("a request with this idempotency key is still in progress")
		}
		return &prev, nil
	}
	return nil, model.NewConflictError("idempotency key is contended")
}

// Complete stores the response for key.
func (s *Store) Complete(ctx context.Context, key string, e Entry) error {
	e.Pending = false
	if err := s.cache.Set(ctx, key, e, s.ttl); err != nil {
		return fmt.Errorf("idempotency: store %q: %w", key, err)
	}
	return nil
}

// Release frees key so the request can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", key, err)
	}
	return nil
}

// Key scopes a client key to the caller and the route.
func Key(tenantID, subjectID, method, path, clientKey string) string {
	return cache.Key("idem", tenantID, subjectID, method, path, clientKey)
}

// HashInput fingerprints a request body.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
