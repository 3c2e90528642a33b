// Package session keeps connection and user sessions in a cache under the
// "session:" namespace.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dhima/ledger-bus/internal/cache"
)

const (
	// KeyPrefix namespaces every session key in the shared cache.
	KeyPrefix = "session:"
	// DefaultTTL is how long a session lives without a Touch.
	DefaultTTL = 24 * time.Hour
)

// Store is a thin view of a cache.Cache scoped to session keys.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStore creates a session store. A non-positive ttl uses DefaultTTL.
func NewStore(c cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: c, ttl: ttl}
}

// TTL returns the lifetime applied by Set.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get decodes the session into dst and reports whether it exists.
func (s *Store) Get(ctx context.Context, id string, dst any) (bool, error) {
	found, err := cache.GetJSON(ctx, s.cache, KeyPrefix+id, dst)
	if err != nil {
		return false, fmt.Errorf("get session %s: %w", id, err)
	}
	return found, nil
}

// Set stores the session payload with the default TTL.
func (s *Store) Set(ctx context.Context, id string, payload any) error {
	return s.SetWithTTL(ctx, id, payload, s.ttl)
}

func (s *Store) SetWithTTL(ctx context.Context, id string, payload any, ttl time.Duration) error {
	if err := s.cache.Set(ctx, KeyPrefix+id, payload, ttl); err != nil {
		return fmt.Errorf("set session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.cache.Del(ctx, KeyPrefix+id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := s.cache.Exists(ctx, KeyPrefix+id)
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", id, err)
	}
	return ok, nil
}

// Touch extends a live session by ttl, or by the default TTL when ttl is not
// positive. It reports false when the session does not exist.
func (s *Store) Touch(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	ok, err := s.cache.Expire(ctx, KeyPrefix+id, ttl)
	if err != nil {
		return false, fmt.Errorf("touch session %s: %w", id, err)
	}
	return ok, nil
}
