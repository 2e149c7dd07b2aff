// Package memkv is an in-memory kv.Store.
package memkv

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/sectorcount/internal/kv"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero: no expiry
}

// Store keeps values in a map. Expiry is evaluated against the injected
// clock so tests can move time without sleeping.
type Store struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{items: make(map[string]item), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expired(it item) bool {
	return !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	if s.expired(it) {
		delete(s.items, key)
		return nil, kv.ErrNotFound
	}
	return slices.Clone(it.value), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := item{value: slices.Clone(value)}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []string{}
	for k, it := range s.items {
		if strings.HasPrefix(k, prefix) && !s.expired(it) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }

var _ kv.Store = (*Store)(nil)
