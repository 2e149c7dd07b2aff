// Package kvtest holds a conformance suite every kv.Store backend runs.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sectorcount/internal/kv"
)

// Harness describes a backend under test.
type Harness struct {
	// New returns an empty store. Cleanup is the caller's responsibility.
	New func(t *testing.T) kv.Store

	// Advance moves the store's clock forward. Backends that expire on
	// wall time leave it nil and the expiry cases are skipped.
	Advance func(d time.Duration)
}

// Run executes the conformance suite.
func Run(t *testing.T, h Harness) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := h.New(t)
		_, err := s.Get(ctx, "session/none")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Put(ctx, "session/S1", []byte(`{"v":1}`), 0))
		require.NoError(t, s.Put(ctx, "session/S1", []byte(`{"v":2}`), 0))

		got, err := s.Get(ctx, "session/S1")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(got))
	})

	t.Run("delete", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Put(ctx, "session/S1", []byte("x"), 0))
		require.NoError(t, s.Delete(ctx, "session/S1"))
		require.NoError(t, s.Delete(ctx, "session/S1"), "deleting twice is not an error")

		_, err := s.Get(ctx, "session/S1")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := h.New(t)
		for _, k := range []string{"session/B", "session/A", "other/C"} {
			require.NoError(t, s.Put(ctx, k, []byte("x"), time.Hour))
		}
		keys, err := s.Keys(ctx, "session/")
		require.NoError(t, err)
		assert.Equal(t, []string{"session/A", "session/B"}, keys)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		if h.Advance == nil {
			t.Skip("backend expires on wall time")
		}
		s := h.New(t)
		require.NoError(t, s.Put(ctx, "session/S1", []byte("x"), time.Hour))
		require.NoError(t, s.Put(ctx, "session/S2", []byte("y"), 0))

		h.Advance(59 * time.Minute)
		_, err := s.Get(ctx, "session/S1")
		require.NoError(t, err)

		h.Advance(2 * time.Minute)
		_, err = s.Get(ctx, "session/S1")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		keys, err := s.Keys(ctx, "session/")
		require.NoError(t, err)
		assert.Equal(t, []string{"session/S2"}, keys)
	})
}
