package memkv

import (
	"testing"
	"time"

	"github.com/roach88/sectorcount/internal/kv"
	"github.com/roach88/sectorcount/internal/kv/kvtest"
	"github.com/roach88/sectorcount/internal/testutil"
)

func TestConformance(t *testing.T) {
	var clock *testutil.ManualClock
	kvtest.Run(t, kvtest.Harness{
		New: func(t *testing.T) kv.Store {
			clock = testutil.NewManualClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
			return New(WithClock(clock.Now))
		},
		Advance: func(d time.Duration) { clock.Advance(d) },
	})
}
