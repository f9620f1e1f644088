package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgenet/forge/async"
	"github.com/stretchr/testify/assert"
)

func TestRunEvery_TicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	async.RunEvery(ctx, 5*time.Millisecond, func() {
		atomic.AddInt64(&calls, 1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Positive(t, atomic.LoadInt64(&calls), "expected at least one tick")

	cancel()
	// Give the goroutine a moment to observe cancellation, then check the
	// counter stops advancing.
	time.Sleep(20 * time.Millisecond)
	settled := atomic.LoadInt64(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&calls))
}
