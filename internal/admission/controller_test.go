package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnterPerDomainBound(t *testing.T) {
	c := New(Config{GlobalMax: 10, PerDomainMax: 2})
	ctx := context.Background()

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Enter(ctx, "example.com")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestEnterGlobalBound(t *testing.T) {
	c := New(Config{GlobalMax: 1, PerDomainMax: 1})
	ctx := context.Background()

	release, err := c.Enter(ctx, "a.com")
	require.NoError(t, err)

	// a different domain still waits on the global slot
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Enter(blocked, "b.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	r2, err := c.Enter(ctx, "b.com")
	require.NoError(t, err)
	r2()
}

func TestReleaseIdempotent(t *testing.T) {
	c := New(Config{GlobalMax: 1, PerDomainMax: 1})
	ctx := context.Background()

	release, err := c.Enter(ctx, "a.com")
	require.NoError(t, err)
	release()
	release() // double release must not free a slot twice

	r2, err := c.Enter(ctx, "a.com")
	require.NoError(t, err)
	defer r2()

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Enter(blocked, "a.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
