package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jfaulkner/crawld/internal/crawler"
)

func TestDecideBackoffGrows(t *testing.T) {
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})

	d0, ok := p.Decide(crawler.OutcomeTransient, 0)
	require.True(t, ok)
	require.Equal(t, time.Second, d0)

	d1, ok := p.Decide(crawler.OutcomeTransient, 1)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d1)

	d2, ok := p.Decide(crawler.OutcomeTransient, 2)
	require.True(t, ok)
	require.Equal(t, 4*time.Second, d2)
}

func TestDecideCapsAtMaxDelay(t *testing.T) {
	p := New(Config{MaxAttempts: 20, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second})
	d, ok := p.Decide(crawler.OutcomeRateLimited, 10)
	require.True(t, ok)
	require.Equal(t, 60*time.Second, d)
}

func TestDecideJitterBounds(t *testing.T) {
	p := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Jitter: 0.1})
	for i := 0; i < 50; i++ {
		d, ok := p.Decide(crawler.OutcomeTransient, 0)
		require.True(t, ok)
		require.GreaterOrEqual(t, d, 9*time.Second)
		require.LessOrEqual(t, d, 11*time.Second)
	}
}

func TestDecideExhaustion(t *testing.T) {
	p := New(DefaultConfig())

	// three attempts total: attempts 0 and 1 may retry, attempt 2 may not
	_, ok := p.Decide(crawler.OutcomeTransient, 0)
	require.True(t, ok)
	_, ok = p.Decide(crawler.OutcomeTransient, 1)
	require.True(t, ok)
	_, ok = p.Decide(crawler.OutcomeTransient, 2)
	require.False(t, ok)
}

func TestDecidePermanentNeverRetries(t *testing.T) {
	p := New(DefaultConfig())
	_, ok := p.Decide(crawler.OutcomePermanent, 0)
	require.False(t, ok)
	_, ok = p.Decide(crawler.OutcomeCaptcha, 0)
	require.False(t, ok)

	// a denial escalates the block level but stays retryable
	_, ok = p.Decide(crawler.OutcomeDenied, 0)
	require.True(t, ok)
}
