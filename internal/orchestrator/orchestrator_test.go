package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jfaulkner/crawld/internal/admission"
	"github.com/jfaulkner/crawld/internal/blockctl"
	"github.com/jfaulkner/crawld/internal/clock/system"
	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/patterns"
	"github.com/jfaulkner/crawld/internal/progress"
	"github.com/jfaulkner/crawld/internal/publisher/memory"
	"github.com/jfaulkner/crawld/internal/ratelimit"
	"github.com/jfaulkner/crawld/internal/retry"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      map[string]error
	calls     map[string]int
	delay     time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]crawler.FetchResponse),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) ok(url, body string) {
	f.responses[url] = crawler.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}
}

func (f *fakeFetcher) status(url string, code int) {
	f.responses[url] = crawler.FetchResponse{URL: url, StatusCode: code}
}

func (f *fakeFetcher) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[request.URL]++
	if err, ok := f.errs[request.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	if response, ok := f.responses[request.URL]; ok {
		return response, nil
	}
	return crawler.FetchResponse{URL: request.URL, StatusCode: http.StatusOK}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeExtractor struct {
	mu    sync.Mutex
	links map[string][]crawler.LinkCandidate
}

func (f *fakeExtractor) Extract(response crawler.FetchResponse) ([]crawler.LinkCandidate, crawler.ExtractedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[response.URL], crawler.ExtractedRecord{URL: response.URL, Title: "Title"}, nil
}

type harness struct {
	orch      *Orchestrator
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	store     *progress.Store
	patterns  *patterns.MemoryStore
	publisher *memory.Publisher
	blocks    *blockctl.Controller
}

func instantDelays() []blockctl.DelayRange {
	return []blockctl.DelayRange{{}, {}, {}, {}}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := progress.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		fetcher:   newFakeFetcher(),
		extractor: &fakeExtractor{links: make(map[string][]crawler.LinkCandidate)},
		store:     store,
		patterns:  patterns.NewMemoryStore(),
		publisher: memory.New(),
		blocks:    blockctl.New(blockctl.Config{DelayRanges: instantDelays()}, nil),
	}
	if cfg.CommitEvery == 0 {
		cfg.CommitEvery = 1
	}
	h.orch = New(cfg, Deps{
		Fetcher:   h.fetcher,
		Extractor: h.extractor,
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalRate: 10000, GlobalBurst: 10000,
			PerDomainRate: 10000, PerDomainBurst: 10000,
		}),
		Admission: admission.New(admission.Config{GlobalMax: 16, PerDomainMax: 2}),
		Retry: retry.New(retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}),
		Blocks:    h.blocks,
		Store:     store,
		Patterns:  h.patterns,
		Publisher: h.publisher,
		Clock:     system.New(),
	})
	return h
}

func (h *harness) waitForState(t *testing.T, runID, state string) *progress.Record {
	t.Helper()
	var record *progress.Record
	require.Eventually(t, func() bool {
		loaded, err := h.store.Load(runID)
		if err != nil {
			return false
		}
		record = loaded
		return loaded.State == state
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t, Config{Workers: 4})
	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	for _, u := range urls {
		h.fetcher.ok(u, "<html>ok</html>")
	}

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.Len(t, record.Completed, 3)
	require.Empty(t, record.Pending)
	require.Empty(t, record.InFlight)
	require.Empty(t, record.Failed)
	require.Len(t, record.Records, 3)

	// a completion event went out
	require.Eventually(t, func() bool {
		return len(h.publisher.Messages()) == 1
	}, time.Second, 10*time.Millisecond)

	// experience was written back under one of the domain's pattern keys
	require.Eventually(t, func() bool {
		for _, u := range urls {
			if pattern, ok, _ := h.patterns.Find(context.Background(), u); ok && pattern.SuccessCount == 3 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	u := "https://example.com/flaky"
	h.fetcher.status(u, http.StatusInternalServerError)

	runID, err := h.orch.Submit(context.Background(), []string{u}, crawler.RunConfig{})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.Empty(t, record.Completed)
	require.Contains(t, record.Failed, u)
	require.Equal(t, 3, record.Failed[u].Attempts)
	require.Equal(t, "transient", record.Failed[u].Reason)
	require.Equal(t, 3, h.fetcher.callCount(u))
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	u := "https://example.com/missing"
	h.fetcher.status(u, http.StatusNotFound)

	runID, err := h.orch.Submit(context.Background(), []string{u}, crawler.RunConfig{})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.Contains(t, record.Failed, u)
	require.Equal(t, 1, record.Failed[u].Attempts)
	require.Equal(t, 1, h.fetcher.callCount(u))
}

func TestBlockedDomainSkipped(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.blocks.ReportOutcome("blocked.com", crawler.OutcomeCaptcha)

	urls := []string{"https://blocked.com/x", "https://fine.com/y"}
	h.fetcher.ok(urls[1], "<html>ok</html>")

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.Equal(t, []string{"https://blocked.com/x"}, record.Skipped)
	require.Equal(t, "domain blocked", record.SkipReasons["https://blocked.com/x"])
	require.Equal(t, []string{"https://fine.com/y"}, record.Completed)
	require.Zero(t, h.fetcher.callCount("https://blocked.com/x"))
}

func TestCaptchaBlocksSubsequentTasks(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	first := "https://trap.com/1"
	second := "https://trap.com/2"
	h.fetcher.ok(first, "please verify you are human, captcha required")
	h.fetcher.ok(second, "<html>never reached</html>")

	runID, err := h.orch.Submit(context.Background(), []string{first, second}, crawler.RunConfig{})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.Empty(t, record.Failed)
	// the challenge page itself is parked for an operator, not failed
	require.Contains(t, record.Skipped, first)
	require.Equal(t, "manual intervention required", record.SkipReasons[first])
	require.Contains(t, record.Skipped, second)
	require.Equal(t, "domain blocked", record.SkipReasons[second])
	require.Equal(t, 1, h.fetcher.callCount(first))
	require.True(t, h.blocks.Blocked("trap.com"))
}

func TestResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t, Config{Workers: 4})

	record := progress.NewRecord("run-resume", nil, crawler.RunConfig{}, time.Now())
	for i := 0; i < 100; i++ {
		u := fmt.Sprintf("https://example.com/p/%d", i)
		switch {
		case i < 40:
			record.Completed = append(record.Completed, u)
		case i < 45:
			record.InFlight = append(record.InFlight, u)
		default:
			record.Pending = append(record.Pending, u)
		}
	}
	require.NoError(t, h.store.Commit(record))

	require.NoError(t, h.orch.Resume(context.Background(), "run-resume"))
	loaded := h.waitForState(t, "run-resume", progress.StateCompleted)

	require.Len(t, loaded.Completed, 100)
	require.Equal(t, 60, h.fetcher.totalCalls())
	require.Zero(t, h.fetcher.callCount("https://example.com/p/10"))
	require.Equal(t, 1, h.fetcher.callCount("https://example.com/p/42"))
}

func TestResumeCorruptRecordFails(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	err := h.orch.Resume(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestSeriesDiscoveryEnqueuesSiblings(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, SeriesScan: true, MaxPages: 10})
	p1 := "https://example.com/story/part-1"
	p2 := "https://example.com/story/part-2"
	h.fetcher.ok(p1, "<html>one</html>")
	h.fetcher.ok(p2, "<html>two</html>")
	h.extractor.links[p1] = []crawler.LinkCandidate{
		{URL: p2, SourceURL: p1, Rel: "next", Position: crawler.PositionNavigation},
	}

	runID, err := h.orch.Submit(context.Background(), []string{p1}, crawler.RunConfig{DiscoverSeries: true})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.ElementsMatch(t, []string{p1, p2}, record.Completed)

	// the final record carries the ordered series view
	require.NotNil(t, record.Series)
	require.Len(t, record.Series.Members, 2)
	require.Equal(t, p1, record.Series.Members[0].URL)
	require.Equal(t, 1, record.Series.Members[0].Index)
	require.Equal(t, p2, record.Series.Members[1].URL)
	require.Equal(t, 2, record.Series.Members[1].Index)
	require.Empty(t, record.Series.Missing)
	require.True(t, record.Series.Complete)
}

func TestSeriesReportFlagsGaps(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, SeriesScan: true, MaxPages: 10})
	urls := []string{
		"https://example.com/story/part-1",
		"https://example.com/story/part-2",
		"https://example.com/story/part-4",
	}
	for _, u := range urls {
		h.fetcher.ok(u, "<html>ok</html>")
	}

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{DiscoverSeries: true})
	require.NoError(t, err)

	record := h.waitForState(t, runID, progress.StateCompleted)
	require.NotNil(t, record.Series)
	require.Len(t, record.Series.Members, 3)
	require.Equal(t, []int{3}, record.Series.Missing)
	require.False(t, record.Series.Complete)
}

func TestCancelStopsRun(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	var urls []string
	for i := 0; i < 50; i++ {
		u := fmt.Sprintf("https://slow.com/%d", i)
		urls = append(urls, u)
		h.fetcher.ok(u, "<html>ok</html>")
	}
	// slow the run down so the cancel lands mid-flight
	h.blocks.SeedDelayRange("slow.com", 20*time.Millisecond, 30*time.Millisecond)

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.orch.Cancel(runID))

	record := h.waitForState(t, runID, progress.StateCancelled)
	require.Less(t, len(record.Completed), 50)
	require.Empty(t, record.InFlight, "interrupted work returns to pending")
	require.NotEmpty(t, record.Pending)
}

func TestDiscoverSeriesWalksChain(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, MaxSeriesHop: 10})
	s1 := "https://example.com/tale/1"
	s2 := "https://example.com/tale/2"
	s3 := "https://example.com/tale/3"
	for _, u := range []string{s1, s2, s3} {
		h.fetcher.ok(u, "<html>ok</html>")
	}
	h.extractor.links[s2] = []crawler.LinkCandidate{
		{URL: s1, SourceURL: s2, Rel: "prev", Position: crawler.PositionNavigation},
		{URL: s3, SourceURL: s2, Rel: "next", Position: crawler.PositionNavigation},
	}

	report, err := h.orch.DiscoverSeries(context.Background(), s2)
	require.NoError(t, err)
	require.Len(t, report.Members, 3)
	require.Equal(t, s1, report.Members[0].URL)
	require.Equal(t, s2, report.Members[1].URL)
	require.Equal(t, s3, report.Members[2].URL)
	require.Empty(t, report.Missing)
	require.True(t, report.Complete)
}

func TestStatusScopesBlockLevelsToRun(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.blocks.ReportOutcome("other.com", crawler.OutcomeRateLimited)
	h.blocks.ReportOutcome("slow.com", crawler.OutcomeSoftBlocked)

	var urls []string
	for i := 0; i < 20; i++ {
		u := fmt.Sprintf("https://slow.com/%d", i)
		urls = append(urls, u)
		h.fetcher.ok(u, "<html>ok</html>")
	}
	h.fetcher.delay = 20 * time.Millisecond

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{})
	require.NoError(t, err)

	snapshot, err := h.orch.Status(runID)
	require.NoError(t, err)
	require.Contains(t, snapshot.BlockLevels, "slow.com")
	require.NotContains(t, snapshot.BlockLevels, "other.com",
		"another run's block levels must not leak into this run's status")

	require.NoError(t, h.orch.Cancel(runID))
	h.waitForState(t, runID, progress.StateCancelled)
}

func TestStatusReportsCounts(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	urls := []string{"https://example.com/a", "https://example.com/b"}
	for _, u := range urls {
		h.fetcher.ok(u, "<html>ok</html>")
	}

	runID, err := h.orch.Submit(context.Background(), urls, crawler.RunConfig{})
	require.NoError(t, err)

	h.waitForState(t, runID, progress.StateCompleted)
	snapshot, err := h.orch.Status(runID)
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.Completed)
	require.Equal(t, progress.StateCompleted, snapshot.State)
}
