// Package orchestrator drives crawl runs: a fixed worker pool pulls URLs
// from a shared queue and pushes every one of them to a terminal state
// (completed, failed or skipped) under rate, concurrency and block control.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jfaulkner/crawld/internal/admission"
	"github.com/jfaulkner/crawld/internal/blockctl"
	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/metrics"
	"github.com/jfaulkner/crawld/internal/progress"
	"github.com/jfaulkner/crawld/internal/ratelimit"
	"github.com/jfaulkner/crawld/internal/retry"
	"github.com/jfaulkner/crawld/internal/series"
)

// Config tunes the orchestrator.
type Config struct {
	Workers     int
	QueueSize   int
	CommitEvery int
	MaxPages    int
	SeriesScan  bool
	// MaxSeriesHop bounds the pages fetched by a standalone series walk.
	MaxSeriesHop int
	Topic        string
}

// Deps are the collaborators a new Orchestrator needs.
type Deps struct {
	Fetcher    crawler.Fetcher
	AltFetcher crawler.Fetcher
	Extractor  crawler.LinkExtractor
	Limiter    *ratelimit.Limiter
	Admission  *admission.Controller
	Retry      *retry.Policy
	Blocks     *blockctl.Controller
	Store      *progress.Store
	Patterns   crawler.PatternStore
	Publisher  crawler.Publisher
	Blobs      crawler.BlobStore
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Orchestrator owns the active runs.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	runs map[string]*run
}

type task struct {
	url     string
	attempt int
}

type domainStats struct {
	successes   int
	failures    int
	lastSuccess time.Time
	blockedAt   int
}

type run struct {
	id     string
	cancel context.CancelFunc

	queue chan task
	// done fires when every task has reached a terminal state
	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	record      *progress.Record
	outstanding int
	dirty       int
	discovered  map[string]bool
	stats       map[string]*domainStats
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CommitEvery <= 0 {
		cfg.CommitEvery = 5
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.Topic == "" {
		cfg.Topic = "crawl-runs"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, runs: make(map[string]*run)}
}

// Submit starts a new run over the seed URLs and returns its ID.
func (o *Orchestrator) Submit(ctx context.Context, seeds []string, cfg crawler.RunConfig) (string, error) {
	if len(seeds) == 0 {
		return "", fmt.Errorf("submit: no seed urls")
	}

	normalized := make([]string, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		u, err := crawler.NormalizeURL(seed, nil)
		if err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		normalized = append(normalized, u)
	}

	runID := uuid.NewString()
	record := progress.NewRecord(runID, normalized, cfg, o.deps.Clock.Now())
	if err := o.deps.Store.Commit(record); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	o.start(ctx, record)
	return runID, nil
}

// Resume restarts an interrupted run from its persisted record. Completed
// URLs stay done; URLs caught in flight go back to pending.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	o.mu.Lock()
	_, active := o.runs[runID]
	o.mu.Unlock()
	if active {
		return fmt.Errorf("resume: run %s already active", runID)
	}

	record, err := o.deps.Store.Load(runID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	record.Pending = record.Remaining()
	record.InFlight = nil
	record.State = progress.StateInProgress
	if err := o.deps.Store.Commit(record); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	o.start(ctx, record)
	return nil
}

// Cancel stops a run. Workers finish the fetches they already started, the
// record is committed and marked cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: run %s not active", runID)
	}
	r.cancel()
	return nil
}

// Status reports the run's progress counts and current block levels. Active
// runs answer from memory, finished ones from disk.
func (o *Orchestrator) Status(runID string) (crawler.RunSnapshot, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()

	if ok {
		r.mu.Lock()
		snapshot := r.record.Snapshot()
		domains := make(map[string]bool)
		for u := range r.discovered {
			if d := crawler.Domain(u); d != "" {
				domains[d] = true
			}
		}
		r.mu.Unlock()

		// only the run's own domains: other runs' block levels are noise here
		levels := make(map[string]string)
		for domain, level := range o.deps.Blocks.Snapshot() {
			if domains[domain] {
				levels[domain] = level
			}
		}
		if len(levels) > 0 {
			snapshot.BlockLevels = levels
		}
		return snapshot, nil
	}

	record, err := o.deps.Store.Load(runID)
	if err != nil {
		return crawler.RunSnapshot{}, fmt.Errorf("status: %w", err)
	}
	return record.Snapshot(), nil
}

// Unblock releases a BLOCKED domain back to SEVERE on operator request.
func (o *Orchestrator) Unblock(domain string) {
	o.deps.Blocks.Unblock(domain)
}

// DiscoverSeries walks the series containing startURL without persisting a
// run and returns its ordered members plus the missing indices.
func (o *Orchestrator) DiscoverSeries(ctx context.Context, startURL string) (crawler.SeriesReport, error) {
	discoverer := series.NewDiscoverer(
		o.deps.Fetcher, o.deps.Extractor, o.cfg.MaxSeriesHop, o.deps.Logger)
	result, err := discoverer.Discover(ctx, startURL)
	if err != nil {
		return crawler.SeriesReport{}, fmt.Errorf("discover series: %w", err)
	}
	return toSeriesReport(result.Members, result.Missing, result.Complete), nil
}

func (o *Orchestrator) start(ctx context.Context, record *progress.Record) {
	queueSize := o.cfg.QueueSize
	if len(record.Pending) > queueSize {
		queueSize = len(record.Pending)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:         record.RunID,
		cancel:     cancel,
		queue:      make(chan task, queueSize),
		done:       make(chan struct{}),
		record:     record,
		discovered: make(map[string]bool),
		stats:      make(map[string]*domainStats),
	}
	for _, u := range record.Pending {
		r.discovered[u] = true
	}
	for _, u := range record.Completed {
		r.discovered[u] = true
	}
	for _, u := range record.Skipped {
		r.discovered[u] = true
	}
	for u := range record.Failed {
		r.discovered[u] = true
	}

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	o.seedDelayHints(runCtx, record.Pending)

	r.outstanding = len(record.Pending)
	for _, u := range record.Pending {
		r.queue <- task{url: u}
	}
	metrics.SetQueueDepth(r.id, len(r.queue))
	if r.outstanding == 0 {
		// nothing left to do, e.g. resuming an already finished run
		r.doneOnce.Do(func() { close(r.done) })
	}

	go o.runLoop(runCtx, r)
}

// seedDelayHints applies learned per-site delay ranges before dispatch.
func (o *Orchestrator) seedDelayHints(ctx context.Context, urls []string) {
	seen := make(map[string]bool)
	for _, u := range urls {
		domain := crawler.Domain(u)
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true

		pattern, ok, err := o.deps.Patterns.Find(ctx, u)
		if err != nil {
			o.deps.Logger.Warn("pattern lookup failed",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		if ok && pattern.MinDelaySeconds > 0 {
			o.deps.Blocks.SeedDelayRange(domain,
				time.Duration(pattern.MinDelaySeconds*float64(time.Second)),
				time.Duration(pattern.MaxDelaySeconds*float64(time.Second)))
		}
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, r *run) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, r)
		}()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
	}
	cancelled := ctx.Err() != nil && !fired(r.done)
	r.cancel()
	wg.Wait()

	o.finalize(r, cancelled)
}

func (o *Orchestrator) worker(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			metrics.SetQueueDepth(r.id, len(r.queue))
			o.process(ctx, r, t)
		}
	}
}

// process moves one task to a terminal state or re-queues it for retry.
// It never returns an error: every failure mode is absorbed into the run
// record.
func (o *Orchestrator) process(ctx context.Context, r *run, t task) {
	domain := crawler.Domain(t.url)
	logger := o.deps.Logger.With(
		zap.String("run_id", r.id), zap.String("url", t.url))

	// a halted domain consumes neither a slot nor a token
	if o.deps.Blocks.Blocked(domain) {
		logger.Info("domain blocked, skipping")
		o.settle(r, t.url, crawler.TaskSkipped, progress.Failure{Reason: "domain blocked"})
		return
	}

	r.markInFlight(t.url)

	release, err := o.deps.Admission.Enter(ctx, domain)
	if err != nil {
		r.abandon(t.url) // shutdown before the fetch started
		return
	}
	defer release()

	if err := o.deps.Limiter.Acquire(ctx, domain); err != nil {
		r.abandon(t.url)
		return
	}
	if !o.pause(ctx, o.deps.Blocks.Delay(domain)) {
		r.abandon(t.url)
		return
	}

	request := crawler.FetchRequest{
		RunID:      r.id,
		URL:        t.url,
		Domain:     domain,
		Attempt:    t.attempt,
		UseAltPath: o.deps.Blocks.RequiresAltPath(domain),
	}
	fetch := o.deps.Fetcher
	if request.UseAltPath && o.deps.AltFetcher != nil {
		fetch = o.deps.AltFetcher
	}

	response, err := fetch.Fetch(ctx, request)
	if err != nil && ctx.Err() != nil {
		r.abandon(t.url) // interrupted mid-fetch, not a real failure
		return
	}

	outcome := crawler.Classify(response, err)
	metrics.ObserveFetch(outcome.String(), response.Duration.Seconds())
	metrics.SetBlockLevel(domain, int(o.deps.Blocks.Level(domain)))

	if outcome == crawler.OutcomeSuccess {
		o.deps.Blocks.ReportSuccess(domain)
		r.recordSuccess(domain, o.deps.Clock.Now())
		o.complete(ctx, r, t, response, logger)
		return
	}

	o.deps.Blocks.ReportOutcome(domain, outcome)
	r.recordFailure(domain, outcome)
	logger.Warn("fetch failed",
		zap.String("outcome", outcome.String()),
		zap.Int("attempt", t.attempt),
		zap.Error(err))

	// a challenge page needs an operator, not another attempt
	if outcome == crawler.OutcomeCaptcha {
		o.settle(r, t.url, crawler.TaskSkipped, progress.Failure{
			Reason: "manual intervention required",
		})
		return
	}

	if delay, ok := o.deps.Retry.Decide(outcome, t.attempt); ok {
		metrics.ObserveRetry()
		r.requeue(t.url)
		// the retry waits off-worker so the pool keeps draining; the task
		// stays outstanding until its next attempt settles
		go func() {
			if !o.pause(ctx, delay) {
				return
			}
			select {
			case r.queue <- task{url: t.url, attempt: t.attempt + 1}:
			case <-ctx.Done():
			}
		}()
		return
	}

	o.settle(r, t.url, crawler.TaskFailed, progress.Failure{
		Reason:   outcome.String(),
		Attempts: t.attempt + 1,
	})
}

// complete records a successful fetch and feeds accepted series candidates
// back into the queue.
func (o *Orchestrator) complete(ctx context.Context, r *run, t task, response crawler.FetchResponse, logger *zap.Logger) {
	candidates, extracted, err := o.deps.Extractor.Extract(response)
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
	} else {
		extracted.FetchedAt = o.deps.Clock.Now()
		r.appendRecord(extracted)
	}

	// enqueue discoveries before settling the source task so the run
	// cannot be declared done in between
	if err == nil && o.seriesEnabled(r) {
		base, _ := url.Parse(response.URL)
		for _, candidate := range candidates {
			accepted := candidate.Rel == "prev" || candidate.Rel == "next" ||
				series.Score(candidate, extracted.Title) >= series.AcceptThreshold
			if !accepted {
				continue
			}
			normalized, err := crawler.NormalizeURL(candidate.URL, base)
			if err != nil {
				continue
			}
			o.enqueueDiscovered(ctx, r, normalized)
		}
	}

	o.settle(r, t.url, crawler.TaskCompleted, progress.Failure{})
}

func (o *Orchestrator) seriesEnabled(r *run) bool {
	return o.cfg.SeriesScan && r.record.Config.DiscoverSeries
}

func (o *Orchestrator) enqueueDiscovered(ctx context.Context, r *run, u string) {
	r.mu.Lock()
	if r.discovered[u] || len(r.discovered) >= o.cfg.MaxPages {
		r.mu.Unlock()
		return
	}
	r.discovered[u] = true
	r.record.Pending = append(r.record.Pending, u)
	r.outstanding++
	r.mu.Unlock()

	select {
	case r.queue <- task{url: u}:
		metrics.SetQueueDepth(r.id, len(r.queue))
	case <-ctx.Done():
		r.finishOne()
	default:
		// full queue: drop the discovery rather than stall a worker
		o.deps.Logger.Warn("queue full, dropping discovered url",
			zap.String("run_id", r.id), zap.String("url", u))
		r.mu.Lock()
		r.record.Pending = removeURL(r.record.Pending, u)
		delete(r.discovered, u)
		r.mu.Unlock()
		r.finishOne()
	}
}

// settle moves a URL to its terminal state and batch-commits the record.
func (o *Orchestrator) settle(r *run, u string, state crawler.TaskState, failure progress.Failure) {
	r.mu.Lock()
	r.record.Pending = removeURL(r.record.Pending, u)
	r.record.InFlight = removeURL(r.record.InFlight, u)
	switch state {
	case crawler.TaskCompleted:
		r.record.Completed = append(r.record.Completed, u)
	case crawler.TaskFailed:
		r.record.Failed[u] = failure
	case crawler.TaskSkipped:
		r.record.Skipped = append(r.record.Skipped, u)
		if failure.Reason != "" {
			r.record.SkipReasons[u] = failure.Reason
		}
	}
	r.record.UpdatedAt = o.deps.Clock.Now()
	r.dirty++
	if r.dirty >= o.cfg.CommitEvery {
		r.dirty = 0
		if err := o.deps.Store.Commit(r.record); err != nil {
			o.deps.Logger.Error("progress commit failed",
				zap.String("run_id", r.id), zap.Error(err))
		}
	}
	r.mu.Unlock()

	r.finishOne()
}

func (o *Orchestrator) finalize(r *run, cancelled bool) {
	r.mu.Lock()
	if cancelled {
		r.record.State = progress.StateCancelled
	} else {
		r.record.State = progress.StateCompleted
	}
	if o.seriesEnabled(r) {
		r.record.Series = buildSeriesReport(r.record)
	}
	r.record.UpdatedAt = o.deps.Clock.Now()
	if err := o.deps.Store.Commit(r.record); err != nil {
		o.deps.Logger.Error("final commit failed",
			zap.String("run_id", r.id), zap.Error(err))
	}
	snapshot := r.record.Snapshot()
	state := r.record.State
	r.mu.Unlock()

	metrics.ObserveRunEnd(state)
	metrics.ClearQueueDepth(r.id)

	// finalize outlives the run context: archival and event publishing
	// still happen on cancellation
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.archive(bg, r)
	o.writebackPatterns(bg, r)

	if _, err := o.deps.Publisher.Publish(bg, o.cfg.Topic, snapshot); err != nil {
		o.deps.Logger.Warn("run event publish failed",
			zap.String("run_id", r.id), zap.Error(err))
	}

	o.mu.Lock()
	delete(o.runs, r.id)
	o.mu.Unlock()

	o.deps.Logger.Info("run finished",
		zap.String("run_id", r.id),
		zap.String("state", state),
		zap.Int("completed", snapshot.Completed),
		zap.Int("failed", snapshot.Failed),
		zap.Int("skipped", snapshot.Skipped))
}

// buildSeriesReport orders the run's completed pages by extracted series
// index and reports the holes. The caller holds r.mu.
func buildSeriesReport(record *progress.Record) *crawler.SeriesReport {
	if len(record.Completed) == 0 {
		return nil
	}
	titles := make(map[string]string, len(record.Records))
	for _, rec := range record.Records {
		titles[rec.URL] = rec.Title
	}
	members := make([]series.Member, 0, len(record.Completed))
	for _, u := range record.Completed {
		members = append(members, series.Member{
			URL:   u,
			Title: titles[u],
			Index: series.ExtractIndex(u, titles[u]),
		})
	}
	series.Sort(members)
	missing := series.Gaps(members)
	report := toSeriesReport(members, missing, len(missing) == 0)
	return &report
}

func toSeriesReport(members []series.Member, missing []int, complete bool) crawler.SeriesReport {
	report := crawler.SeriesReport{Missing: missing, Complete: complete}
	for _, m := range members {
		report.Members = append(report.Members, crawler.SeriesMember{
			URL:   m.URL,
			Title: m.Title,
			Index: m.Index,
		})
	}
	return report
}

func (o *Orchestrator) archive(ctx context.Context, r *run) {
	if o.deps.Blobs == nil {
		return
	}
	r.mu.Lock()
	records := append([]crawler.ExtractedRecord(nil), r.record.Records...)
	r.mu.Unlock()
	if len(records) == 0 {
		return
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		o.deps.Logger.Warn("archive encode failed", zap.Error(err))
		return
	}
	uri, err := o.deps.Blobs.PutObject(ctx,
		fmt.Sprintf("runs/%s/records.json", r.id), "application/json", data)
	if err != nil {
		o.deps.Logger.Warn("archive upload failed",
			zap.String("run_id", r.id), zap.Error(err))
		return
	}
	o.deps.Logger.Info("run records archived",
		zap.String("run_id", r.id), zap.String("uri", uri))
}

// writebackPatterns folds the run's per-domain experience into the pattern
// store.
func (o *Orchestrator) writebackPatterns(ctx context.Context, r *run) {
	r.mu.Lock()
	stats := make(map[string]domainStats, len(r.stats))
	for domain, s := range r.stats {
		stats[domain] = *s
	}
	samples := make(map[string]string)
	urls := append([]string(nil), r.record.Completed...)
	for u := range r.record.Failed {
		urls = append(urls, u)
	}
	for _, u := range urls {
		if d := crawler.Domain(u); d != "" {
			if _, ok := samples[d]; !ok {
				samples[d] = u
			}
		}
	}
	r.mu.Unlock()

	for domain, s := range stats {
		sample, ok := samples[domain]
		if !ok {
			continue
		}
		pattern, _, err := o.deps.Patterns.Find(ctx, sample)
		if err != nil {
			o.deps.Logger.Warn("pattern read failed",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		pattern.SuccessCount += s.successes
		pattern.FailCount += s.failures
		if !s.lastSuccess.IsZero() {
			ts := s.lastSuccess
			pattern.LastSuccess = &ts
		}
		if s.blockedAt > 0 {
			blockedAt := s.blockedAt
			pattern.BlockedAtRequest = &blockedAt
		}
		if err := o.deps.Patterns.Save(ctx, sample, pattern); err != nil {
			o.deps.Logger.Warn("pattern write failed",
				zap.String("domain", domain), zap.Error(err))
		}
	}
}

// pause sleeps for d unless the context ends first. Returns false when
// interrupted.
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) markInFlight(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Pending = removeURL(r.record.Pending, u)
	r.record.InFlight = append(r.record.InFlight, u)
}

// requeue moves an in-flight URL back to pending ahead of another attempt.
// The task stays outstanding.
func (r *run) requeue(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.InFlight = removeURL(r.record.InFlight, u)
	if !containsURL(r.record.Pending, u) {
		r.record.Pending = append(r.record.Pending, u)
	}
}

// abandon returns an interrupted task to the pending set so a resume picks
// it up, and releases its outstanding count: this process will not finish
// it.
func (r *run) abandon(u string) {
	r.requeue(u)
	r.finishOne()
}

func (r *run) appendRecord(record crawler.ExtractedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Records = append(r.record.Records, record)
}

func (r *run) recordSuccess(domain string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.domainStats(domain)
	s.successes++
	s.lastSuccess = now
}

func (r *run) recordFailure(domain string, outcome crawler.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.domainStats(domain)
	s.failures++
	if outcome == crawler.OutcomeCaptcha && s.blockedAt == 0 {
		s.blockedAt = s.successes + s.failures
	}
}

func (r *run) domainStats(domain string) *domainStats {
	s, ok := r.stats[domain]
	if !ok {
		s = &domainStats{}
		r.stats[domain] = s
	}
	return s
}

// finishOne releases one outstanding task and fires done on the last one.
func (r *run) finishOne() {
	r.mu.Lock()
	r.outstanding--
	last := r.outstanding == 0
	r.mu.Unlock()
	if last {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

func fired(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func removeURL(urls []string, u string) []string {
	for i, existing := range urls {
		if existing == u {
			return append(urls[:i], urls[i+1:]...)
		}
	}
	return urls
}

func containsURL(urls []string, u string) bool {
	for _, existing := range urls {
		if existing == u {
			return true
		}
	}
	return false
}
