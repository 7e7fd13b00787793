// Package progress persists per-run crawl state to disk so interrupted runs
// can resume without repeating finished work.
package progress

import (
	"time"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// Run lifecycle states stored in the record.
const (
	StateInProgress = "in_progress"
	StatePaused     = "paused"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Failure records why a URL was given up on.
type Failure struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Record is the full persisted state of one run. The four URL collections
// partition the discovered set: a URL lives in exactly one of pending,
// in-flight, completed or failed (skipped is carved out of pending).
type Record struct {
	RunID     string            `json:"run_id"`
	State     string            `json:"state"`
	Config    crawler.RunConfig `json:"config"`
	Pending   []string          `json:"pending"`
	InFlight  []string          `json:"in_flight"`
	Completed []string          `json:"completed"`
	Skipped   []string          `json:"skipped"`
	// SkipReasons explains each skipped URL, e.g. "domain blocked" or
	// "manual intervention required".
	SkipReasons map[string]string         `json:"skip_reasons,omitempty"`
	Failed      map[string]Failure        `json:"failed"`
	Records     []crawler.ExtractedRecord `json:"records,omitempty"`
	Series      *crawler.SeriesReport     `json:"series,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// NewRecord returns an empty record for runID with the given seed URLs
// pending.
func NewRecord(runID string, seeds []string, cfg crawler.RunConfig, now time.Time) *Record {
	return &Record{
		RunID:       runID,
		State:       StateInProgress,
		Config:      cfg,
		Pending:     append([]string(nil), seeds...),
		SkipReasons: make(map[string]string),
		Failed:      make(map[string]Failure),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// IsDone reports whether the URL has already reached a terminal state and
// must not be fetched again.
func (r *Record) IsDone(url string) bool {
	for _, u := range r.Completed {
		if u == url {
			return true
		}
	}
	if _, ok := r.Failed[url]; ok {
		return true
	}
	for _, u := range r.Skipped {
		if u == url {
			return true
		}
	}
	return false
}

// Remaining returns the URLs still to fetch after a resume: the pending
// queue plus any URLs that were in flight when the previous process died.
func (r *Record) Remaining() []string {
	out := make([]string, 0, len(r.Pending)+len(r.InFlight))
	seen := make(map[string]bool, cap(out))
	for _, u := range append(append([]string(nil), r.Pending...), r.InFlight...) {
		if seen[u] || r.IsDone(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Snapshot summarizes the record for status reporting.
func (r *Record) Snapshot() crawler.RunSnapshot {
	return crawler.RunSnapshot{
		RunID:     r.RunID,
		State:     r.State,
		Pending:   len(r.Pending),
		InFlight:  len(r.InFlight),
		Completed: len(r.Completed),
		Failed:    len(r.Failed),
		Skipped:   len(r.Skipped),
		Series:    r.Series,
		UpdatedAt: r.UpdatedAt,
	}
}
