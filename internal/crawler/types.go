// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// TaskState represents the lifecycle state of a single fetch task.
type TaskState string

// Task states persisted in the progress record.
const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// Task is one URL queued for fetching within a run.
type Task struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Domain  string    `json:"domain"`
	Attempt int       `json:"attempt"`
	State   TaskState `json:"state"`
}

// RunConfig captures per-run knobs requested by the client.
type RunConfig struct {
	MaxPages       int               `json:"max_pages" mapstructure:"max_pages"`
	DiscoverSeries bool              `json:"discover_series" mapstructure:"discover_series"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID      string
	URL        string
	Domain     string
	Attempt    int
	UseAltPath bool
	UserAgent  string
	Headers    http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
// A non-2xx status is returned here, not as an error; transport-level
// failures are errors.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	UsedAltPath bool
}

// PositionClass is the coarse DOM ancestry category of a link.
type PositionClass string

// Position classes assigned by the link extractor.
const (
	PositionNavigation PositionClass = "navigation"
	PositionTOC        PositionClass = "toc"
	PositionRelated    PositionClass = "related"
	PositionBody       PositionClass = "body"
)

// LinkCandidate is a raw link extracted from a fetched page. Candidates are
// ephemeral: scored once by series discovery, then discarded.
type LinkCandidate struct {
	URL        string
	SourceURL  string
	AnchorText string
	Position   PositionClass
	// Rel is "prev" or "next" for explicit chain links, empty otherwise.
	Rel string
}

// ExtractedRecord is the domain payload produced per completed fetch and
// accumulated into the run's progress record.
type ExtractedRecord struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SitePattern is the learned per-domain/url-pattern configuration kept in
// the external pattern store.
type SitePattern struct {
	Description      string            `json:"description,omitempty"`
	Selectors        map[string]string `json:"selectors,omitempty"`
	Pagination       string            `json:"pagination,omitempty"`
	MinDelaySeconds  float64           `json:"min_delay,omitempty"`
	MaxDelaySeconds  float64           `json:"max_delay,omitempty"`
	BlockedAtRequest *int              `json:"blocked_at_request,omitempty"`
	SuccessCount     int               `json:"success_count"`
	FailCount        int               `json:"fail_count"`
	LastSuccess      *time.Time        `json:"last_success,omitempty"`
}

// SeriesMember is one resolved page of a discovered series.
type SeriesMember struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Index int    `json:"index"`
}

// SeriesReport is the ordered view of a series plus its completeness check.
type SeriesReport struct {
	Members []SeriesMember `json:"members"`
	// Missing lists the absent indices between 1 and the highest resolved
	// index.
	Missing  []int `json:"missing,omitempty"`
	Complete bool  `json:"complete"`
}

// RunSnapshot is the progress summary returned by the status operation.
type RunSnapshot struct {
	RunID       string            `json:"run_id"`
	State       string            `json:"state"`
	Pending     int               `json:"pending"`
	InFlight    int               `json:"in_flight"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	BlockLevels map[string]string `json:"block_levels,omitempty"`
	Series      *SeriesReport     `json:"series,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
