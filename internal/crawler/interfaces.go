package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata. The orchestrator
// never implements the network path itself.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor turns a fetched response into link candidates plus the
// extracted record for the page. The orchestrator only scores and orders
// candidates; it does not interpret page semantics.
type LinkExtractor interface {
	Extract(response FetchResponse) ([]LinkCandidate, ExtractedRecord, error)
}

// PatternStore is the external keyed store of learned per-domain
// configuration. The orchestrator reads it before dispatch and writes it
// after a run completes; it never owns the state.
type PatternStore interface {
	Find(ctx context.Context, rawURL string) (SitePattern, bool, error)
	Save(ctx context.Context, rawURL string, pattern SitePattern) error
}

// Publisher pushes run lifecycle events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
