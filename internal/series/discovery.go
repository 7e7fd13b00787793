package series

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// Result is the outcome of a series walk.
type Result struct {
	Members []Member
	// Missing lists the absent indices between 1 and the highest resolved
	// index.
	Missing []int
	// Complete is true when every index from 1 to the maximum is present.
	Complete bool
}

// Discoverer walks outward from a start page, following explicit prev/next
// links directly and scored sibling candidates above the accept threshold,
// until the frontier is exhausted or the page ceiling is reached.
type Discoverer struct {
	fetcher   crawler.Fetcher
	extractor crawler.LinkExtractor
	maxPages  int
	logger    *zap.Logger
}

// NewDiscoverer builds a Discoverer. maxPages bounds the total number of
// fetches per walk.
func NewDiscoverer(fetcher crawler.Fetcher, extractor crawler.LinkExtractor, maxPages int, logger *zap.Logger) *Discoverer {
	if maxPages <= 0 {
		maxPages = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, extractor: extractor, maxPages: maxPages, logger: logger}
}

// Discover walks the series containing startURL and returns its ordered
// members plus a completeness report.
func (d *Discoverer) Discover(ctx context.Context, startURL string) (Result, error) {
	start, err := crawler.NormalizeURL(startURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("normalize start url: %w", err)
	}

	visited := make(map[string]bool)
	queue := []string{start}
	var members []Member

	for len(queue) > 0 && len(visited) < d.maxPages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		response, err := d.fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:    current,
			Domain: crawler.Domain(current),
		})
		if err != nil {
			d.logger.Warn("series page fetch failed",
				zap.String("url", current), zap.Error(err))
			continue
		}
		candidates, record, err := d.extractor.Extract(response)
		if err != nil {
			d.logger.Warn("series page extract failed",
				zap.String("url", current), zap.Error(err))
			continue
		}

		members = append(members, Member{
			URL:   current,
			Title: record.Title,
			Index: ExtractIndex(current, record.Title),
		})

		base, _ := url.Parse(current)
		for _, candidate := range candidates {
			normalized, err := crawler.NormalizeURL(candidate.URL, base)
			if err != nil || visited[normalized] {
				continue
			}
			// explicit chain links bypass scoring
			if candidate.Rel == "prev" || candidate.Rel == "next" {
				queue = append(queue, normalized)
				continue
			}
			if Score(candidate, record.Title) >= AcceptThreshold {
				queue = append(queue, normalized)
			}
		}
	}

	Sort(members)
	missing := Gaps(members)
	return Result{
		Members:  members,
		Missing:  missing,
		Complete: len(missing) == 0 && len(members) > 0,
	}, nil
}
