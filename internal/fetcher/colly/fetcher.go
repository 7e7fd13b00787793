// Package colly implements the plain HTTP fetch path on gocolly.
package colly

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gocolly "github.com/gocolly/colly/v2"

	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/fetcher"
)

// Config tunes the fetcher.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// IgnoreRobots disables robots.txt checks. Off by default.
	IgnoreRobots bool
}

// Fetcher performs one-shot fetches with a colly collector per request so
// concurrent fetches never share callback state.
type Fetcher struct {
	cfg    Config
	agents *fetcher.AgentPool
}

// New builds a Fetcher.
func New(cfg Config, agents *fetcher.AgentPool) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if agents == nil {
		agents = fetcher.NewAgentPool()
	}
	return &Fetcher{cfg: cfg, agents: agents}
}

// Fetch retrieves the request URL. Non-2xx statuses are returned in the
// response, not as errors; only transport failures error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}

	agent := request.UserAgent
	if agent == "" {
		if f.cfg.UserAgent != "" {
			agent = f.cfg.UserAgent
		} else {
			agent = f.agents.Pick()
		}
	}

	opts := []gocolly.CollectorOption{
		gocolly.UserAgent(agent),
		gocolly.AllowURLRevisit(),
	}
	if f.cfg.IgnoreRobots {
		opts = append(opts, gocolly.IgnoreRobotsTxt())
	}
	collector := gocolly.NewCollector(opts...)
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		response   crawler.FetchResponse
		fetchErr   error
		gotPayload bool
	)

	collector.OnRequest(func(r *gocolly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *gocolly.Response) {
		gotPayload = true
		response = responseFrom(r, request.URL)
	})
	collector.OnError(func(r *gocolly.Response, err error) {
		// colly reports non-2xx statuses here; keep the payload and let
		// the caller classify the status
		if r != nil && r.StatusCode != 0 {
			gotPayload = true
			response = responseFrom(r, request.URL)
			return
		}
		fetchErr = err
	})

	start := time.Now()
	visitErr := collector.Visit(request.URL)
	collector.Wait()

	// Visit reports non-2xx statuses as errors too; the captured payload
	// wins so the caller can classify the status itself
	if visitErr != nil && !gotPayload && fetchErr == nil {
		return crawler.FetchResponse{}, fmt.Errorf("visit %s: %w", request.URL, visitErr)
	}
	if fetchErr != nil && !gotPayload {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, fetchErr)
	}
	if !gotPayload {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: no response received", request.URL)
	}
	response.Duration = time.Since(start)
	return response, nil
}

func responseFrom(r *gocolly.Response, requestURL string) crawler.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		headers = *r.Headers
	}
	url := requestURL
	if r.Request != nil && r.Request.URL != nil {
		url = r.Request.URL.String()
	}
	return crawler.FetchResponse{
		URL:        url,
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       r.Body,
	}
}
