// Package headless implements the alternate fetch path with a real browser
// driven by chromedp, optionally through a proxy. It is used when a domain
// is under block pressure and the plain HTTP path is no longer viable.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/fetcher"
)

// Config tunes the browser.
type Config struct {
	ProxyURL string
	Timeout  time.Duration
	// Headful disables headless mode, useful when debugging locally.
	Headful bool
}

// Fetcher renders pages in Chrome and returns the final DOM.
type Fetcher struct {
	cfg    Config
	agents *fetcher.AgentPool
}

// New builds a Fetcher.
func New(cfg Config, agents *fetcher.AgentPool) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if agents == nil {
		agents = fetcher.NewAgentPool()
	}
	return &Fetcher{cfg: cfg, agents: agents}
}

// Fetch navigates to the request URL in a fresh browser context and returns
// the rendered document.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	agent := request.UserAgent
	if agent == "" {
		agent = f.agents.Pick()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(agent),
		chromedp.NoSandbox,
		chromedp.Flag("headless", !f.cfg.Headful),
	)
	if f.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(f.cfg.ProxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancelRun := context.WithTimeout(browserCtx, f.cfg.Timeout)
	defer cancelRun()

	start := time.Now()
	var html string
	response, err := chromedp.RunResponse(runCtx,
		chromedp.Navigate(request.URL),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status := http.StatusOK
	if response != nil {
		status = int(response.Status)
	}
	return crawler.FetchResponse{
		URL:         request.URL,
		StatusCode:  status,
		Headers:     http.Header{},
		Body:        []byte(html),
		Duration:    time.Since(start),
		UsedAltPath: true,
	}, nil
}
