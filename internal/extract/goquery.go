// Package extract parses fetched HTML into link candidates and a page
// record using goquery.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jfaulkner/crawld/internal/crawler"
)

const snippetLimit = 280

// Extractor implements crawler.LinkExtractor over goquery documents.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract parses the response body, returning every anchor as a candidate
// annotated with its DOM position class plus the page's title and a short
// text snippet.
func (e *Extractor) Extract(response crawler.FetchResponse) ([]crawler.LinkCandidate, crawler.ExtractedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(response.Body))
	if err != nil {
		return nil, crawler.ExtractedRecord{}, fmt.Errorf("parse html from %s: %w", response.URL, err)
	}

	record := crawler.ExtractedRecord{
		URL:     response.URL,
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
		Snippet: snippet(doc),
	}

	var candidates []crawler.LinkCandidate
	seen := make(map[string]bool)

	// rel=prev/next may live on <link> elements in the head
	doc.Find("link[rel=prev], link[rel=next], a[rel=prev], a[rel=next]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || seen[href] {
			return
		}
		seen[href] = true
		candidates = append(candidates, crawler.LinkCandidate{
			URL:        href,
			SourceURL:  response.URL,
			AnchorText: strings.TrimSpace(sel.Text()),
			Position:   crawler.PositionNavigation,
			Rel:        sel.AttrOr("rel", ""),
		})
	})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if seen[href] {
			return
		}
		seen[href] = true
		candidates = append(candidates, crawler.LinkCandidate{
			URL:        href,
			SourceURL:  response.URL,
			AnchorText: strings.TrimSpace(sel.Text()),
			Position:   classify(sel),
		})
	})

	return candidates, record, nil
}

// classify walks the anchor's ancestors looking for structural markers.
func classify(sel *goquery.Selection) crawler.PositionClass {
	for node := sel; node.Length() > 0; node = node.Parent() {
		tag := goquery.NodeName(node)
		marker := strings.ToLower(node.AttrOr("class", "") + " " + node.AttrOr("id", "") + " " + node.AttrOr("role", ""))

		switch {
		case tag == "nav" || strings.Contains(marker, "pagination") ||
			strings.Contains(marker, "navigation") || strings.Contains(marker, "breadcrumb"):
			return crawler.PositionNavigation
		case strings.Contains(marker, "toc") || strings.Contains(marker, "table-of-contents") ||
			strings.Contains(marker, "chapter-list") || strings.Contains(marker, "series-list"):
			return crawler.PositionTOC
		case strings.Contains(marker, "related") || strings.Contains(marker, "sidebar") ||
			strings.Contains(marker, "recommended") || tag == "aside":
			return crawler.PositionRelated
		}
	}
	return crawler.PositionBody
}

func snippet(doc *goquery.Document) string {
	text := strings.Join(strings.Fields(doc.Find("p").Text()), " ")
	if len(text) > snippetLimit {
		return text[:snippetLimit]
	}
	return text
}
