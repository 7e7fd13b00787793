// Package series finds the sibling pages of a multi-part document (parts,
// chapters, episodes) by scoring extracted links and walking accepted ones.
package series

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// AcceptThreshold is the minimum score for a candidate to be treated as a
// series member.
const AcceptThreshold = 50.0

var seriesIndicators = []string{
	"part", "chapter", "episode", "volume", "series",
	"next", "previous", "prev", "continued",
}

var positionWeights = map[crawler.PositionClass]float64{
	crawler.PositionNavigation: 0.95,
	crawler.PositionTOC:        0.85,
	crawler.PositionRelated:    0.65,
	crawler.PositionBody:       0.5,
}

// Score rates how likely candidate is a series sibling of the source page,
// on a 0..100 scale.
func Score(candidate crawler.LinkCandidate, sourceTitle string) float64 {
	score := 30 * urlPatternSimilarity(candidate.SourceURL, candidate.URL)
	score += 25 * titleSimilarity(sourceTitle, candidate.AnchorText)
	score += 20 * positionWeight(candidate.Position)
	score += indicatorScore(candidate.AnchorText, candidate.URL)
	if sameDomain(candidate.SourceURL, candidate.URL) {
		score += 10
	}
	return score
}

func positionWeight(p crawler.PositionClass) float64 {
	if w, ok := positionWeights[p]; ok {
		return w
	}
	return positionWeights[crawler.PositionBody]
}

func indicatorScore(anchorText, rawURL string) float64 {
	haystack := strings.ToLower(anchorText + " " + rawURL)
	count := 0
	for _, word := range seriesIndicators {
		if strings.Contains(haystack, word) {
			count++
		}
	}
	s := 5.0 * float64(count)
	if s > 15 {
		return 15
	}
	return s
}

func sameDomain(a, b string) bool {
	da, db := crawler.Domain(a), crawler.Domain(b)
	return da != "" && da == db
}

var digitRun = regexp.MustCompile(`\d+`)

// urlPatternSimilarity compares the path shapes of two URLs after replacing
// digit runs with a wildcard. Identical shapes with at least one numeric
// segment difference score 1.0; same segment count but different shapes
// score by matching segments; different counts score a flat 0.3; different
// hosts score 0.
func urlPatternSimilarity(source, candidate string) float64 {
	su, err1 := url.Parse(source)
	cu, err2 := url.Parse(candidate)
	if err1 != nil || err2 != nil {
		return 0
	}
	if !strings.EqualFold(su.Hostname(), cu.Hostname()) {
		return 0
	}

	sSegs := pathSegments(su.Path)
	cSegs := pathSegments(cu.Path)
	if len(sSegs) != len(cSegs) {
		return 0.3
	}
	if len(sSegs) == 0 {
		return 1.0
	}

	matched := 0
	for i := range sSegs {
		if normalizeSegment(sSegs[i]) == normalizeSegment(cSegs[i]) {
			matched++
		}
	}
	return float64(matched) / float64(len(sSegs))
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func normalizeSegment(seg string) string {
	return digitRun.ReplaceAllString(strings.ToLower(seg), "*")
}

var leadingMarker = regexp.MustCompile(
	`(?i)^(part|chapter|episode|volume|ep|ch|pt)\.?\s*\d*\s*[:\-–]?\s*`)

// titleSimilarity compares titles after stripping leading part/chapter
// markers, using character bigram overlap.
func titleSimilarity(a, b string) float64 {
	a = strings.ToLower(leadingMarker.ReplaceAllString(strings.TrimSpace(a), ""))
	b = strings.ToLower(leadingMarker.ReplaceAllString(strings.TrimSpace(b), ""))
	a = digitRun.ReplaceAllString(a, "")
	b = digitRun.ReplaceAllString(b, "")
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ag, bg := bigrams(a), bigrams(b)
	if len(ag) == 0 || len(bg) == 0 {
		return 0
	}
	common := 0
	for g := range ag {
		if bg[g] {
			common++
		}
	}
	total := len(ag)
	if len(bg) > total {
		total = len(bg)
	}
	return float64(common) / float64(total)
}

func bigrams(s string) map[string]bool {
	runes := []rune(s)
	out := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	return out
}
