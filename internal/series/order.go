package series

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// UnknownIndex sorts unresolvable members after everything numbered.
const UnknownIndex = 999

// Member is one page of a resolved series with its position.
type Member struct {
	URL   string
	Title string
	// Index is the series position, or UnknownIndex when no number could
	// be extracted.
	Index int
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var (
	markerNumber = regexp.MustCompile(`(?i)\b(?:part|chapter|episode|volume|ep|ch|pt)\.?\s*#?(\d+)`)
	fractionForm = regexp.MustCompile(`\((\d+)\s*/\s*\d+\)`)
	hashForm     = regexp.MustCompile(`#(\d+)\b`)
	markerWord   = regexp.MustCompile(`(?i)\b(?:part|chapter|episode|volume)\s+([a-z]+)\b`)
	urlNumber    = regexp.MustCompile(`(\d+)(?:\.\w+)?/?$`)
)

// ExtractIndex resolves a member's series position, trying the URL's
// trailing number first, then numerals in the title, then ordinal words.
// Unresolvable members get UnknownIndex.
func ExtractIndex(rawURL, title string) int {
	if n, ok := indexFromURL(rawURL); ok {
		return n
	}
	if n, ok := indexFromTitle(title); ok {
		return n
	}
	return UnknownIndex
}

func indexFromURL(rawURL string) (int, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	if m := urlNumber.FindStringSubmatch(parsed.Path); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}

func indexFromTitle(title string) (int, bool) {
	for _, re := range []*regexp.Regexp{markerNumber, fractionForm, hashForm} {
		if m := re.FindStringSubmatch(title); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n, true
			}
		}
	}
	if m := markerWord.FindStringSubmatch(title); m != nil {
		if n, ok := ordinalWords[strings.ToLower(m[1])]; ok {
			return n, true
		}
	}
	return 0, false
}

// Sort orders members by index, unresolved last, ties broken by URL for a
// stable result.
func Sort(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Index != members[j].Index {
			return members[i].Index < members[j].Index
		}
		return members[i].URL < members[j].URL
	})
}

// Gaps reports the missing indices of a sorted-or-unsorted member list:
// holes between the minimum and maximum resolved index, plus the prefix
// 1..min-1 when the series does not start at 1. Unresolved members are
// ignored.
func Gaps(members []Member) []int {
	present := make(map[int]bool)
	minIdx, maxIdx := 0, 0
	for _, m := range members {
		if m.Index == UnknownIndex {
			continue
		}
		present[m.Index] = true
		if minIdx == 0 || m.Index < minIdx {
			minIdx = m.Index
		}
		if m.Index > maxIdx {
			maxIdx = m.Index
		}
	}
	if len(present) == 0 {
		return nil
	}

	var missing []int
	for i := 1; i <= maxIdx; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
