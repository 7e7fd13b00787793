package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// NormalizeURL lowercases the scheme and host, strips fragments and trailing
// slashes, and resolves relative references against base when given.
func NormalizeURL(raw string, base *url.URL) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String(), nil
}

// Domain returns the lowercased host without port, or "" on a bad URL.
func Domain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// PatternKey generalizes a URL into a storage key by replacing every run of
// digits in the path with "*". URLs that differ only in numeric path parts
// share a key.
func PatternKey(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(parsed.Hostname()))
	inDigits := false
	for _, r := range parsed.Path {
		if unicode.IsDigit(r) {
			if !inDigits {
				b.WriteByte('*')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}
