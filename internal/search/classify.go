package search

import (
	"fmt"
	"net/url"
	"strings"
)

// ClassifyInput decides once, syntactically, whether raw caller input is a
// direct URL or a search query. URLs come back in canonical absolute form;
// everything else (including strings with search operators) is a query.
func ClassifyInput(raw string) (input string, isDirectURL bool) {
	trimmed := strings.TrimSpace(raw)
	if normalized, ok := tryNormalizeURL(trimmed); ok {
		return normalized, true
	}
	return trimmed, false
}

func tryNormalizeURL(candidate string) (string, bool) {
	if candidate == "" || strings.ContainsAny(candidate, " \t\n") {
		return "", false
	}
	withScheme := candidate
	// Schemes are case-insensitive, so "HTTPS://..." must take this branch too.
	lower := strings.ToLower(candidate)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		// Scheme-less input like "example.com/page" still counts as a URL,
		// but "site:example.com" style operators must stay queries.
		head := candidate
		if idx := strings.IndexByte(candidate, '/'); idx >= 0 {
			head = candidate[:idx]
		}
		if strings.ContainsRune(head, ':') || !strings.ContainsRune(head, '.') {
			return "", false
		}
		withScheme = "https://" + candidate
	}
	normalized, err := NormalizeURL(withScheme)
	if err != nil {
		return "", false
	}
	return normalized, true
}

// NormalizeURL standardizes a URL to a canonical absolute form. It lowercases
// the scheme and host, removes default ports and fragments, and sorts query
// parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}
