package discovery

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ndelaney/searchscraper/internal/search"
)

// ParseResults extracts ranked organic results from a DuckDuckGo HTML SERP.
// Ad slots and duplicate URLs are dropped; order is preserved.
func ParseResults(html []byte) ([]search.DiscoveredItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse serp html: %w", err)
	}

	var items []search.DiscoveredItem
	seen := make(map[string]struct{})
	doc.Find("div.result").Each(func(_ int, sel *goquery.Selection) {
		if sel.HasClass("result--ad") {
			return
		}
		anchor := sel.Find("a.result__a").First()
		href, ok := anchor.Attr("href")
		if !ok {
			return
		}
		target := resolveRedirect(href)
		normalized, err := search.NormalizeURL(target)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		items = append(items, search.DiscoveredItem{
			URL:         normalized,
			Title:       strings.TrimSpace(anchor.Text()),
			Description: strings.TrimSpace(sel.Find(".result__snippet").Text()),
		})
	})
	return items, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links to the real
// destination URL.
func resolveRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if !strings.HasSuffix(u.Host, "duckduckgo.com") || u.Path != "/l/" {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
