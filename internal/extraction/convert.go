package extraction

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Convert renders html into every requested output format. The returned map
// is keyed by format name.
func Convert(html string, formats []string) (map[string]string, error) {
	out := make(map[string]string, len(formats))
	for _, format := range formats {
		switch format {
		case search.FormatHTML:
			out[format] = html
		case search.FormatMarkdown:
			md, err := htmltomarkdown.ConvertString(html)
			if err != nil {
				return nil, fmt.Errorf("convert to markdown: %w", err)
			}
			out[format] = strings.TrimSpace(md)
		case search.FormatText:
			text, err := extractText(html)
			if err != nil {
				return nil, fmt.Errorf("convert to text: %w", err)
			}
			out[format] = text
		default:
			return nil, fmt.Errorf("unknown output format %q", format)
		}
	}
	return out, nil
}

// extractText strips markup and non-content elements and collapses
// whitespace runs into single spaces with newline-separated blocks.
func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, iframe").Remove()

	var blocks []string
	doc.Find("body").Each(func(_ int, body *goquery.Selection) {
		for _, line := range strings.Split(body.Text(), "\n") {
			if collapsed := collapseSpaces(line); collapsed != "" {
				blocks = append(blocks, collapsed)
			}
		}
	})
	if len(blocks) == 0 {
		return collapseSpaces(doc.Text()), nil
	}
	return strings.Join(blocks, "\n"), nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
