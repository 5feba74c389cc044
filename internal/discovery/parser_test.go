package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const serpFixture = `<!DOCTYPE html>
<html>
<body>
  <div class="result result--ad">
    <a class="result__a" href="https://ads.example.com/landing">Sponsored thing</a>
    <a class="result__snippet">Buy now</a>
  </div>
  <div class="result">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fapify.com%2F&amp;rut=abc">Apify</a>
    <a class="result__snippet">Cloud platform for web scraping.</a>
  </div>
  <div class="result">
    <a class="result__a" href="https://example.com/docs#intro">Example Docs</a>
    <a class="result__snippet">Documentation for Example.</a>
  </div>
  <div class="result">
    <a class="result__a" href="https://EXAMPLE.com/docs">Example Docs Duplicate</a>
    <a class="result__snippet">Same page again.</a>
  </div>
  <div class="result">
    <a class="result__a" href="ftp://example.org/file">Bad scheme</a>
  </div>
</body>
</html>`

func TestParseResultsExtractsRankedOrganicResults(t *testing.T) {
	t.Parallel()

	items, err := ParseResults([]byte(serpFixture))
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, "https://apify.com/", items[0].URL)
	require.Equal(t, "Apify", items[0].Title)
	require.Equal(t, "Cloud platform for web scraping.", items[0].Description)

	// Fragment stripped, duplicate (case-insensitive host) dropped.
	require.Equal(t, "https://example.com/docs", items[1].URL)
	require.Equal(t, "Example Docs", items[1].Title)
}

func TestParseResultsEmptyPage(t *testing.T) {
	t.Parallel()

	items, err := ParseResults([]byte("<html><body><p>no results</p></body></html>"))
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestResolveRedirectUnwrapsUDDG(t *testing.T) {
	t.Parallel()

	got := resolveRedirect("//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=xyz")
	require.Equal(t, "https://example.com/page", got)

	// Non-redirect links pass through untouched.
	require.Equal(t, "https://example.com/", resolveRedirect("https://example.com/"))
}
