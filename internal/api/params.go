package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ndelaney/searchscraper/internal/config"
	"github.com/ndelaney/searchscraper/internal/search"
)

var knownFormats = []string{search.FormatText, search.FormatMarkdown, search.FormatHTML}

// parseSearchRequest validates the /search query parameters and fills in
// configured defaults. All validation failures map to HTTP 400.
func parseSearchRequest(r *http.Request, cfg config.Config) (search.Request, error) {
	q := r.URL.Query()

	rawQuery := strings.TrimSpace(q.Get("query"))
	if rawQuery == "" {
		return search.Request{}, search.NewInputError("query parameter is required")
	}
	input, isDirect := search.ClassifyInput(rawQuery)

	maxResults, err := intParam(q.Get("maxResults"), cfg.Search.MaxResultsDefault, 1, cfg.Search.MaxResultsLimit, "maxResults")
	if err != nil {
		return search.Request{}, err
	}
	timeoutSecs, err := intParam(q.Get("requestTimeoutSecs"), cfg.Search.TimeoutSecsDefault, 1, cfg.Search.TimeoutSecsLimit, "requestTimeoutSecs")
	if err != nil {
		return search.Request{}, err
	}

	formats, err := parseFormats(q.Get("outputFormats"))
	if err != nil {
		return search.Request{}, err
	}

	maxConcurrency, err := intParam(q.Get("maxConcurrency"), cfg.Pool.MaxConcurrencyDefault, 1, cfg.Pool.MaxConcurrencyLimit, "maxConcurrency")
	if err != nil {
		return search.Request{}, err
	}
	maxRetries, err := intParam(q.Get("maxRetries"), cfg.Pool.MaxRetriesDefault, 0, 5, "maxRetries")
	if err != nil {
		return search.Request{}, err
	}
	pageTimeoutSecs, err := intParam(q.Get("pageTimeoutSecs"), cfg.Pool.PageTimeoutSecsDefault, 1, cfg.Search.TimeoutSecsLimit, "pageTimeoutSecs")
	if err != nil {
		return search.Request{}, err
	}
	renderWaitSecs, err := intParam(q.Get("renderWaitSecs"), cfg.Pool.RenderWaitSecsDefault, 0, 30, "renderWaitSecs")
	if err != nil {
		return search.Request{}, err
	}

	proxyGroup := strings.TrimSpace(q.Get("proxyGroup"))
	if proxyGroup != "" {
		if _, ok := cfg.Discovery.ProxyGroupURLs[proxyGroup]; !ok {
			return search.Request{}, search.NewInputError(fmt.Sprintf("unknown proxyGroup %q", proxyGroup))
		}
	}

	removeCookies, err := boolParam(q.Get("removeCookieWarnings"), true, "removeCookieWarnings")
	if err != nil {
		return search.Request{}, err
	}
	debug, err := boolParam(q.Get("debug"), false, "debug")
	if err != nil {
		return search.Request{}, err
	}

	return search.Request{
		Input:       input,
		IsDirectURL: isDirect,
		MaxResults:  maxResults,
		Timeout:     time.Duration(timeoutSecs) * time.Second,
		Pool: search.PoolConfig{
			MaxConcurrency:      maxConcurrency,
			MaxRetries:          maxRetries,
			PageTimeout:         time.Duration(pageTimeoutSecs) * time.Second,
			RenderWait:          time.Duration(renderWaitSecs) * time.Second,
			ProxyGroup:          proxyGroup,
			OutputFormats:       formats,
			RemoveCookieBanners: removeCookies,
			Debug:               debug,
		},
	}, nil
}

func parseFormats(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{search.FormatMarkdown}, nil
	}
	var formats []string
	for _, part := range strings.Split(raw, ",") {
		format := strings.ToLower(strings.TrimSpace(part))
		if format == "" {
			continue
		}
		if !slices.Contains(knownFormats, format) {
			return nil, search.NewInputError(fmt.Sprintf("unknown output format %q", format))
		}
		if !slices.Contains(formats, format) {
			formats = append(formats, format)
		}
	}
	if len(formats) == 0 {
		return nil, search.NewInputError("outputFormats must name at least one format")
	}
	return formats, nil
}

func intParam(raw string, def, min, max int, name string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, search.NewInputError(fmt.Sprintf("%s must be an integer", name))
	}
	if v < min || v > max {
		return 0, search.NewInputError(fmt.Sprintf("%s must be between %d and %d", name, min, max))
	}
	return v, nil
}

func boolParam(raw string, def bool, name string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, search.NewInputError(fmt.Sprintf("%s must be a boolean", name))
	}
	return v, nil
}
