// Package discovery implements the search-result discovery engine on top of
// a lightweight HTTP fetch of a SERP page.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Config controls SERP fetching.
type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	ProxyURL   string
}

// Engine implements search.DiscoveryEngine using a Colly collector against
// an HTML search endpoint.
type Engine struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         *search.RetryPolicy
	logger        *zap.Logger
}

// New builds an Engine. An empty BaseURL falls back to the DuckDuckGo HTML
// endpoint, which needs no API key.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.ProxyURL != "" {
		if err := c.SetProxy(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("set discovery proxy: %w", err)
		}
	}

	return &Engine{
		cfg:           cfg,
		baseCollector: c,
		retry:         search.NewRetryPolicy(cfg.MaxRetries + 1),
		logger:        logger,
	}, nil
}

// Run fetches one SERP for query and returns up to desiredCount ranked,
// deduplicated items. Transient fetch failures are retried with backoff.
func (e *Engine) Run(ctx context.Context, query string, desiredCount int) ([]search.DiscoveredItem, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		items, err := e.fetchOnce(ctx, query)
		if err == nil {
			if len(items) > desiredCount && desiredCount > 0 {
				items = items[:desiredCount]
			}
			return items, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt) {
			break
		}
		e.logger.Warn("discovery fetch retrying",
			zap.String("query", query),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if waitErr := e.retry.Wait(ctx, attempt); waitErr != nil {
			return nil, fmt.Errorf("discovery retry wait: %w", waitErr)
		}
	}
	return nil, fmt.Errorf("discovery fetch: %w", lastErr)
}

func (e *Engine) fetchOnce(ctx context.Context, query string) ([]search.DiscoveredItem, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := e.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = &search.HTTPStatusError{StatusCode: r.StatusCode, URL: r.Request.URL.String()}
			return
		}
		fetchErr = err
	})

	target := e.serpURL(query)
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("serp fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("serp visit: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("serp response: %w", fetchErr)
		}
	}
	return ParseResults(body)
}

func (e *Engine) serpURL(query string) string {
	values := url.Values{}
	values.Set("q", query)
	return e.cfg.BaseURL + "?" + values.Encode()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
