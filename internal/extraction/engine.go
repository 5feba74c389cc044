// Package extraction implements the browser-based content extraction engine.
package extraction

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Config controls the behavior of the extraction engine. Concurrency is
// bounded by the worker pool the engine runs on, not by the engine itself.
type Config struct {
	UserAgent           string
	PageTimeout         time.Duration
	RenderWait          time.Duration
	RemoveCookieBanners bool
	OutputFormats       []string
	MaxRetries          int
	ProxyURL            string
}

// Engine implements search.ExtractionEngine using chromedp and headless
// Chrome. One engine owns one browser allocator; pages run in throwaway tab
// contexts.
type Engine struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	retry       *search.RetryPolicy
	logger      *zap.Logger
}

// New creates an Engine with its own exec allocator.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	if len(cfg.OutputFormats) == 0 {
		cfg.OutputFormats = []string{search.FormatMarkdown}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Engine{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		retry:       search.NewRetryPolicy(cfg.MaxRetries + 1),
		logger:      logger,
	}, nil
}

// Close cancels the allocator context and its browser processes.
func (e *Engine) Close() {
	e.allocCancel()
}

// Run navigates to url, waits for the page to render, and returns the
// content converted to the configured output formats.
func (e *Engine) Run(ctx context.Context, url string) (search.ExtractionResult, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := e.runOnce(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt) {
			break
		}
		e.logger.Warn("extraction retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if waitErr := e.retry.Wait(ctx, attempt); waitErr != nil {
			return search.ExtractionResult{}, fmt.Errorf("extraction retry wait: %w", waitErr)
		}
	}
	return search.ExtractionResult{}, lastErr
}

func (e *Engine) runOnce(ctx context.Context, url string) (search.ExtractionResult, error) {
	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.PageTimeout)
	defer cancel()

	// Respect the caller's context too: a drained job should not pin a tab.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := e.renderPage(taskCtx, url)
	if err != nil {
		return search.ExtractionResult{}, err
	}

	status, finalURL := meta.snapshotWithFallbacks(url, page.finalURL)
	if status >= http.StatusBadRequest {
		return search.ExtractionResult{}, &search.HTTPStatusError{StatusCode: status, URL: finalURL}
	}

	content, err := Convert(page.html, e.cfg.OutputFormats)
	if err != nil {
		return search.ExtractionResult{}, fmt.Errorf("convert content: %w", err)
	}

	return search.ExtractionResult{
		URL:        finalURL,
		HTTPStatus: status,
		Content:    content,
		Title:      page.title,
		RawHTML:    []byte(page.html),
		Duration:   time.Since(start),
	}, nil
}

type renderedPage struct {
	html     string
	title    string
	finalURL string
}

func (e *Engine) renderPage(ctx context.Context, url string) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		e.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if e.cfg.RenderWait > 0 {
		actions = append(actions, chromedp.Sleep(e.cfg.RenderWait))
	}
	if e.cfg.RemoveCookieBanners {
		actions = append(actions, chromedp.Evaluate(removeCookieBannersJS, nil))
	}
	actions = append(actions,
		chromedp.Location(&page.finalURL),
		chromedp.Title(&page.title),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (e *Engine) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// removeCookieBannersJS hides the most common consent overlays so converted
// text is not dominated by cookie boilerplate.
const removeCookieBannersJS = `(() => {
	const selectors = [
		'#onetrust-consent-sdk',
		'#CybotCookiebotDialog',
		'#usercentrics-root',
		'.cc-window',
		'[id^="sp_message_container"]',
		'[class*="cookie-banner"]',
		'[class*="cookie-consent"]',
		'[aria-label*="cookie" i]',
	];
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			el.remove();
		}
	}
	document.body.style.overflow = 'auto';
	return true;
})()`

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
