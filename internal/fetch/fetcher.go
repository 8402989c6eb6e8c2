package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"venuecal/internal/httpx"

	"github.com/chromedp/chromedp"
)

// Mode selects how a page is retrieved.
type Mode int

const (
	Static Mode = iota
	Browser
)

func (m Mode) String() string {
	if m == Browser {
		return "browser"
	}
	return "static"
}

// Page is the usable content of a fetched URL.
type Page struct {
	URL        string
	Mode       Mode
	StatusCode int
	Text       string
	// LooksEmpty is set when the fetcher saw an unrendered SPA mount point.
	LooksEmpty bool
}

// Fetcher retrieves a URL in the given mode. Non-2xx statuses are returned
// as *httpx.HTTPError.
type Fetcher interface {
	Fetch(ctx context.Context, url string, mode Mode) (*Page, error)
}

// ErrNoBrowser is returned when a browser fetch is requested but no browser
// fetcher is configured.
var ErrNoBrowser = errors.New("browser rendering is not available")

// Default fetch timeouts.
const (
	DefaultStaticTimeout  = 15 * time.Second
	DefaultBrowserTimeout = 30 * time.Second
)

// StaticFetcher retrieves pages with plain HTTP.
type StaticFetcher struct {
	client *http.Client
	retry  httpx.RetryConfig
	logger *slog.Logger
}

// NewStaticFetcher creates a StaticFetcher. A nil client gets a default
// client with DefaultStaticTimeout.
func NewStaticFetcher(logger *slog.Logger, client *http.Client, retry httpx.RetryConfig) *StaticFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultStaticTimeout}
	}
	return &StaticFetcher{client: client, retry: retry, logger: logger}
}

func (f *StaticFetcher) Fetch(ctx context.Context, url string, _ Mode) (*Page, error) {
	resp, body, err := httpx.DoWithRetry(ctx, f.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", httpx.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		return req, nil
	}, f.retry)
	if err != nil {
		return nil, err
	}

	text, empty, err := HTMLToText(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html from %s: %w", url, err)
	}
	f.logger.Debug("Fetched page.", "url", url, "status", resp.StatusCode, "chars", len(text))
	return &Page{URL: url, Mode: Static, StatusCode: resp.StatusCode, Text: text, LooksEmpty: empty}, nil
}

// BrowserFetcher renders pages in headless Chromium.
type BrowserFetcher struct {
	timeout time.Duration
	settle  time.Duration
	logger  *slog.Logger
}

// NewBrowserFetcher creates a BrowserFetcher. timeout bounds each page load.
func NewBrowserFetcher(logger *slog.Logger, timeout time.Duration) *BrowserFetcher {
	if timeout <= 0 {
		timeout = DefaultBrowserTimeout
	}
	return &BrowserFetcher{timeout: timeout, settle: time.Second, logger: logger}
}

func (f *BrowserFetcher) Fetch(parentCtx context.Context, url string, _ Mode) (*Page, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parentCtx,
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(httpx.UserAgent))...)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, f.timeout)
	defer timeoutCancel()

	resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("browser navigation to %s failed: %w", url, err)
	}
	status := http.StatusOK
	if resp != nil && resp.Status != 0 {
		status = int(resp.Status)
	}
	if err := statusError(url, status); err != nil {
		return nil, err
	}

	var html string
	tasks := chromedp.Tasks{
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Let client-side rendering finish.
		chromedp.Sleep(f.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("browser render of %s failed: %w", url, err)
	}

	text, empty, err := HTMLToText(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rendered html from %s: %w", url, err)
	}
	f.logger.Debug("Rendered page.", "url", url, "status", status, "chars", len(text))
	return &Page{URL: url, Mode: Browser, StatusCode: status, Text: text, LooksEmpty: empty}, nil
}

// statusError reports a document status of 400 or above the way the static
// fetcher does.
func statusError(url string, status int) error {
	if status < http.StatusBadRequest {
		return nil
	}
	return &httpx.HTTPError{Method: http.MethodGet, URL: url, StatusCode: status}
}

// Router dispatches each mode to its own Fetcher.
type Router struct {
	Static  Fetcher
	Browser Fetcher
}

func (r Router) Fetch(ctx context.Context, url string, mode Mode) (*Page, error) {
	if mode == Browser {
		if r.Browser == nil {
			return nil, ErrNoBrowser
		}
		return r.Browser.Fetch(ctx, url, mode)
	}
	return r.Static.Fetch(ctx, url, mode)
}
