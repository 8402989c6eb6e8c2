package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"
	"venuecal/internal/httpx"
	"venuecal/internal/models"
)

type call struct {
	url  string
	mode Mode
}

// fakeFetcher answers from a table keyed by "mode url".
type fakeFetcher struct {
	pages map[string]*Page
	errs  map[string]error
	calls []call
}

func key(mode Mode, url string) string { return mode.String() + " " + url }

func (f *fakeFetcher) Fetch(_ context.Context, url string, mode Mode) (*Page, error) {
	f.calls = append(f.calls, call{url, mode})
	if err, ok := f.errs[key(mode, url)]; ok {
		return nil, err
	}
	if p, ok := f.pages[key(mode, url)]; ok {
		return p, nil
	}
	return nil, &httpx.HTTPError{Method: "GET", URL: url, StatusCode: http.StatusNotFound}
}

func richPage(url string) *Page {
	return &Page{URL: url, StatusCode: 200, Text: strings.Repeat("Live music tonight. ", 40)}
}

func newTestPlanner(f Fetcher) *Planner {
	return NewPlanner(slog.New(slog.NewTextHandler(io.Discard, nil)), f, PlannerConfig{})
}

func venue(url string, browser *bool) models.VenueTarget {
	return models.VenueTarget{Name: "Blue Room", URL: url, RequiresBrowser: browser}
}

func TestPlannerConfiguredURLIsSoleAttempt(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{key(Static, "https://blue.example/music"): richPage("x")}}
	res, err := newTestPlanner(f).Fetch(context.Background(), venue("https://blue.example/music", nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || len(res.Attempts) != 1 {
		t.Errorf("expected a single attempt, got %v", f.calls)
	}
}

func TestPlannerFallbackOrder(t *testing.T) {
	p := newTestPlanner(&fakeFetcher{})
	got := p.Attempts(venue("https://blue.example/old-page", nil))
	want := []string{
		"https://blue.example/old-page",
		"https://blue.example/events",
		"https://blue.example/calendar",
		"https://blue.example/shows",
		"https://blue.example/schedule",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Attempts = %v, want %v", got, want)
	}

	// The configured URL is not fetched twice.
	got = p.Attempts(venue("https://blue.example/events/", nil))
	if len(got) != 4 || got[1] != "https://blue.example/calendar" {
		t.Errorf("Attempts = %v", got)
	}
}

func TestPlannerStopsAtFirstFallbackSuccess(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{key(Static, "https://blue.example/shows"): richPage("x")}}
	res, err := newTestPlanner(f).Fetch(context.Background(), venue("https://blue.example/old", nil))
	if err != nil {
		t.Fatal(err)
	}
	var urls []string
	for _, c := range f.calls {
		urls = append(urls, c.url)
	}
	want := "https://blue.example/old,https://blue.example/events,https://blue.example/calendar,https://blue.example/shows"
	if strings.Join(urls, ",") != want {
		t.Errorf("calls = %v", urls)
	}
	if res.Page.URL != "x" {
		t.Errorf("unexpected page %+v", res.Page)
	}
}

func TestPlannerExhaustsBeforeFailing(t *testing.T) {
	f := &fakeFetcher{}
	_, err := newTestPlanner(f).Fetch(context.Background(), venue("https://blue.example/old", nil))
	var ferr *FetchFailedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FetchFailedError, got %v", err)
	}
	if len(ferr.Attempts) != 5 || len(f.calls) != 5 {
		t.Errorf("expected 5 attempts, got %d", len(ferr.Attempts))
	}
}

func TestPlannerNoProbingOnServerError(t *testing.T) {
	target := "https://blue.example/music"
	f := &fakeFetcher{errs: map[string]error{key(Static, target): &httpx.HTTPError{StatusCode: 500}}}
	_, err := newTestPlanner(f).Fetch(context.Background(), venue(target, nil))
	var ferr *FetchFailedError
	if !errors.As(err, &ferr) || len(f.calls) != 1 {
		t.Fatalf("expected single failed attempt, got %v after %d calls", err, len(f.calls))
	}
}

func TestPlannerShellRetriesInBrowserOnce(t *testing.T) {
	target := "https://spa.example/"
	shell := &Page{URL: target, StatusCode: 200, Text: "Loading..."}

	t.Run("browser succeeds", func(t *testing.T) {
		f := &fakeFetcher{pages: map[string]*Page{
			key(Static, target):  shell,
			key(Browser, target): richPage(target),
		}}
		res, err := newTestPlanner(f).Fetch(context.Background(), venue(target, nil))
		if err != nil {
			t.Fatal(err)
		}
		if len(f.calls) != 2 || f.calls[1] != (call{target, Browser}) {
			t.Errorf("calls = %v", f.calls)
		}
		if len(res.Attempts) != 2 {
			t.Errorf("attempts = %v", res.Attempts)
		}
	})

	t.Run("browser also shell gives up", func(t *testing.T) {
		f := &fakeFetcher{pages: map[string]*Page{
			key(Static, target):  shell,
			key(Browser, target): shell,
		}}
		_, err := newTestPlanner(f).Fetch(context.Background(), venue(target, nil))
		var ferr *FetchFailedError
		if !errors.As(err, &ferr) {
			t.Fatalf("expected FetchFailedError, got %v", err)
		}
		if len(f.calls) != 2 {
			t.Errorf("expected no probing after the browser retry, calls = %v", f.calls)
		}
	})

	t.Run("looks empty flag", func(t *testing.T) {
		page := richPage(target)
		page.LooksEmpty = true
		f := &fakeFetcher{pages: map[string]*Page{key(Static, target): page}}
		_, _ = newTestPlanner(f).Fetch(context.Background(), venue(target, nil))
		if len(f.calls) != 2 || f.calls[1].mode != Browser {
			t.Errorf("calls = %v", f.calls)
		}
	})
}

func TestPlannerRequiresBrowser(t *testing.T) {
	yes := true
	f := &fakeFetcher{pages: map[string]*Page{key(Browser, "https://blue.example/calendar"): richPage("x")}}
	_, err := newTestPlanner(f).Fetch(context.Background(), venue("https://blue.example/old", &yes))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range f.calls {
		if c.mode != Browser {
			t.Errorf("attempt %v was not browser-rendered", c)
		}
	}
}

func TestPlannerThresholdIsConfigurable(t *testing.T) {
	target := "https://blue.example/"
	f := &fakeFetcher{pages: map[string]*Page{key(Static, target): {URL: target, Text: "Jazz Fri 8pm"}}}
	p := NewPlanner(slog.New(slog.NewTextHandler(io.Discard, nil)), f, PlannerConfig{ShellThreshold: 5})
	if _, err := p.Fetch(context.Background(), venue(target, nil)); err != nil {
		t.Fatalf("short page should pass a low threshold: %v", err)
	}
}

func TestRouterWithoutBrowser(t *testing.T) {
	r := Router{Static: &fakeFetcher{}}
	if _, err := r.Fetch(context.Background(), "https://x", Browser); !errors.Is(err, ErrNoBrowser) {
		t.Fatalf("expected ErrNoBrowser, got %v", err)
	}
}

func TestStaticFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != httpx.UserAgent {
			t.Errorf("missing user agent")
		}
		switch r.URL.Path {
		case "/events":
			io.WriteString(w, `<html><body><h1>Shows</h1><p>Summer Fest <a href="/t/1">Tickets</a></p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewStaticFetcher(slog.New(slog.NewTextHandler(io.Discard, nil)), srv.Client(), httpx.RetryConfig{MaxAttempts: 1})
	page, err := f.Fetch(context.Background(), srv.URL+"/events", Static)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page.Text, "Summer Fest") || !strings.Contains(page.Text, "Tickets (/t/1)") {
		t.Errorf("unexpected text %q", page.Text)
	}

	_, err = f.Fetch(context.Background(), srv.URL+"/missing", Static)
	if !isNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestBrowserStatusError(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNoContent, http.StatusFound} {
		if err := statusError("https://x", status); err != nil {
			t.Errorf("status %d: unexpected error %v", status, err)
		}
	}
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		if err := statusError("https://x", status); !isNotFound(err) {
			t.Errorf("status %d: expected not-found error, got %v", status, err)
		}
	}
	err := statusError("https://x", http.StatusBadGateway)
	if isNotFound(err) || httpx.StatusCode(err) != http.StatusBadGateway {
		t.Errorf("502: got %v", err)
	}
}

func TestBrowserFetcherReportsNotFound(t *testing.T) {
	found := false
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			found = true
			break
		}
	}
	if !found {
		t.Skip("no Chrome binary on PATH")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			io.WriteString(w, `<html><body><p>Summer Fest</p></body></html>`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `<html><body><h1>Page not found</h1></body></html>`)
	}))
	defer srv.Close()

	f := NewBrowserFetcher(slog.New(slog.NewTextHandler(io.Discard, nil)), 20*time.Second)
	f.settle = 0
	if _, err := f.Fetch(context.Background(), srv.URL+"/old", Browser); !isNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	page, err := f.Fetch(context.Background(), srv.URL+"/events", Browser)
	if err != nil {
		t.Fatal(err)
	}
	if page.StatusCode != http.StatusOK || !strings.Contains(page.Text, "Summer Fest") {
		t.Errorf("page = %+v", page)
	}
}

func TestHTMLToText(t *testing.T) {
	text, empty, err := HTMLToText(`<html><head><style>p{}</style></head><body>
		<div id="root"></div><script>render()</script><noscript>Enable JS</noscript></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if text != "" || !empty {
		t.Errorf("got text %q empty %v", text, empty)
	}

	text, empty, _ = HTMLToText(`<body><ul><li>June 13   Summer Fest</li><li>June 14</li></ul></body>`)
	if text != "June 13 Summer Fest\nJune 14" || empty {
		t.Errorf("got %q", text)
	}
}
