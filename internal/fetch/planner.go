// Package fetch decides how a venue page is retrieved and retrieves it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
	"venuecal/internal/httpx"
	"venuecal/internal/models"
)

// DefaultShellThreshold is the extracted-text length, in runes, below which
// a successful page is treated as an unrendered SPA shell. It is a tunable
// heuristic.
const DefaultShellThreshold = 500

// DefaultFallbackPaths are tried, in order, when the configured URL is not found.
var DefaultFallbackPaths = []string{"events", "calendar", "shows", "schedule"}

// Attempt is one URL/mode pair tried for a venue.
type Attempt struct {
	URL  string
	Mode Mode
	Err  error
}

// Result is a successful fetch together with every attempt it took.
type Result struct {
	Page     *Page
	Attempts []Attempt
}

// FetchFailedError reports that every attempt for a venue was exhausted.
type FetchFailedError struct {
	Venue    string
	Attempts []Attempt
}

func (e *FetchFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch failed for %s after %d attempts", e.Venue, len(e.Attempts))
	if n := len(e.Attempts); n > 0 {
		last := e.Attempts[n-1]
		fmt.Fprintf(&b, ": last %s %s: %v", last.Mode, last.URL, last.Err)
	}
	return b.String()
}

var errShell = errors.New("page looks like an unrendered script shell")

// PlannerConfig tunes the planner.
type PlannerConfig struct {
	ShellThreshold int
	FallbackPaths  []string
}

// Planner runs the fetch plan for a venue.
type Planner struct {
	fetcher   Fetcher
	threshold int
	fallbacks []string
	logger    *slog.Logger
}

// NewPlanner creates a Planner with defaults filled in.
func NewPlanner(logger *slog.Logger, fetcher Fetcher, cfg PlannerConfig) *Planner {
	if cfg.ShellThreshold <= 0 {
		cfg.ShellThreshold = DefaultShellThreshold
	}
	if cfg.FallbackPaths == nil {
		cfg.FallbackPaths = DefaultFallbackPaths
	}
	return &Planner{fetcher: fetcher, threshold: cfg.ShellThreshold, fallbacks: cfg.FallbackPaths, logger: logger}
}

// Attempts returns the candidate URLs for a venue in the order they are
// tried: the configured URL, then each fallback path on the site origin.
func (p *Planner) Attempts(venue models.VenueTarget) []string {
	urls := []string{venue.URL}
	u, err := url.Parse(venue.URL)
	if err != nil || u.Host == "" {
		return urls
	}
	origin := u.Scheme + "://" + u.Host
	seen := map[string]bool{strings.TrimSuffix(venue.URL, "/"): true}
	for _, path := range p.fallbacks {
		candidate := origin + "/" + strings.Trim(path, "/")
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		urls = append(urls, candidate)
	}
	return urls
}

// Fetch walks the plan until one attempt yields usable content. The
// configured URL succeeding is the only attempt; a not-found status tries
// the fallback paths; a shell page is retried once in the browser, after
// which the venue gives up. Every failure is a *FetchFailedError.
func (p *Planner) Fetch(ctx context.Context, venue models.VenueTarget) (*Result, error) {
	var attempts []Attempt
	fail := func() (*Result, error) {
		return nil, &FetchFailedError{Venue: venue.Name, Attempts: attempts}
	}

	mode := Static
	if venue.ForceBrowser() {
		mode = Browser
	}

	for i, target := range p.Attempts(venue) {
		if ctx.Err() != nil {
			attempts = append(attempts, Attempt{URL: target, Mode: mode, Err: ctx.Err()})
			return fail()
		}

		page, err := p.try(ctx, target, mode)
		attempts = append(attempts, Attempt{URL: target, Mode: mode, Err: err})
		if err == nil {
			return &Result{Page: page, Attempts: attempts}, nil
		}

		if errors.Is(err, errShell) && mode == Static {
			p.logger.Info("Static page looks like a script shell, retrying in browser.", "venue", venue.Name, "url", target)
			page, err = p.try(ctx, target, Browser)
			attempts = append(attempts, Attempt{URL: target, Mode: Browser, Err: err})
			if err == nil {
				return &Result{Page: page, Attempts: attempts}, nil
			}
			return fail()
		}

		// Only a missing configured page opens up the fallback paths.
		if i == 0 && !isNotFound(err) {
			return fail()
		}
		p.logger.Debug("Fetch attempt failed.", "venue", venue.Name, "url", target, "mode", mode, "error", err)
	}
	return fail()
}

func (p *Planner) try(ctx context.Context, target string, mode Mode) (*Page, error) {
	page, err := p.fetcher.Fetch(ctx, target, mode)
	if err != nil {
		return nil, err
	}
	if page.LooksEmpty || utf8.RuneCountInString(strings.TrimSpace(page.Text)) < p.threshold {
		return nil, errShell
	}
	return page, nil
}

func isNotFound(err error) bool {
	switch httpx.StatusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
