// Package pipeline runs venues through fetch, extraction, normalization,
// merging and deduplication, and writes what is new to the calendar.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"venuecal/internal/calendar"
	"venuecal/internal/dedup"
	"venuecal/internal/extract"
	"venuecal/internal/fetch"
	"venuecal/internal/httpx"
	"venuecal/internal/merge"
	"venuecal/internal/models"
	"venuecal/internal/normalize"
)

// ErrNoVenues is returned when a run has nothing to process.
var ErrNoVenues = errors.New("no venues configured")

// Planner fetches a venue's page. *fetch.Planner implements it.
type Planner interface {
	Fetch(ctx context.Context, venue models.VenueTarget) (*fetch.Result, error)
}

// Config tunes a pipeline.
type Config struct {
	RequestDelay   time.Duration
	ExtractTimeout time.Duration
	RetentionDays  int
	// SinkRetries is how many times a transient write failure is retried.
	SinkRetries    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Deps are the collaborators a pipeline drives.
type Deps struct {
	Venues     []models.VenueTarget
	Planner    Planner
	Extractor  extract.Extractor
	Normalizer *normalize.Normalizer
	Merger     *merge.Engine
	Store      dedup.Store
	Sink       calendar.Sink
	Metrics    *Metrics
}

// Options select what a single run does.
type Options struct {
	DryRun bool
	// Venues restricts the run to venues with these names (case-insensitive).
	Venues []string
	// RetryEmpty restricts the run to venues without any upcoming record.
	RetryEmpty bool
}

// Pipeline orchestrates runs. Venues are processed one at a time.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline with defaults filled in.
func New(logger *slog.Logger, deps Deps, cfg Config) *Pipeline {
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 3 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = dedup.DefaultRetentionDays
	}
	if cfg.SinkRetries < 0 {
		cfg.SinkRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// run carries state shared by the venues of one run.
type run struct {
	opts         Options
	summary      *Summary
	sinkDisabled bool
}

// Run processes the selected venues and returns the summary. Only a setup
// failure is returned as an error; per-venue and per-event failures are
// counted. A cancelled context ends the run between venues with
// Summary.Interrupted set.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	if len(p.deps.Venues) == 0 {
		return nil, ErrNoVenues
	}
	venues, err := p.selectVenues(ctx, opts)
	if err != nil {
		return nil, err
	}

	s := &Summary{Started: p.now(), DryRun: opts.DryRun}
	r := &run{opts: opts, summary: s}
	p.logger.Info("Starting run.", "venues", len(venues), "sink", p.deps.Sink.Name(), "dryRun", opts.DryRun)

	if !opts.DryRun {
		purged, err := p.deps.Store.Purge(ctx, p.cfg.RetentionDays, s.Started)
		if err != nil {
			p.logger.Warn("Failed to purge old dedup records.", "error", err)
		}
		s.Purged = purged
	}

	for i, venue := range venues {
		if ctx.Err() != nil {
			s.Interrupted = true
			break
		}
		if i > 0 && p.cfg.RequestDelay > 0 {
			if err := sleep(ctx, p.cfg.RequestDelay); err != nil {
				s.Interrupted = true
				break
			}
		}
		res := p.runVenue(ctx, r, venue)
		s.Venues = append(s.Venues, res)
		if res.Status == VenueInterrupted {
			s.Interrupted = true
			break
		}
	}

	s.SinkDisabled = r.sinkDisabled
	s.Finished = p.now()
	if p.deps.Metrics != nil {
		p.deps.Metrics.Observe(s)
	}
	s.Log(p.logger)
	return s, nil
}

func (p *Pipeline) selectVenues(ctx context.Context, opts Options) ([]models.VenueTarget, error) {
	venues := p.deps.Venues
	if len(opts.Venues) > 0 {
		want := make(map[string]bool, len(opts.Venues))
		for _, name := range opts.Venues {
			want[models.NormalizeText(name)] = true
		}
		var picked []models.VenueTarget
		for _, v := range venues {
			if want[models.NormalizeText(v.Name)] {
				picked = append(picked, v)
			}
		}
		if len(picked) == 0 {
			return nil, fmt.Errorf("no configured venue matches %s", strings.Join(opts.Venues, ", "))
		}
		venues = picked
	}

	if opts.RetryEmpty {
		records, err := p.deps.Store.Upcoming(ctx, models.DateOf(p.now()))
		if err != nil {
			return nil, fmt.Errorf("failed to read upcoming records: %w", err)
		}
		have := make(map[string]bool)
		for _, rec := range records {
			have[models.NormalizeText(rec.VenueName)] = true
		}
		var empty []models.VenueTarget
		for _, v := range venues {
			if !have[models.NormalizeText(v.Name)] {
				empty = append(empty, v)
			}
		}
		p.logger.Info("Retrying venues without upcoming events.", "venues", len(empty), "of", len(venues))
		venues = empty
	}
	return venues, nil
}

func (p *Pipeline) runVenue(ctx context.Context, r *run, venue models.VenueTarget) VenueResult {
	s := r.summary
	res := VenueResult{Name: venue.Name, Status: VenueOK}
	logger := p.logger.With("venue", venue.Name)

	fetched, err := p.deps.Planner.Fetch(ctx, venue)
	if err != nil {
		if ctx.Err() != nil {
			res.Status = VenueInterrupted
			return res
		}
		logger.Warn("Could not fetch venue page.", "error", err)
		s.FetchFailed++
		res.Status, res.Err = VenueFetchFailed, err.Error()
		return res
	}
	res.URL = fetched.Page.URL

	xctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	candidates, err := p.deps.Extractor.Extract(xctx, fetched.Page.Text, venue)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			res.Status = VenueInterrupted
			return res
		}
		logger.Warn("Could not extract events.", "error", err)
		s.ExtractionFailed++
		res.Status, res.Err = VenueExtractionFailed, err.Error()
		return res
	}
	res.Candidates = len(candidates)

	events, rejections := p.deps.Normalizer.NormalizeAll(candidates)
	s.Rejected += len(rejections)

	merged := p.deps.Merger.Merge(events)
	s.MergeConflicts += len(merged.Conflicts)
	s.Merged += merged.Merged
	logger.Info("Extracted events.", "url", res.URL, "candidates", len(candidates), "events", len(merged.Events), "rejected", len(rejections))

	existing := p.listExisting(ctx, r, logger, merged.Events)

	for _, ev := range merged.Events {
		if ctx.Err() != nil {
			res.Status = VenueInterrupted
			return res
		}
		if p.handleEvent(ctx, r, logger, existing, ev) {
			res.Added++
		}
	}
	return res
}

// handleEvent moves one event through dedup and the sink. It reports
// whether the event was added.
func (p *Pipeline) handleEvent(ctx context.Context, r *run, logger *slog.Logger, existing []*models.Event, ev *models.Event) bool {
	s := r.summary
	logger = logger.With("title", ev.Title, "date", ev.StartDate.Format(models.DateLayout))

	isNew, err := p.deps.Store.IsNew(ctx, ev)
	if err != nil {
		logger.Error("Dedup lookup failed.", "error", err)
		s.WriteFailed++
		return false
	}
	if !isNew {
		logger.Debug("Already recorded, skipping.")
		s.SkippedDuplicate++
		return false
	}

	if onCalendar(existing, ev) {
		logger.Info("Already on the calendar.")
		s.AlreadyOnCalendar++
		if !r.opts.DryRun {
			p.record(ctx, logger, ev)
		}
		return false
	}

	if r.opts.DryRun {
		logger.Info("[DRY RUN] Would add event.", "start", ev.Start, "allDay", ev.AllDay, "merged", ev.IsMerged)
		s.WouldAdd++
		return false
	}

	if r.sinkDisabled {
		s.WriteFailed++
		return false
	}

	outcome, err := p.upsert(ctx, ev)
	if err != nil {
		s.WriteFailed++
		if calendar.KindOf(err) == calendar.PermissionDenied {
			logger.Error("Calendar refused access, disabling writes for this run.", "error", err)
			r.sinkDisabled = true
			return false
		}
		logger.Error("Failed to write event.", "error", err)
		return false
	}

	p.record(ctx, logger, ev)
	if outcome == calendar.Skipped {
		s.AlreadyOnCalendar++
		return false
	}
	logger.Info("Added event.")
	s.Added++
	return true
}

// upsert writes ev, retrying transient failures with backoff.
func (p *Pipeline) upsert(ctx context.Context, ev *models.Event) (calendar.Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.SinkRetries; attempt++ {
		if attempt > 0 {
			if err := httpx.Backoff(ctx, attempt, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, 0); err != nil {
				return calendar.Written, err
			}
		}
		outcome, err := p.deps.Sink.Upsert(ctx, ev)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if calendar.KindOf(err) != calendar.Transient || ctx.Err() != nil {
			break
		}
		p.logger.Debug("Transient write failure, retrying.", "title", ev.Title, "attempt", attempt+1, "error", err)
	}
	return calendar.Written, lastErr
}

// record is only called once the calendar holds the event. A failure here
// means the next run writes the event again, which the sink tolerates.
func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, ev *models.Event) {
	if err := p.deps.Store.Record(ctx, ev); err != nil {
		logger.Error("Failed to record event.", "error", err)
	}
}

// listExisting asks a listing sink for what it already holds over the
// events' date span. Failures fall back to writing blindly.
func (p *Pipeline) listExisting(ctx context.Context, r *run, logger *slog.Logger, events []*models.Event) []*models.Event {
	lister, ok := p.deps.Sink.(calendar.Lister)
	if !ok || len(events) == 0 || r.sinkDisabled {
		return nil
	}
	start, end := events[0].StartDate, events[0].EndDate
	for _, ev := range events[1:] {
		if ev.StartDate.Before(start) {
			start = ev.StartDate
		}
		if ev.EndDate.After(end) {
			end = ev.EndDate
		}
	}
	existing, err := lister.ListInRange(ctx, start, end.AddDate(0, 0, 1))
	if err != nil {
		if calendar.KindOf(err) == calendar.PermissionDenied {
			logger.Error("Calendar refused access, disabling writes for this run.", "error", err)
			r.sinkDisabled = true
			return nil
		}
		logger.Warn("Could not list calendar events, writing blindly.", "error", err)
		return nil
	}
	return existing
}

// onCalendar matches by event ID, or by normalized title and start date for
// entries created by something else. An entry naming a venue must name the
// same one.
func onCalendar(existing []*models.Event, ev *models.Event) bool {
	title := models.NormalizeText(ev.Title)
	venue := models.NormalizeText(ev.VenueName)
	for _, e := range existing {
		if e.ID != "" && e.ID == ev.ID {
			return true
		}
		if !e.StartDate.Equal(ev.StartDate) || models.NormalizeText(e.Title) != title {
			continue
		}
		if e.VenueName == "" || models.NormalizeText(e.VenueName) == venue {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
