// Package icsfile keeps events in a single iCalendar file that can be
// subscribed to or imported by any calendar application.
package icsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"venuecal/internal/calendar"
	"venuecal/internal/models"

	"github.com/emersion/go-ical"
)

const sinkName = "ics"

// Writer is a calendar.Sink that rewrites one .ics file per upsert.
type Writer struct {
	path   string
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New creates a Writer for <dir>/<calendarName>.ics.
func New(logger *slog.Logger, dir, calendarName string, loc *time.Location) (*Writer, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ics output dir: %w", err)
	}
	return &Writer{path: filepath.Join(dir, FileName(calendarName)), loc: loc, logger: logger, now: time.Now}, nil
}

// FileName turns a calendar name into a safe file name.
func FileName(calendarName string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		}
		return r
	}, strings.TrimSpace(calendarName))
	if name == "" {
		name = "venuecal"
	}
	return name + ".ics"
}

func (w *Writer) Name() string { return sinkName }

// Path is the file the writer maintains.
func (w *Writer) Path() string { return w.path }

// Upsert replaces the VEVENT with the event's UID, or appends one.
func (w *Writer) Upsert(_ context.Context, ev *models.Event) (calendar.Outcome, error) {
	if err := calendar.Validate(ev); err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Malformed, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cal, err := w.load()
	if err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Transient, err)
	}

	uid := calendar.UID(ev.ID)
	vevent := calendar.BuildVEvent(ev, w.loc, w.now())
	replaced := false
	for i, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if got, _ := child.Props.Text(ical.PropUID); got == uid {
			cal.Children[i] = vevent
			replaced = true
			break
		}
	}
	if !replaced {
		cal.Children = append(cal.Children, vevent)
	}

	if err := writeFile(w.path, cal); err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Transient, err)
	}
	w.logger.Debug("Wrote event to ics file", "eventTitle", ev.Title, "path", w.path, "replaced", replaced)
	return calendar.Written, nil
}

// ListInRange reads back the events in the file whose dates overlap [start, end).
func (w *Writer) ListInRange(_ context.Context, start, end time.Time) ([]*models.Event, error) {
	w.mu.Lock()
	cal, err := w.load()
	w.mu.Unlock()
	if err != nil {
		return nil, calendar.NewError(sinkName, calendar.Transient, err)
	}

	var out []*models.Event
	for _, ve := range cal.Events() {
		ev, err := calendar.EventFromVEvent(&ve, w.loc)
		if err != nil {
			w.logger.Debug("Skipping unreadable VEVENT", "path", w.path, "error", err)
			continue
		}
		if ev.StartDate.Before(end) && !ev.EndDate.Before(models.DateOf(start)) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (w *Writer) load() (*ical.Calendar, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return calendar.NewCalendar(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.path, err)
	}
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if errors.Is(err, io.EOF) {
		return calendar.NewCalendar(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", w.path, err)
	}
	return cal, nil
}

// Export writes events to path as a fresh calendar, replacing the file.
func Export(path string, events []*models.Event, loc *time.Location, stamp time.Time) error {
	if len(events) == 0 {
		return errors.New("no events to export")
	}
	cal := calendar.NewCalendar()
	for _, ev := range events {
		if err := calendar.Validate(ev); err != nil {
			return fmt.Errorf("event %q: %w", ev.Title, err)
		}
		cal.Children = append(cal.Children, calendar.BuildVEvent(ev, loc, stamp))
	}
	return writeFile(path, cal)
}

// writeFile encodes cal to a temp file next to path and renames it into place.
func writeFile(path string, cal *ical.Calendar) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".venuecal-*.ics.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
