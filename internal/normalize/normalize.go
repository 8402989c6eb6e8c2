// Package normalize validates extracted event candidates and turns them
// into canonical events.
package normalize

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"venuecal/internal/models"
)

// Reason classifies why a candidate was rejected.
type Reason string

const (
	MissingField    Reason = "MissingField"
	UnparseableDate Reason = "UnparseableDate"
	UnparseableTime Reason = "UnparseableTime"
)

// DefaultDurationHours is used when no duration is configured.
const DefaultDurationHours = 3

// Rejection describes a candidate that failed validation.
type Rejection struct {
	Reason    Reason
	Field     string
	Value     string
	Candidate models.EventCandidate
}

func (r *Rejection) Error() string {
	if r.Value != "" {
		return fmt.Sprintf("%s: %s=%q", r.Reason, r.Field, r.Value)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Field)
}

var timeLayouts = []string{"15:04", "15:04:05", "3:04PM", "3:04 PM", "3PM", "3 PM"}

// Normalizer validates candidates.
type Normalizer struct {
	logger          *slog.Logger
	defaultDuration time.Duration
}

// New creates a Normalizer. durationHours <= 0 selects DefaultDurationHours.
func New(logger *slog.Logger, durationHours int) *Normalizer {
	if durationHours <= 0 {
		durationHours = DefaultDurationHours
	}
	return &Normalizer{
		logger:          logger,
		defaultDuration: time.Duration(durationHours) * time.Hour,
	}
}

// NormalizeAll validates every candidate. Rejections are logged once each
// and returned alongside the accepted events, which keep input order.
func (n *Normalizer) NormalizeAll(candidates []models.EventCandidate) ([]*models.Event, []*Rejection) {
	events := make([]*models.Event, 0, len(candidates))
	var rejections []*Rejection
	for _, c := range candidates {
		ev, rej := n.Normalize(c)
		if rej != nil {
			n.logger.Warn("Rejected event candidate.", "reason", rej.Reason, "field", rej.Field, "title", c.Title, "venue", c.VenueName)
			rejections = append(rejections, rej)
			continue
		}
		events = append(events, ev)
	}
	return events, rejections
}

// Normalize validates a single candidate.
func (n *Normalizer) Normalize(c models.EventCandidate) (*models.Event, *Rejection) {
	reject := func(reason Reason, field, value string) (*models.Event, *Rejection) {
		return nil, &Rejection{Reason: reason, Field: field, Value: value, Candidate: c}
	}

	title := cleanText(c.Title)
	if title == "" {
		return reject(MissingField, "title", "")
	}
	venue := cleanText(c.VenueName)
	if venue == "" {
		return reject(MissingField, "venue_name", "")
	}
	rawDate := cleanText(c.Date)
	if rawDate == "" {
		return reject(MissingField, "date", "")
	}
	date, ok := parseDate(rawDate)
	if !ok {
		return reject(UnparseableDate, "date", rawDate)
	}

	start, err := parseClock(c.StartTime)
	if err != nil {
		return reject(UnparseableTime, "start_time", c.StartTime)
	}
	doors, err := parseClock(c.DoorsTime)
	if err != nil {
		return reject(UnparseableTime, "doors_time", c.DoorsTime)
	}
	end, err := parseClock(c.EndTime)
	if err != nil {
		return reject(UnparseableTime, "end_time", c.EndTime)
	}

	ev := &models.Event{
		Title:         title,
		VenueName:     venue,
		VenueLocation: cleanText(c.VenueLocation),
		Artists:       cleanList(c.Artists),
		Price:         cleanText(c.Price),
		TicketURL:     cleanText(c.TicketURL),
		Description:   cleanText(c.Description),
		StartDate:     date,
		EndDate:       date,
		Duration:      n.defaultDuration,
	}
	if doors != nil {
		d := at(date, *doors)
		ev.Doors = &d
	}
	if start == nil {
		start = doors
	}

	if start == nil {
		ev.AllDay = true
	} else {
		ev.Start = at(date, *start)
		if end != nil {
			ev.End = at(date, *end)
			if !ev.End.After(ev.Start) {
				ev.End = ev.End.AddDate(0, 0, 1)
			}
			ev.Duration = ev.End.Sub(ev.Start)
		} else {
			ev.End = ev.Start.Add(n.defaultDuration)
		}
	}

	ev.ID = models.EventID(ev.Key())
	return ev, nil
}

func parseDate(s string) (time.Time, bool) {
	if d, err := time.Parse(models.DateLayout, s); err == nil {
		return d, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return models.DateOf(t), true
	}
	return time.Time{}, false
}

// parseClock returns nil for an empty value.
func parseClock(s string) (*time.Time, error) {
	s = strings.ToUpper(cleanText(s))
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}

func at(date, clock time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
}

// cleanText drops control characters, trims and collapses whitespace.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = cleanText(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Candidate converts an event back to its candidate form.
func Candidate(ev *models.Event) models.EventCandidate {
	c := models.EventCandidate{
		Title:         ev.Title,
		Date:          ev.StartDate.Format(models.DateLayout),
		Artists:       ev.Artists,
		Price:         ev.Price,
		TicketURL:     ev.TicketURL,
		Description:   ev.Description,
		VenueName:     ev.VenueName,
		VenueLocation: ev.VenueLocation,
	}
	if !ev.AllDay {
		c.StartTime = ev.Start.Format("15:04:05")
		c.EndTime = ev.End.Format("15:04:05")
	}
	if ev.Doors != nil {
		c.DoorsTime = ev.Doors.Format("15:04:05")
	}
	return c
}
