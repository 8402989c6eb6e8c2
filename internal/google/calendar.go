// Package google writes events to a Google calendar through the Calendar API.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"venuecal/internal/calendar"
	"venuecal/internal/models"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	sinkName = "google"
	// idProperty is the private extended property holding the venuecal event ID.
	idProperty = "venuecal_id"
)

// Config configures the Google sink.
type Config struct {
	CalendarID   string
	ClientID     string
	ClientSecret string
	TokenFile    string
	// Location is the zone event times are written in. Nil uses the local zone.
	Location *time.Location
}

// CalendarClient is a calendar.Sink backed by the Google Calendar API.
type CalendarClient struct {
	service    *gcal.Service
	calendarID string
	loc        *time.Location
	logger     *slog.Logger
}

// NewClient creates a new Google Calendar client from the token saved by the
// auth command.
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config) (*CalendarClient, error) {
	config, err := getOAuthConfig(cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	if cfg.TokenFile == "" {
		cfg.TokenFile = DefaultTokenFile
	}
	token, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token from %s: %w. Please run the 'auth' command first", cfg.TokenFile, err)
	}

	return newClient(ctx, logger, cfg, option.WithHTTPClient(config.Client(ctx, token)))
}

func newClient(ctx context.Context, logger *slog.Logger, cfg Config, opts ...option.ClientOption) (*CalendarClient, error) {
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &CalendarClient{service: service, calendarID: cfg.CalendarID, loc: loc, logger: logger}, nil
}

func (c *CalendarClient) Name() string { return sinkName }

// Upsert writes the event under an ID derived from the venuecal ID, updating
// it when it already exists.
func (c *CalendarClient) Upsert(ctx context.Context, ev *models.Event) (calendar.Outcome, error) {
	if err := calendar.Validate(ev); err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Malformed, err)
	}
	gid := googleID(ev.ID)
	item := c.toGoogle(ev)

	_, err := c.service.Events.Get(c.calendarID, gid).Context(ctx).Do()
	switch {
	case err == nil:
		c.logger.Debug("Updating Google event", "eventTitle", ev.Title, "id", gid)
		_, err = c.service.Events.Update(c.calendarID, gid, item).Context(ctx).Do()
	case statusOf(err) == http.StatusNotFound:
		c.logger.Debug("Inserting Google event", "eventTitle", ev.Title, "id", gid)
		item.Id = gid
		_, err = c.service.Events.Insert(c.calendarID, item).Context(ctx).Do()
	}
	if err != nil {
		return calendar.Written, classify(err)
	}
	return calendar.Written, nil
}

// ListInRange returns the events on the calendar overlapping [start, end).
func (c *CalendarClient) ListInRange(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	var out []*models.Event
	call := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(calendar.Place(start, c.loc).Format(time.RFC3339)).
		TimeMax(calendar.Place(end, c.loc).Format(time.RFC3339))
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if ev := c.toInternal(item); ev != nil {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to retrieve events: %w", err))
	}
	c.logger.Debug("Fetched events from Google Calendar", "count", len(out), "calendarID", c.calendarID)
	return out, nil
}

// ListCalendars returns "id (summary)" for every calendar the account can see.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	var calendars []string
	for _, item := range list.Items {
		calendars = append(calendars, fmt.Sprintf("%s (%s)", item.Id, item.Summary))
	}
	return calendars, nil
}

// googleID maps a venuecal ID onto Google's base32hex event ID alphabet.
func googleID(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}

func (c *CalendarClient) toGoogle(ev *models.Event) *gcal.Event {
	item := &gcal.Event{
		Summary:     ev.Title,
		Location:    calendar.Location(ev),
		Description: calendar.Description(ev),
		Status:      "confirmed",
		ICalUID:     calendar.UID(ev.ID),
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{idProperty: ev.ID},
		},
	}
	if ev.AllDay {
		item.Start = &gcal.EventDateTime{Date: ev.StartDate.Format(models.DateLayout)}
		item.End = &gcal.EventDateTime{Date: ev.EndDate.AddDate(0, 0, 1).Format(models.DateLayout)}
		return item
	}
	item.Start = c.dateTime(ev.Start)
	item.End = c.dateTime(ev.End)
	return item
}

func (c *CalendarClient) dateTime(t time.Time) *gcal.EventDateTime {
	edt := &gcal.EventDateTime{DateTime: calendar.Place(t, c.loc).Format(time.RFC3339)}
	if c.loc != time.Local {
		edt.TimeZone = c.loc.String()
	}
	return edt
}

// toInternal converts a Google event to the fields used for presence checks.
// Events created elsewhere keep an empty ID.
func (c *CalendarClient) toInternal(item *gcal.Event) *models.Event {
	if item.Start == nil || item.End == nil {
		return nil
	}
	ev := &models.Event{Title: item.Summary}
	ev.VenueName, ev.VenueLocation = calendar.SplitLocation(item.Location)
	if item.ExtendedProperties != nil {
		ev.ID = item.ExtendedProperties.Private[idProperty]
	}

	if item.Start.Date != "" {
		start, err := time.Parse(models.DateLayout, item.Start.Date)
		if err != nil {
			return nil
		}
		end, err := time.Parse(models.DateLayout, item.End.Date)
		if err != nil || !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		ev.AllDay = true
		ev.StartDate = start
		ev.EndDate = end.AddDate(0, 0, -1)
		return ev
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return nil
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		end = start
	}
	start, end = start.In(c.loc), end.In(c.loc)
	ev.Start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), 0, 0, time.UTC)
	ev.End = time.Date(end.Year(), end.Month(), end.Day(), end.Hour(), end.Minute(), 0, 0, time.UTC)
	ev.StartDate = models.DateOf(ev.Start)
	ev.EndDate = models.DateOf(ev.End)
	ev.Duration = ev.End.Sub(ev.Start)
	return ev
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify maps API failures onto sink error kinds. Rate limiting reported
// as 403 stays transient.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return calendar.NewError(sinkName, calendar.Transient, err)
	}
	switch code := gerr.Code; {
	case code == http.StatusForbidden && rateLimited(gerr):
		return calendar.NewError(sinkName, calendar.Transient, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return calendar.NewError(sinkName, calendar.PermissionDenied, err)
	case code == http.StatusTooManyRequests || code >= 500:
		return calendar.NewError(sinkName, calendar.Transient, err)
	case code == http.StatusBadRequest || code == http.StatusConflict:
		return calendar.NewError(sinkName, calendar.Malformed, err)
	default:
		return calendar.NewError(sinkName, calendar.Transient, err)
	}
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
