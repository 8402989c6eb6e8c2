// Package caldav writes events to a CalDAV calendar (iCloud by default).
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"venuecal/internal/calendar"
	"venuecal/internal/httpx"
	"venuecal/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is iCloud's CalDAV endpoint.
	DefaultEndpoint = "https://caldav.icloud.com/"
	sinkName        = "caldav"
)

// Config configures the CalDAV sink.
type Config struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
	// CalendarPath skips discovery when set.
	CalendarPath string
	Timeout      time.Duration
	// Location is the zone DTSTART/DTEND are written in. Nil writes floating times.
	Location *time.Location
}

// statusError carries a classified HTTP status out of the transport.
type statusError struct {
	kind   calendar.Kind
	method string
	url    string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.method, e.url, e.code)
}

// customTransport adds Basic Auth and turns failure statuses the sink
// reacts to into classified errors.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", httpx.UserAgent)
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	var kind calendar.Kind
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = calendar.PermissionDenied
	case code == http.StatusTooManyRequests || code >= 500:
		kind = calendar.Transient
	case code == http.StatusBadRequest || code == http.StatusPreconditionFailed ||
		code == http.StatusUnsupportedMediaType || code == http.StatusUnprocessableEntity:
		kind = calendar.Malformed
	default:
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil, &statusError{kind: kind, method: req.Method, url: req.URL.Redacted(), code: resp.StatusCode}
}

// Client is a calendar.Sink backed by a CalDAV collection.
type Client struct {
	caldavClient *caldav.Client
	httpClient   *http.Client
	endpoint     *url.URL
	logger       *slog.Logger
	calendarPath string
	loc          *time.Location
	now          func() time.Time
}

// New connects to the server and, unless cfg.CalendarPath is set, discovers
// the calendar named cfg.CalendarName.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint %q: %w", cfg.Endpoint, err)
	}
	caldavClient, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &Client{
		caldavClient: caldavClient,
		httpClient:   httpClient,
		endpoint:     endpoint,
		logger:       logger,
		loc:          cfg.Location,
		now:          time.Now,
	}
	if cfg.CalendarPath != "" {
		c.calendarPath = cfg.CalendarPath
		return c, nil
	}

	logger.Info("Finding CalDAV calendar", "calendarName", cfg.CalendarName, "endpoint", cfg.Endpoint)
	c.calendarPath, err = c.findCalendar(ctx, cfg.CalendarName)
	if err != nil {
		return nil, classify(fmt.Errorf("could not find calendar '%s': %w", cfg.CalendarName, err))
	}
	logger.Info("Found CalDAV calendar", "path", c.calendarPath)
	return c, nil
}

func (c *Client) Name() string { return sinkName }

// Upsert PUTs the event at a path derived from its ID, replacing any
// earlier copy.
func (c *Client) Upsert(ctx context.Context, ev *models.Event) (calendar.Outcome, error) {
	if err := calendar.Validate(ev); err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Malformed, err)
	}

	cal := calendar.NewCalendar()
	cal.Children = append(cal.Children, calendar.BuildVEvent(ev, c.loc, c.now()))

	eventPath := c.objectPath(ev.ID)
	c.logger.Debug("Writing event to CalDAV", "eventTitle", ev.Title, "path", eventPath)
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, cal); err != nil {
		return calendar.Written, classify(fmt.Errorf("failed to put %s: %w", eventPath, err))
	}
	return calendar.Written, nil
}

// ListInRange runs a calendar-query for VEVENTs overlapping [start, end).
func (c *Client) ListInRange(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, Props: []string{
				ical.PropUID, ical.PropSummary, ical.PropLocation, ical.PropDateTimeStart, ical.PropDateTimeEnd,
			}}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start, End: end}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, classify(fmt.Errorf("calendar query failed: %w", err))
	}

	var out []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			ev, err := calendar.EventFromVEvent(&ve, c.loc)
			if err != nil {
				c.logger.Debug("Skipping unreadable calendar object", "path", obj.Path, "error", err)
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) objectPath(id string) string {
	return path.Join(c.calendarPath, id+".ics")
}

// findCalendar discovers the user's calendars and returns the path of the
// one with the matching name, creating it in the home set when missing.
func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	var names []string
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
		names = append(names, cal.Name)
	}
	c.logger.Info("Calendar not found, creating it", "calendarName", name, "existing", strings.Join(names, ", "))
	return c.makeCalendar(ctx, homeSetPath, name)
}

const mkcalendarBody = `<?xml version="1.0" encoding="utf-8"?>
<C:mkcalendar xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:set>
    <D:prop>
      <D:displayname>%s</D:displayname>
      <C:supported-calendar-component-set><C:comp name="VEVENT"/></C:supported-calendar-component-set>
    </D:prop>
  </D:set>
</C:mkcalendar>`

// makeCalendar issues MKCALENDAR for a VEVENT collection named name under
// homeSet. The collection path is stable for a given name.
func (c *Client) makeCalendar(ctx context.Context, homeSet, name string) (string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(name)); err != nil {
		return "", err
	}
	calPath := path.Join(homeSet, uuid.NewSHA1(uuid.NameSpaceURL, []byte("venuecal:"+name)).String()) + "/"
	target := c.endpoint.ResolveReference(&url.URL{Path: calPath})

	req, err := http.NewRequestWithContext(ctx, "MKCALENDAR", target.String(),
		strings.NewReader(fmt.Sprintf(mkcalendarBody, escaped.String())))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(fmt.Errorf("failed to create calendar '%s': %w", name, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", calendar.NewError(sinkName, calendar.Malformed,
			fmt.Errorf("MKCALENDAR %s: status %d", calPath, resp.StatusCode))
	}
	c.logger.Info("Created CalDAV calendar", "calendarName", name, "path", calPath)
	return calPath, nil
}

// classify maps transport and protocol failures onto the sink error kinds.
// Unrecognized failures, timeouts included, are transient.
func classify(err error) error {
	var serr *calendar.Error
	if errors.As(err, &serr) {
		return err
	}
	var st *statusError
	if errors.As(err, &st) {
		return calendar.NewError(sinkName, st.kind, err)
	}
	return calendar.NewError(sinkName, calendar.Transient, err)
}
