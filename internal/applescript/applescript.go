// Package applescript writes events to the macOS Calendar app through osascript.
//
// Event fields reach the script as argv items, never spliced into source.
package applescript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"venuecal/internal/calendar"
	"venuecal/internal/models"
)

const sinkName = "applescript"

// upsertScript creates the calendar when needed and adds the event unless
// one with the same summary already starts on the same day.
const upsertScript = `on makeDate(y, m, d, mins)
	set dt to current date
	set day of dt to 1
	set year of dt to y
	set month of dt to m
	set day of dt to d
	set time of dt to mins * 60
	return dt
end makeDate

on run argv
	set calName to item 1 of argv
	set evTitle to item 2 of argv
	set isAllDay to (item 3 of argv) is "1"
	set startDate to my makeDate((item 4 of argv) as integer, (item 5 of argv) as integer, (item 6 of argv) as integer, (item 7 of argv) as integer)
	set endDate to my makeDate((item 8 of argv) as integer, (item 9 of argv) as integer, (item 10 of argv) as integer, (item 11 of argv) as integer)
	set evLocation to item 12 of argv
	set evNotes to item 13 of argv
	set evURL to item 14 of argv
	set dayStart to my makeDate((item 4 of argv) as integer, (item 5 of argv) as integer, (item 6 of argv) as integer, 0)
	set dayEnd to dayStart + (1 * days)

	tell application "Calendar"
		if not (exists calendar calName) then
			make new calendar with properties {name:calName}
		end if
		set cal to calendar calName
		set existing to (every event of cal whose summary is evTitle and start date is greater than or equal to dayStart and start date is less than dayEnd)
		if (count of existing) > 0 then
			return "skipped"
		end if
		set ev to make new event at end of events of cal with properties {summary:evTitle, start date:startDate, end date:endDate, allday event:isAllDay, location:evLocation, description:evNotes}
		if evURL is not "" then
			set url of ev to evURL
		end if
	end tell
	return "written"
end run`

// Runner executes an AppleScript with arguments and returns its stdout.
type Runner interface {
	Run(ctx context.Context, script string, args ...string) (string, error)
}

// ScriptError is a failed osascript invocation.
type ScriptError struct {
	Stderr string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("osascript failed: %v: %s", e.Err, strings.TrimSpace(e.Stderr))
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ExecRunner runs scripts with /usr/bin/osascript, feeding the source on stdin.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, script string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", append([]string{"-"}, args...)...)
	cmd.Stdin = strings.NewReader(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &ScriptError{Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Client is a calendar.Sink for the macOS Calendar app. It has no listing
// capability.
type Client struct {
	runner       Runner
	calendarName string
	logger       *slog.Logger
}

// New creates a Client. A nil runner uses ExecRunner.
func New(logger *slog.Logger, calendarName string, runner Runner) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{runner: runner, calendarName: calendarName, logger: logger}
}

func (c *Client) Name() string { return sinkName }

func (c *Client) Upsert(ctx context.Context, ev *models.Event) (calendar.Outcome, error) {
	if err := calendar.Validate(ev); err != nil {
		return calendar.Written, calendar.NewError(sinkName, calendar.Malformed, err)
	}

	out, err := c.runner.Run(ctx, upsertScript, c.args(ev)...)
	if err != nil {
		return calendar.Written, classify(err)
	}
	switch out {
	case "skipped":
		c.logger.Debug("Calendar already has event", "eventTitle", ev.Title)
		return calendar.Skipped, nil
	case "written":
		return calendar.Written, nil
	default:
		return calendar.Written, calendar.NewError(sinkName, calendar.Transient, fmt.Errorf("unexpected osascript output %q", out))
	}
}

func (c *Client) args(ev *models.Event) []string {
	allDay := "0"
	start, end := ev.Start, ev.End
	if ev.AllDay {
		allDay = "1"
		start = ev.StartDate
		end = ev.EndDate.AddDate(0, 0, 1)
	}
	args := []string{c.calendarName, ev.Title, allDay}
	for _, t := range []struct{ y, m, d, mins int }{
		{start.Year(), int(start.Month()), start.Day(), start.Hour()*60 + start.Minute()},
		{end.Year(), int(end.Month()), end.Day(), end.Hour()*60 + end.Minute()},
	} {
		args = append(args, strconv.Itoa(t.y), strconv.Itoa(t.m), strconv.Itoa(t.d), strconv.Itoa(t.mins))
	}
	return append(args, calendar.Location(ev), calendar.Description(ev), ev.TicketURL)
}

// classify treats Apple Events authorization failures as permission errors.
func classify(err error) error {
	var serr *ScriptError
	if errors.As(err, &serr) {
		msg := strings.ToLower(serr.Stderr)
		if strings.Contains(msg, "-1743") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "not allowed") {
			return calendar.NewError(sinkName, calendar.PermissionDenied, err)
		}
	}
	return calendar.NewError(sinkName, calendar.Transient, err)
}
