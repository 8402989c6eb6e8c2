package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"venuecal/internal/models"

	"github.com/emersion/go-ical"
)

const (
	// ProductID is written into every generated VCALENDAR.
	ProductID = "-//venuecal//EN"
	uidSuffix = "@venuecal"
	floating  = "20060102T150405"
)

// UID returns the iCalendar UID for an event ID.
func UID(id string) string {
	return id + uidSuffix
}

// IDFromUID reverses UID. Foreign UIDs are returned unchanged.
func IDFromUID(uid string) string {
	return strings.TrimSuffix(uid, uidSuffix)
}

// Location renders "venue — address", or just the venue.
func Location(ev *models.Event) string {
	if ev.VenueLocation != "" {
		return ev.VenueName + locationSep + ev.VenueLocation
	}
	return ev.VenueName
}

const locationSep = " — "

// SplitLocation reverses Location. A value without the separator is taken
// as the venue name.
func SplitLocation(s string) (venue, address string) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, locationSep); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(locationSep):])
	}
	return s, ""
}

// Description renders the human-readable notes attached to an event.
func Description(ev *models.Event) string {
	var parts []string
	if ev.Doors != nil {
		parts = append(parts, "Doors: "+ev.Doors.Format("3:04 PM"))
	}
	if ev.Price != "" {
		parts = append(parts, "Price: "+ev.Price)
	}
	if len(ev.Artists) > 0 {
		parts = append(parts, "Artists: "+strings.Join(ev.Artists, ", "))
	}
	if ev.Description != "" {
		parts = append(parts, ev.Description)
	}
	if ev.TicketURL != "" {
		parts = append(parts, "Tickets: "+ev.TicketURL)
	}
	return strings.Join(parts, "\n")
}

// Place converts a floating wall-clock time to loc. A nil loc keeps it floating.
func Place(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

// Validate rejects events no backend can represent.
func Validate(ev *models.Event) error {
	switch {
	case ev == nil:
		return errors.New("nil event")
	case ev.ID == "":
		return errors.New("event has no id")
	case strings.TrimSpace(ev.Title) == "":
		return errors.New("event has no title")
	case ev.EndDate.Before(ev.StartDate):
		return fmt.Errorf("end date %s before start date %s", ev.EndDate.Format(models.DateLayout), ev.StartDate.Format(models.DateLayout))
	case !ev.AllDay && !ev.End.After(ev.Start):
		return errors.New("event ends before it starts")
	}
	return nil
}

// NewCalendar returns an empty VCALENDAR with the required properties set.
func NewCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	return cal
}

// BuildVEvent converts an event to a VEVENT component. Times are written in
// loc, or as floating local times when loc is nil.
func BuildVEvent(ev *models.Event, loc *time.Location, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, UID(ev.ID))
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	if ev.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, ev.StartDate)
		ve.Props.SetDate(ical.PropDateTimeEnd, ev.EndDate.AddDate(0, 0, 1))
	} else {
		setWallClock(ve.Props, ical.PropDateTimeStart, ev.Start, loc)
		setWallClock(ve.Props, ical.PropDateTimeEnd, ev.End, loc)
	}

	ve.Props.SetText(ical.PropLocation, Location(ev))
	if desc := Description(ev); desc != "" {
		ve.Props.SetText(ical.PropDescription, desc)
	}
	if ev.TicketURL != "" {
		p := ical.NewProp(ical.PropURL)
		p.SetValueType(ical.ValueURI)
		p.Value = ev.TicketURL
		ve.Props.Set(p)
	}
	return ve
}

func setWallClock(props ical.Props, name string, t time.Time, loc *time.Location) {
	if loc != nil {
		props.SetDateTime(name, Place(t, loc))
		return
	}
	p := ical.NewProp(name)
	p.Value = t.Format(floating)
	props.Set(p)
}

// EventFromVEvent recovers the identifying fields of an event written by
// BuildVEvent. Only ID, title, dates and times are filled in.
func EventFromVEvent(ev *ical.Event, loc *time.Location) (*models.Event, error) {
	uid, err := ev.Props.Text(ical.PropUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read UID: %w", err)
	}
	summary, _ := ev.Props.Text(ical.PropSummary)
	if loc == nil {
		loc = time.UTC
	}
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to read DTSTART of %s: %w", uid, err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil {
		end = start
	}

	out := &models.Event{ID: IDFromUID(uid), Title: summary}
	if where, _ := ev.Props.Text(ical.PropLocation); where != "" {
		out.VenueName, out.VenueLocation = SplitLocation(where)
	}
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		out.AllDay = true
		out.StartDate = models.DateOf(start)
		out.EndDate = models.DateOf(end).AddDate(0, 0, -1)
		if out.EndDate.Before(out.StartDate) {
			out.EndDate = out.StartDate
		}
		return out, nil
	}
	out.Start = floatingUTC(start)
	out.End = floatingUTC(end)
	out.StartDate = models.DateOf(out.Start)
	out.EndDate = models.DateOf(out.End)
	out.Duration = out.End.Sub(out.Start)
	return out, nil
}

func floatingUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
