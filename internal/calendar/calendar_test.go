package calendar

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"venuecal/internal/models"

	"github.com/emersion/go-ical"
)

func sampleEvent() *models.Event {
	day := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	doors := day.Add(19 * time.Hour)
	return &models.Event{
		ID:            "abc",
		Title:         "Summer Fest",
		VenueName:     "The Pageant",
		VenueLocation: "6161 Delmar Blvd",
		Artists:       []string{"Band One", "Band Two"},
		Price:         "$25",
		TicketURL:     "https://tickets.example.com/1",
		StartDate:     day,
		EndDate:       day,
		Start:         day.Add(20 * time.Hour),
		End:           day.Add(23 * time.Hour),
		Doors:         &doors,
		Duration:      3 * time.Hour,
	}
}

func TestKindOf(t *testing.T) {
	denied := NewError("caldav", PermissionDenied, errors.New("403"))
	wrapped := fmt.Errorf("upsert: %w", denied)
	if KindOf(wrapped) != PermissionDenied {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != Transient {
		t.Errorf("unclassified errors should be transient")
	}
	if !strings.Contains(denied.Error(), "permission_denied") {
		t.Errorf("unexpected message %q", denied.Error())
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(sampleEvent()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := sampleEvent()
	bad.End = bad.Start.Add(-time.Hour)
	if err := Validate(bad); err == nil {
		t.Error("expected error for end before start")
	}
	noID := sampleEvent()
	noID.ID = ""
	if err := Validate(noID); err == nil {
		t.Error("expected error for missing id")
	}
	backwards := sampleEvent()
	backwards.EndDate = backwards.StartDate.AddDate(0, 0, -1)
	if err := Validate(backwards); err == nil {
		t.Error("expected error for end date before start date")
	}
}

func TestDescription(t *testing.T) {
	want := "Doors: 7:00 PM\nPrice: $25\nArtists: Band One, Band Two\nTickets: https://tickets.example.com/1"
	if got := Description(sampleEvent()); got != want {
		t.Errorf("Description = %q, want %q", got, want)
	}
	if got := Location(sampleEvent()); got != "The Pageant — 6161 Delmar Blvd" {
		t.Errorf("Location = %q", got)
	}
}

func TestVEventRoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata not available")
	}
	for _, l := range []*time.Location{nil, loc} {
		ev := sampleEvent()
		comp := BuildVEvent(ev, l, time.Now())
		back, err := EventFromVEvent(&ical.Event{Component: comp}, l)
		if err != nil {
			t.Fatalf("EventFromVEvent: %v", err)
		}
		if back.ID != ev.ID || back.Title != ev.Title {
			t.Errorf("identity lost: %+v", back)
		}
		if back.VenueName != ev.VenueName || back.VenueLocation != ev.VenueLocation {
			t.Errorf("venue = %q / %q", back.VenueName, back.VenueLocation)
		}
		if !back.Start.Equal(ev.Start) || !back.End.Equal(ev.End) {
			t.Errorf("times = %v..%v, want %v..%v", back.Start, back.End, ev.Start, ev.End)
		}
	}
}

func TestSplitLocation(t *testing.T) {
	tests := []struct {
		in, venue, address string
	}{
		{"The Pageant — 6161 Delmar Blvd", "The Pageant", "6161 Delmar Blvd"},
		{"Blue Room", "Blue Room", ""},
		{"  ", "", ""},
	}
	for _, tt := range tests {
		venue, address := SplitLocation(tt.in)
		if venue != tt.venue || address != tt.address {
			t.Errorf("SplitLocation(%q) = %q, %q", tt.in, venue, address)
		}
	}
}

func TestAllDayVEvent(t *testing.T) {
	ev := sampleEvent()
	ev.AllDay = true
	ev.Start, ev.End = time.Time{}, time.Time{}
	ev.EndDate = ev.StartDate.AddDate(0, 0, 2)
	comp := BuildVEvent(ev, nil, time.Now())

	if p := comp.Props.Get(ical.PropDateTimeEnd); p == nil || p.Value != "20250616" {
		t.Fatalf("DTEND = %+v, want exclusive 20250616", p)
	}
	back, err := EventFromVEvent(&ical.Event{Component: comp}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !back.AllDay || !back.EndDate.Equal(ev.EndDate) {
		t.Errorf("round trip = %+v", back)
	}
}

func TestUID(t *testing.T) {
	if IDFromUID(UID("xyz")) != "xyz" {
		t.Error("UID round trip failed")
	}
}
