package models

import (
	"testing"
	"time"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The Pageant", "pageant"},
		{"  the   PAGEANT!! ", "pageant"},
		{"Theatre of Living Arts", "theatre of living arts"},
		{"The", "the"},
		{"Summer Fest: Day 1", "summer fest day 1"},
		{"Café Olé", "café olé"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyIgnoresSuperficialDifferences(t *testing.T) {
	d := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	a := NewKey("The Pageant", d, "Summer Fest")
	b := NewKey("pageant", d, "SUMMER FEST!")
	if a != b {
		t.Fatalf("keys differ: %v vs %v", a, b)
	}
	if a.String() != "pageant|2025-06-13|summer fest" {
		t.Errorf("unexpected key string %q", a.String())
	}
	if EventID(a) != EventID(b) {
		t.Errorf("event IDs differ for equal keys")
	}
	if EventID(a) == EventID(NewKey("pageant", d.AddDate(0, 0, 1), "summer fest")) {
		t.Errorf("event IDs should differ across dates")
	}
}

func TestEventDays(t *testing.T) {
	ev := &Event{
		StartDate: time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}
	if ev.Days() != 3 {
		t.Errorf("Days() = %d, want 3", ev.Days())
	}
}

func TestForceBrowser(t *testing.T) {
	yes, no := true, false
	if (VenueTarget{}).ForceBrowser() {
		t.Error("unknown requirement should not force the browser")
	}
	if (VenueTarget{RequiresBrowser: &no}).ForceBrowser() {
		t.Error("false should not force the browser")
	}
	if !(VenueTarget{RequiresBrowser: &yes}).ForceBrowser() {
		t.Error("true should force the browser")
	}
}
