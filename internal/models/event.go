package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// idNamespace seeds the name-based UUIDs used as event IDs.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://venuecal.local/events"))

// DateLayout is the canonical calendar date format used in keys and records.
const DateLayout = "2006-01-02"

// EventCandidate is an unvalidated event as produced by the extraction step.
// Every field is untrusted; times and dates are kept as the raw strings.
type EventCandidate struct {
	Title         string   `json:"title"`
	Date          string   `json:"date"`
	StartTime     string   `json:"start_time,omitempty"`
	DoorsTime     string   `json:"doors_time,omitempty"`
	EndTime       string   `json:"end_time,omitempty"`
	Artists       []string `json:"artists,omitempty"`
	Price         string   `json:"price,omitempty"`
	TicketURL     string   `json:"ticket_url,omitempty"`
	Description   string   `json:"description,omitempty"`
	VenueName     string   `json:"venue_name"`
	VenueLocation string   `json:"venue_location,omitempty"`
}

// Event is a validated, canonical event record.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	VenueName     string   `json:"venue_name"`
	VenueLocation string   `json:"venue_location,omitempty"`
	Artists       []string `json:"artists,omitempty"`
	Price         string   `json:"price,omitempty"`
	TicketURL     string   `json:"ticket_url,omitempty"`
	Description   string   `json:"description,omitempty"`

	// StartDate and EndDate are the inclusive date range, at midnight UTC.
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	// Start and End are floating wall-clock times stored in UTC. Sinks place
	// them in the configured time zone. Both are zero for all-day events.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`

	Doors    *time.Time    `json:"doors,omitempty"`
	Duration time.Duration `json:"duration"`
	AllDay   bool          `json:"all_day"`
	IsMerged bool          `json:"is_merged"`
}

// Key is the identity tuple used for dedup and merge matching.
type Key struct {
	Venue string
	Date  string
	Title string
}

// String renders the key as venue|date|title.
func (k Key) String() string {
	return k.Venue + "|" + k.Date + "|" + k.Title
}

// Series identifies events that could belong to the same multi-day run.
func (k Key) Series() string {
	return k.Venue + "|" + k.Title
}

// Key returns the normalization key of the event.
func (e *Event) Key() Key {
	return NewKey(e.VenueName, e.StartDate, e.Title)
}

// Days returns the number of calendar days covered by the event.
func (e *Event) Days() int {
	return int(e.EndDate.Sub(e.StartDate).Hours()/24) + 1
}

// NewKey builds a normalization key from raw venue, date and title values.
func NewKey(venue string, date time.Time, title string) Key {
	return Key{
		Venue: NormalizeText(venue),
		Date:  date.Format(DateLayout),
		Title: NormalizeText(title),
	}
}

// EventID derives the stable identifier for a key.
func EventID(k Key) string {
	return uuid.NewSHA1(idNamespace, []byte(k.String())).String()
}

// NormalizeText lowercases s, drops punctuation, collapses whitespace and
// strips one leading "the" word. A bare "the" is kept.
func NormalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	t := strings.Join(strings.Fields(b.String()), " ")
	if rest, ok := strings.CutPrefix(t, "the "); ok && rest != "" {
		t = rest
	}
	return t
}

// DateOf truncates t to its calendar date at midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// VenueTarget is a venue to scrape, as read from configuration.
type VenueTarget struct {
	Name     string
	URL      string
	Location string
	// RequiresBrowser is nil when the rendering requirement is unknown.
	RequiresBrowser *bool
}

// ForceBrowser reports whether every fetch must be browser-rendered.
func (v VenueTarget) ForceBrowser() bool {
	return v.RequiresBrowser != nil && *v.RequiresBrowser
}
