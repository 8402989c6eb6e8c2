// Package extract turns venue page text into event candidates with a
// language model. Output is untrusted and always goes through normalization.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"venuecal/internal/models"
)

// Extractor produces event candidates from page text.
type Extractor interface {
	Extract(ctx context.Context, text string, venue models.VenueTarget) ([]models.EventCandidate, error)
}

// Error is an ExtractionFailed outcome: the model call failed or its
// response could not be read as an event list.
type Error struct {
	Venue string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction failed for %s: %v", e.Venue, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotJSON is returned when a response holds no JSON event list.
var ErrNotJSON = errors.New("response is not a JSON event list")

const promptTemplate = `You read the text of a live music venue's events page and list every upcoming event as JSON.

Today is %s. Resolve relative dates ("this Saturday") against it.
Venue: %s
Address: %s

Return a JSON array. Each element has:
- "title": event name or headliner
- "date": YYYY-MM-DD
- "doors_time": doors time as HH:MM (24h) or null
- "start_time": show time as HH:MM (24h) or null; a lone unlabeled time is the show time
- "end_time": HH:MM (24h) or null
- "artists": every performer listed, as an array of strings
- "price": price text as shown, or null
- "ticket_url": ticket link, or null
- "description": one short sentence, or null

Only list events on or after today that appear on the page. Give each day of a multi-day festival its own element. Return [] when there are none. Reply with the JSON array only.`

// Prompt builds the system prompt for a venue.
func Prompt(venue models.VenueTarget, today time.Time) string {
	return fmt.Sprintf(promptTemplate, today.Format(models.DateLayout), venue.Name, venue.Location)
}

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
	arrayRe    = regexp.MustCompile(`(?s)\[.*\]`)
)

// ParseResponse reads a model reply into candidates. It accepts a bare
// array, an {"events": [...]} wrapper, fenced code blocks and an array
// embedded in prose. The venue name is always the configured one so keys
// stay stable; the location defaults to the venue's.
func ParseResponse(content string, venue models.VenueTarget) ([]models.EventCandidate, error) {
	content = strings.TrimSpace(content)
	content = fenceOpen.ReplaceAllString(content, "")
	content = strings.TrimSpace(fenceClose.ReplaceAllString(content, ""))

	items, err := decodeItems([]byte(content))
	if err != nil {
		m := arrayRe.FindString(content)
		if m == "" {
			return nil, ErrNotJSON
		}
		if items, err = decodeItems([]byte(m)); err != nil {
			return nil, ErrNotJSON
		}
	}

	out := make([]models.EventCandidate, 0, len(items))
	for _, item := range items {
		c := candidateFrom(item)
		c.VenueName = venue.Name
		if c.VenueLocation == "" {
			c.VenueLocation = venue.Location
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeItems(data []byte) ([]map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if obj, ok := v.(map[string]any); ok {
		v = obj["events"]
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, ErrNotJSON
	}
	items := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		// Non-object elements become empty candidates and are rejected later.
		obj, _ := el.(map[string]any)
		items = append(items, obj)
	}
	return items, nil
}

// candidateFrom reads fields leniently: a value of the wrong type is absent.
func candidateFrom(m map[string]any) models.EventCandidate {
	str := func(k string) string {
		switch v := m[k].(type) {
		case string:
			return v
		case float64:
			return strings.TrimSuffix(fmt.Sprintf("%g", v), ".0")
		}
		return ""
	}
	c := models.EventCandidate{
		Title:         str("title"),
		Date:          str("date"),
		StartTime:     str("start_time"),
		DoorsTime:     str("doors_time"),
		EndTime:       str("end_time"),
		Price:         str("price"),
		TicketURL:     str("ticket_url"),
		Description:   str("description"),
		VenueLocation: str("venue_location"),
	}
	if c.StartTime == "" {
		c.StartTime = str("show_time")
	}
	if arr, ok := m["artists"].([]any); ok {
		for _, a := range arr {
			if s, ok := a.(string); ok {
				c.Artists = append(c.Artists, s)
			}
		}
	}
	return c
}
