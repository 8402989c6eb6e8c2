package caldav

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"venuecal/internal/calendar"
	"venuecal/internal/models"
)

func testEvent() *models.Event {
	day := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	start := day.Add(20 * time.Hour)
	return &models.Event{
		ID:        models.EventID(models.NewKey("Blue Room", day, "Jazz Night")),
		Title:     "Jazz Night",
		VenueName: "Blue Room",
		StartDate: day,
		EndDate:   day,
		Start:     start,
		End:       start.Add(3 * time.Hour),
		Duration:  3 * time.Hour,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Endpoint:     srv.URL + "/",
		Username:     "user",
		Password:     "secret",
		CalendarPath: "/calendars/user/music/",
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestUpsertPutsEventAtIDPath(t *testing.T) {
	ev := testEvent()
	var gotPath, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "user" || p != "secret" {
			t.Errorf("missing basic auth")
		}
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("ETag", `"1"`)
		w.WriteHeader(http.StatusCreated)
	})

	out, err := c.Upsert(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if out != calendar.Written {
		t.Errorf("outcome = %v", out)
	}
	if gotPath != "/calendars/user/music/"+ev.ID+".ics" {
		t.Errorf("path = %s", gotPath)
	}
	if !strings.Contains(gotBody, "UID:"+calendar.UID(ev.ID)) || !strings.Contains(gotBody, "SUMMARY:Jazz Night") {
		t.Errorf("body missing event fields:\n%s", gotBody)
	}
}

func TestUpsertClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   calendar.Kind
	}{
		{http.StatusUnauthorized, calendar.PermissionDenied},
		{http.StatusForbidden, calendar.PermissionDenied},
		{http.StatusTooManyRequests, calendar.Transient},
		{http.StatusServiceUnavailable, calendar.Transient},
		{http.StatusBadRequest, calendar.Malformed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Upsert(context.Background(), testEvent())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := calendar.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestUpsertRejectsInvalidEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	ev := testEvent()
	ev.Title = ""
	if _, err := c.Upsert(context.Background(), ev); calendar.KindOf(err) != calendar.Malformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestMakeCalendar(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	calPath, err := c.makeCalendar(context.Background(), "/calendars/user/", "Jazz & Blues")
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != "MKCALENDAR" || gotPath != calPath {
		t.Errorf("request = %s %s, returned path %s", gotMethod, gotPath, calPath)
	}
	if !strings.HasPrefix(calPath, "/calendars/user/") || !strings.HasSuffix(calPath, "/") {
		t.Errorf("path = %s", calPath)
	}
	if !strings.Contains(gotBody, "<D:displayname>Jazz &amp; Blues</D:displayname>") || !strings.Contains(gotBody, `name="VEVENT"`) {
		t.Errorf("body = %s", gotBody)
	}

	again, err := c.makeCalendar(context.Background(), "/calendars/user/", "Jazz & Blues")
	if err != nil {
		t.Fatal(err)
	}
	if again != calPath {
		t.Errorf("path not stable: %s != %s", again, calPath)
	}
}

func TestMakeCalendarRefused(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	if _, err := c.makeCalendar(context.Background(), "/calendars/user/", "Live"); calendar.KindOf(err) != calendar.Malformed {
		t.Fatalf("expected malformed, got %v", err)
	}

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	if _, err := c.makeCalendar(context.Background(), "/calendars/user/", "Live"); calendar.KindOf(err) != calendar.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
