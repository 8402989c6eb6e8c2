package dedup

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
	"venuecal/internal/models"

	"github.com/alicebob/miniredis/v2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(venue, title string, day time.Time) *models.Event {
	ev := &models.Event{VenueName: venue, Title: title, StartDate: day, EndDate: day}
	ev.ID = models.EventID(ev.Key())
	return ev
}

// stores returns a fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	file, err := OpenFile(discardLogger(), filepath.Join(t.TempDir(), "state", "seen.json"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	mr := miniredis.RunT(t)
	rs, err := OpenRedis(context.Background(), discardLogger(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return map[string]Store{"memory": NewMemory(), "file": file, "redis": rs}
}

func TestIsNewAtMostOnce(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ev := event("The Pageant", "Summer Fest", day)
			ev.Price = "$20"
			isNew, err := s.IsNew(ctx, ev)
			if err != nil || !isNew {
				t.Fatalf("first IsNew = %v, %v", isNew, err)
			}
			if err := s.Record(ctx, ev); err != nil {
				t.Fatalf("Record: %v", err)
			}

			variant := event("pageant", "SUMMER FEST", day)
			variant.Price = "$35"
			variant.Artists = []string{"B", "A"}
			for i := 0; i < 3; i++ {
				isNew, err := s.IsNew(ctx, variant)
				if err != nil || isNew {
					t.Fatalf("repeat IsNew = %v, %v", isNew, err)
				}
			}

			other := event("The Pageant", "Summer Fest", day.AddDate(0, 0, 1))
			if isNew, _ := s.IsNew(ctx, other); !isNew {
				t.Errorf("different date should be new")
			}
		})
	}
}

func TestRecordKeepsFirst(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := event("Venue", "Show", day)
			first.Price = "$10"
			second := event("Venue", "Show", day)
			second.Price = "$99"
			if err := s.Record(ctx, first); err != nil {
				t.Fatal(err)
			}
			if err := s.Record(ctx, second); err != nil {
				t.Fatal(err)
			}
			recs, err := s.Upcoming(ctx, day)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 || recs[0].Event == nil || recs[0].Event.Price != "$10" {
				t.Fatalf("unexpected records %+v", recs)
			}
		})
	}
}

func TestPurgeBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 10, 1, 15, 30, 0, 0, time.UTC)
	today := models.DateOf(now)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			onBoundary := event("Venue", "Boundary", today.AddDate(0, 0, -90))
			pastBoundary := event("Venue", "Past", today.AddDate(0, 0, -91))
			future := event("Venue", "Future", today.AddDate(0, 0, 10))
			for _, ev := range []*models.Event{onBoundary, pastBoundary, future} {
				if err := s.Record(ctx, ev); err != nil {
					t.Fatal(err)
				}
			}

			removed, err := s.Purge(ctx, 90, now)
			if err != nil {
				t.Fatal(err)
			}
			if removed != 1 {
				t.Errorf("removed = %d, want 1", removed)
			}
			if isNew, _ := s.IsNew(ctx, onBoundary); isNew {
				t.Errorf("record on the boundary should be retained")
			}
			if isNew, _ := s.IsNew(ctx, pastBoundary); !isNew {
				t.Errorf("record past the boundary should be purged")
			}
		})
	}
}

func TestPurgeUsesLastDayOfMergedEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory()
	ev := event("Venue", "Fest", now.AddDate(0, 0, -95))
	ev.EndDate = now.AddDate(0, 0, -85)
	ev.IsMerged = true
	if err := s.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if removed, _ := s.Purge(ctx, 90, now); removed != 0 {
		t.Errorf("festival ending within the window should be kept")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seen.json")
	day := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)

	s, err := OpenFile(discardLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, event("Venue", "Show", day)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFile(discardLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	if isNew, _ := reopened.IsNew(ctx, event("venue", "show", day)); isNew {
		t.Errorf("record should survive a restart")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), discardLogger(), Config{Backend: "sqlite"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenRedisUnreachable(t *testing.T) {
	if _, err := OpenRedis(context.Background(), discardLogger(), RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected connection error")
	}
}
