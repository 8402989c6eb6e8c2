// Package dedup keeps the persistent record of events already written to a
// calendar. The normalization key alone decides novelty.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"venuecal/internal/models"
)

// DefaultRetentionDays is how long records for past events are kept.
const DefaultRetentionDays = 90

// Record is the persisted trace of one calendar write.
type Record struct {
	Key       string        `json:"key"`
	VenueName string        `json:"venue_name"`
	Title     string        `json:"title"`
	Date      string        `json:"date"`
	FirstSeen time.Time     `json:"first_seen"`
	Event     *models.Event `json:"event,omitempty"`
}

// Store decides whether events are new and remembers the ones written.
// Callers must only Record an event after the calendar accepted it.
type Store interface {
	IsNew(ctx context.Context, ev *models.Event) (bool, error)
	Record(ctx context.Context, ev *models.Event) error
	Purge(ctx context.Context, olderThanDays int, now time.Time) (int, error)
	Upcoming(ctx context.Context, from time.Time) ([]Record, error)
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Backend string // "file" (default), "redis" or "memory"
	Path    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

// Open creates the configured store. Failing to reach it is fatal for a run.
func Open(ctx context.Context, logger *slog.Logger, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return OpenFile(logger, cfg.Path)
	case "redis":
		return OpenRedis(ctx, logger, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

func newRecord(ev *models.Event, now time.Time) Record {
	return Record{
		Key:       ev.Key().String(),
		VenueName: ev.VenueName,
		Title:     ev.Title,
		Date:      ev.EndDate.Format(models.DateLayout),
		FirstSeen: now.UTC(),
		Event:     ev,
	}
}

// expired reports whether the record's date lies more than days before now.
// A record dated exactly on the boundary is kept.
func (r Record) expired(days int, now time.Time) bool {
	d, err := time.Parse(models.DateLayout, r.Date)
	if err != nil {
		return false
	}
	cutoff := models.DateOf(now).AddDate(0, 0, -days)
	return d.Before(cutoff)
}

func (r Record) upcoming(from time.Time) bool {
	d, err := time.Parse(models.DateLayout, r.Date)
	if err != nil {
		return false
	}
	return !d.Before(models.DateOf(from))
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Date != recs[j].Date {
			return recs[i].Date < recs[j].Date
		}
		return recs[i].Key < recs[j].Key
	})
}
