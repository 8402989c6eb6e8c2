package dedup

import (
	"context"
	"time"
	"venuecal/internal/models"
)

// Memory is an in-process Store. Nothing survives the process.
type Memory struct {
	records map[string]Record
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) IsNew(_ context.Context, ev *models.Event) (bool, error) {
	_, ok := m.records[ev.Key().String()]
	return !ok, nil
}

func (m *Memory) Record(_ context.Context, ev *models.Event) error {
	k := ev.Key().String()
	if _, ok := m.records[k]; ok {
		return nil
	}
	m.records[k] = newRecord(ev, m.now())
	return nil
}

func (m *Memory) Purge(_ context.Context, olderThanDays int, now time.Time) (int, error) {
	return purgeMap(m.records, olderThanDays, now), nil
}

func (m *Memory) Upcoming(_ context.Context, from time.Time) ([]Record, error) {
	return upcomingFromMap(m.records, from), nil
}

func (m *Memory) Close() error { return nil }

func purgeMap(records map[string]Record, days int, now time.Time) int {
	removed := 0
	for k, r := range records {
		if r.expired(days, now) {
			delete(records, k)
			removed++
		}
	}
	return removed
}

func upcomingFromMap(records map[string]Record, from time.Time) []Record {
	var out []Record
	for _, r := range records {
		if r.upcoming(from) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}
