// Package merge collapses consecutive same-title events at a venue into
// multi-day events.
package merge

import (
	"log/slog"
	"sort"
	"venuecal/internal/models"
)

// Conflict records a same-date duplicate that was dropped in favour of the
// first event seen with the same key.
type Conflict struct {
	Kept    *models.Event
	Dropped *models.Event
}

// Result is the output of a merge pass.
type Result struct {
	Events    []*models.Event
	Conflicts []Conflict
	// Merged counts events produced by collapsing two or more days.
	Merged int
}

// Engine merges festival runs.
type Engine struct {
	logger *slog.Logger
}

// New creates a merge Engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Merge drops same-date duplicates, collapses runs of strictly consecutive
// dates sharing venue and title, and returns events ordered by start date,
// venue name and title. The input slice is not modified.
func (e *Engine) Merge(events []*models.Event) Result {
	var res Result

	seen := make(map[models.Key]*models.Event, len(events))
	groups := make(map[string][]*models.Event)
	var order []string
	for _, ev := range events {
		k := ev.Key()
		if kept, ok := seen[k]; ok {
			e.logger.Info("Dropping same-date duplicate.", "title", ev.Title, "venue", ev.VenueName, "date", k.Date)
			res.Conflicts = append(res.Conflicts, Conflict{Kept: kept, Dropped: ev})
			continue
		}
		seen[k] = ev
		s := k.Series()
		if _, ok := groups[s]; !ok {
			order = append(order, s)
		}
		groups[s] = append(groups[s], ev)
	}

	for _, s := range order {
		group := groups[s]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].StartDate.Before(group[j].StartDate)
		})
		for _, run := range consecutiveRuns(group) {
			if len(run) == 1 {
				res.Events = append(res.Events, run[0])
				continue
			}
			merged := collapse(run)
			e.logger.Debug("Merged multi-day event.", "title", merged.Title, "venue", merged.VenueName, "days", len(run))
			res.Events = append(res.Events, merged)
			res.Merged++
		}
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		if a.VenueName != b.VenueName {
			return a.VenueName < b.VenueName
		}
		return a.Title < b.Title
	})
	return res
}

// consecutiveRuns splits date-sorted events wherever the next date is not
// exactly one calendar day after the previous one.
func consecutiveRuns(sorted []*models.Event) [][]*models.Event {
	var runs [][]*models.Event
	var cur []*models.Event
	for _, ev := range sorted {
		if len(cur) > 0 && !ev.StartDate.Equal(cur[len(cur)-1].EndDate.AddDate(0, 0, 1)) {
			runs = append(runs, cur)
			cur = nil
		}
		cur = append(cur, ev)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

func collapse(run []*models.Event) *models.Event {
	first, last := run[0], run[len(run)-1]
	merged := *first
	merged.Artists = append([]string(nil), first.Artists...)
	merged.EndDate = last.EndDate
	merged.IsMerged = true
	if !first.AllDay {
		if last.AllDay {
			merged.End = last.StartDate.Add(first.Start.Sub(first.StartDate)).Add(first.Duration)
		} else {
			merged.End = last.End
		}
		merged.Duration = merged.End.Sub(merged.Start)
	}
	return &merged
}
