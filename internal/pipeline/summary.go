package pipeline

import (
	"log/slog"
	"time"
)

// Venue outcomes reported in a Summary.
const (
	VenueOK               = "ok"
	VenueFetchFailed      = "fetch_failed"
	VenueExtractionFailed = "extraction_failed"
	VenueInterrupted      = "interrupted"
)

// VenueResult is what happened to one venue in a run.
type VenueResult struct {
	Name       string
	Status     string
	URL        string
	Candidates int
	Added      int
	Err        string
}

// Summary holds the counts of a run. Each event left after merging lands in
// one outcome bucket. Candidates folded into a merged event have no bucket of
// their own: Merged counts the merged events and MergeConflicts the dropped
// same-date candidates.
type Summary struct {
	Started  time.Time
	Finished time.Time
	DryRun   bool

	Added             int
	WouldAdd          int
	SkippedDuplicate  int
	AlreadyOnCalendar int
	Rejected          int
	MergeConflicts    int
	Merged            int
	WriteFailed       int

	FetchFailed      int
	ExtractionFailed int
	Purged           int

	Interrupted  bool
	SinkDisabled bool
	Venues       []VenueResult
}

// Log writes the summary as one structured line plus one line per failed venue.
func (s *Summary) Log(logger *slog.Logger) {
	logger.Info("Run finished.",
		"added", s.Added,
		"wouldAdd", s.WouldAdd,
		"skippedDuplicate", s.SkippedDuplicate,
		"alreadyOnCalendar", s.AlreadyOnCalendar,
		"rejected", s.Rejected,
		"mergeConflicts", s.MergeConflicts,
		"merged", s.Merged,
		"writeFailed", s.WriteFailed,
		"fetchFailed", s.FetchFailed,
		"extractionFailed", s.ExtractionFailed,
		"purged", s.Purged,
		"interrupted", s.Interrupted,
		"dryRun", s.DryRun,
		"duration", s.Finished.Sub(s.Started).Round(time.Millisecond),
	)
	for _, v := range s.Venues {
		if v.Status != VenueOK {
			logger.Warn("Venue did not complete.", "venue", v.Name, "status", v.Status, "error", v.Err)
		}
	}
}
