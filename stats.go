package ga4etl

import (
	"time"

	"cloud.google.com/go/civil"
)

// DateStats describes the processing of one date.
type DateStats struct {
	Date    civil.Date
	Skipped bool

	// EventsExtracted is the number of raw events read in process. It stays zero
	// when the events are flattened in BigQuery.
	EventsExtracted int

	EventsLoaded   int
	SessionsLoaded int
	UsersMerged    int

	// Unattributed counts rows without a user pseudo ID or a GA session ID.
	Unattributed int

	Err error
}

// RunStats summarises a run.
type RunStats struct {
	Mode     Mode
	Range    DateRange
	Dates    []*DateStats
	Duration time.Duration
}

func (s *RunStats) add(d *DateStats) {
	s.Dates = append(s.Dates, d)
}

// Processed returns the number of dates loaded successfully.
func (s *RunStats) Processed() int {
	n := 0
	for _, d := range s.Dates {
		if !d.Skipped && d.Err == nil {
			n++
		}
	}
	return n
}

// SkippedDates returns the dates without a source partition.
func (s *RunStats) SkippedDates() []civil.Date {
	var ds []civil.Date
	for _, d := range s.Dates {
		if d.Skipped {
			ds = append(ds, d.Date)
		}
	}
	return ds
}

// FailedDates returns the dates that failed.
func (s *RunStats) FailedDates() []civil.Date {
	var ds []civil.Date
	for _, d := range s.Dates {
		if d.Err != nil {
			ds = append(ds, d.Date)
		}
	}
	return ds
}

// Totals sums the row counts of every date.
func (s *RunStats) Totals() DateStats {
	var t DateStats
	for _, d := range s.Dates {
		t.EventsExtracted += d.EventsExtracted
		t.EventsLoaded += d.EventsLoaded
		t.SessionsLoaded += d.SessionsLoaded
		t.UsersMerged += d.UsersMerged
		t.Unattributed += d.Unattributed
	}
	return t
}
