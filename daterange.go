package ga4etl

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start civil.Date
	End   civil.Date
}

// SingleDay returns a range covering only d.
func SingleDay(d civil.Date) DateRange {
	return DateRange{Start: d, End: d}
}

// Days returns the number of dates in the range. An inverted range has none.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}

	return r.End.DaysSince(r.Start) + 1
}

// Dates lists every date of the range in ascending order.
func (r DateRange) Dates() []civil.Date {
	n := r.Days()
	dates := make([]civil.Date, 0, n)

	for i := 0; i < n; i++ {
		dates = append(dates, r.Start.AddDays(i))
	}

	return dates
}

func (r DateRange) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}

	return fmt.Sprintf("%s..%s", r.Start, r.End)
}

// partitionSuffix formats d like GA4 export table suffixes and BigQuery partition decorators.
func partitionSuffix(d civil.Date) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}
