package ga4etl

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Events that carry event specific parameters.
var (
	clickEvents     = []string{"click"}
	scrollEvents    = []string{"scroll"}
	ecommerceEvents = []string{"view_item", "add_to_cart", "begin_checkout", "purchase"}
)

// Flattener converts the GA4 events of a batch into flat rows.
type Flattener interface {
	Flatten(context.Context, *Batch) ([]*EventRow, error)
}

// Batch is the unit of work of one date.
type Batch struct {
	Date   civil.Date
	Source *SourceTable

	extractor extractor
	once      sync.Once
	loaded    bool
	events    []*RawEvent
	err       error
}

func newBatch(d civil.Date, src *SourceTable, ex extractor) *Batch {
	return &Batch{Date: d, Source: src, extractor: ex}
}

// RawEvents extracts the raw events of the batch on first call.
func (b *Batch) RawEvents(ctx context.Context) ([]*RawEvent, error) {
	b.once.Do(func() {
		b.loaded = true
		if b.extractor == nil {
			b.err = xerrors.New("batch has no extractor")
			return
		}
		b.events, b.err = b.extractor.extract(ctx, b.Source)
	})

	return b.events, b.err
}

// extracted returns the number of raw events read so far and whether they were read in process.
func (b *Batch) extracted() (int, bool) {
	return len(b.events), b.loaded
}

// ProgrammaticFlattener flattens raw events in process.
type ProgrammaticFlattener struct{}

// Flatten implements Flattener.
func (ProgrammaticFlattener) Flatten(ctx context.Context, b *Batch) ([]*EventRow, error) {
	events, err := b.RawEvents(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to get raw events: %w", err)
	}

	rows := make([]*EventRow, len(events))

	for i, e := range events {
		row, err := flattenEvent(e)
		if err != nil {
			return nil, xerrors.Errorf("failed to flatten event %d: %w", i, err)
		}

		rows[i] = row
	}

	if err := checkRows(b.Date, rows); err != nil {
		return nil, err
	}

	sortRows(rows)

	log.Ctx(ctx).Debug().Int("rows", len(rows)).Msg("flattened events in process")

	return rows, nil
}

func flattenEvent(e *RawEvent) (*EventRow, error) {
	d, err := parseEventDate(e.EventDate)
	if err != nil {
		return nil, err
	}

	if e.EventTimestamp <= 0 {
		return nil, xerrors.Errorf("invalid event_timestamp %d", e.EventTimestamp)
	}

	r := &EventRow{
		Date:         d,
		Timestamp:    time.UnixMicro(e.EventTimestamp).UTC(),
		EventName:    e.EventName,
		UserID:       e.UserID,
		UserPseudoID: e.UserPseudoID,
		Platform:     e.Platform,

		DeviceCategory:        e.Device.Category,
		DeviceMobileBrandName: e.Device.MobileBrandName,
		DeviceMobileModelName: e.Device.MobileModelName,
		DeviceOperatingSystem: e.Device.OperatingSystem,
		DeviceLanguage:        e.Device.Language,

		GeoCountry: e.Geo.Country,
		GeoRegion:  e.Geo.Region,
		GeoCity:    e.Geo.City,

		TrafficSourceName:   e.TrafficSource.Name,
		TrafficSourceMedium: e.TrafficSource.Medium,
		TrafficSourceSource: e.TrafficSource.Source,

		PageLocation:       e.stringParam("page_location"),
		PageTitle:          e.stringParam("page_title"),
		PageReferrer:       e.stringParam("page_referrer"),
		SessionID:          e.stringParam("session_id"),
		SessionEngaged:     e.boolParam("session_engaged"),
		EngagementTimeMsec: e.intParam("engagement_time_msec"),
		GASessionID:        e.stringParam("ga_session_id"),
		GASessionNumber:    e.intParam("ga_session_number"),
	}

	switch {
	case contains(clickEvents, e.EventName):
		r.LinkURL = e.stringParam("link_url")
		r.LinkText = e.stringParam("link_text")
		r.LinkClasses = e.stringParam("link_classes")
		r.LinkID = e.stringParam("link_id")
		r.Outbound = e.boolParam("outbound")
	case contains(scrollEvents, e.EventName):
		r.PercentScrolled = e.floatParam("percent_scrolled")
	case contains(ecommerceEvents, e.EventName):
		r.Currency = e.stringParam("currency")
		r.Value = e.floatParam("value")
		r.TransactionID = e.stringParam("transaction_id")
		r.Tax = e.floatParam("tax")
		r.Shipping = e.floatParam("shipping")

		if len(e.Items) > 0 {
			r.ItemID = e.Items[0].ItemID
			r.ItemName = e.Items[0].ItemName
			r.ItemQuantity = e.Items[0].Quantity
		}
	}

	return r, nil
}

func parseEventDate(s string) (civil.Date, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return civil.Date{}, xerrors.Errorf("invalid event_date %q: %w", s, err)
	}

	return civil.DateOf(t), nil
}

var epoch = time.Unix(0, 0)

// checkRows rejects rows outside the batch date and rows without a positive timestamp.
// A date mismatch means the source table and the partition being written disagree, and
// loading would truncate the wrong partition.
func checkRows(d civil.Date, rows []*EventRow) error {
	for i, r := range rows {
		if r.Date != d {
			return xerrors.Errorf("row %d has date %s, expected %s", i, r.Date, d)
		}
		if !r.Timestamp.After(epoch) {
			return xerrors.Errorf("row %d has invalid timestamp %s", i, r.Timestamp)
		}
	}

	return nil
}

// sortRows puts rows in the canonical order shared by every Flattener. Rows tied on the
// order keys carry the same session and profile attributes, so ties can't change aggregates.
func sortRows(rows []*EventRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}

		ka, kb := orderKeys(a), orderKeys(b)
		for k := range ka {
			if c := compareNullString(ka[k], kb[k]); c != 0 {
				return c < 0
			}
		}

		return false
	})
}

func orderKeys(r *EventRow) []bigquery.NullString {
	return []bigquery.NullString{
		r.UserPseudoID,
		nullString(r.EventName),
		r.GASessionID,
		r.PageLocation,
		r.PageReferrer,
		r.DeviceCategory,
		r.DeviceOperatingSystem,
		r.GeoCountry,
		r.GeoCity,
		r.TrafficSourceSource,
		r.TrafficSourceMedium,
	}
}

// compareNullString orders NULL before any value.
func compareNullString(a, b bigquery.NullString) int {
	switch {
	case a.Valid != b.Valid:
		if !a.Valid {
			return -1
		}
		return 1
	case a.StringVal < b.StringVal:
		return -1
	case a.StringVal > b.StringVal:
		return 1
	}

	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: true}
}
