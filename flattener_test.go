package ga4etl

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/go-cmp/cmp"
)

func TestProgrammaticFlattener_Flatten(t *testing.T) {
	t.Parallel()

	purchase := testEvent(day1, at(day1, 10, 0, 0), "purchase", "user-a", 1,
		paramString("currency", "JPY"),
		paramDouble("value", 1200),
		paramString("transaction_id", "T-1"),
	)
	purchase.Items = []Item{
		{ItemID: nullString("sku-1"), ItemName: nullString("Shirt"), Quantity: bigquery.NullInt64{Int64: 2, Valid: true}},
		{ItemID: nullString("sku-2")},
	}

	click := testEvent(day1, at(day1, 9, 0, 0), "click", "user-a", 1,
		paramString("link_url", "https://example.org/"),
		paramInt("outbound", 1),
		paramDouble("value", 3),
	)

	ex := newTestExtractor()
	ex.add(day1, purchase, click)

	src := &SourceTable{Project: "project", Dataset: "analytics_123", Table: "events_20240601"}
	b := newBatch(day1, src, ex)

	rows, err := ProgrammaticFlattener{}.Flatten(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}

	if n, ok := b.extracted(); n != 2 || !ok {
		t.Errorf("batch should report 2 extracted events, but %d, %v", n, ok)
	}

	if len(rows) != 2 {
		t.Fatalf("size of rows should be 2, but %d", len(rows))
	}

	c := rows[0]
	if c.EventName != "click" {
		t.Fatalf(`rows[0] should be the earlier "click", but %q`, c.EventName)
	}
	if !c.LinkURL.Valid || c.LinkURL.StringVal != "https://example.org/" {
		t.Errorf("link_url should be set, but %v", c.LinkURL)
	}
	if !c.Outbound.Valid || !c.Outbound.Bool {
		t.Errorf("outbound should be true, but %v", c.Outbound)
	}
	if c.Value.Valid {
		t.Errorf("value should be null for a click, but %v", c.Value)
	}
	if c.GASessionID.StringVal != "1" {
		t.Errorf(`ga_session_id should be "1", but %q`, c.GASessionID.StringVal)
	}

	p := rows[1]
	want := &EventRow{
		Date:                  day1,
		Timestamp:             at(day1, 10, 0, 0),
		EventName:             "purchase",
		UserPseudoID:          nullString("user-a"),
		DeviceCategory:        nullString("desktop"),
		DeviceOperatingSystem: nullString("Windows"),
		GeoCountry:            nullString("Japan"),
		GeoCity:               nullString("Tokyo"),
		TrafficSourceMedium:   nullString("organic"),
		TrafficSourceSource:   nullString("google"),
		GASessionID:           nullString("1"),
		Currency:              nullString("JPY"),
		Value:                 bigquery.NullFloat64{Float64: 1200, Valid: true},
		TransactionID:         nullString("T-1"),
		ItemID:                nullString("sku-1"),
		ItemName:              nullString("Shirt"),
		ItemQuantity:          bigquery.NullInt64{Int64: 2, Valid: true},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("purchase row mismatch (-want +got):\n%s", diff)
	}
}

func TestProgrammaticFlattener_invalidEvents(t *testing.T) {
	t.Parallel()

	cases := map[string]*RawEvent{
		"bad date":        {EventDate: "2024-06-01", EventTimestamp: 1, EventName: "x"},
		"zero time":       {EventDate: "20240601", EventTimestamp: 0, EventName: "x"},
		"other partition": {EventDate: "20240602", EventTimestamp: at(day2, 0, 0, 0).UnixMicro(), EventName: "x"},
	}

	for name, e := range cases {
		e := e
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ex := newTestExtractor()
			ex.add(day1, e)

			src := &SourceTable{Table: "events_20240601"}
			if _, err := (ProgrammaticFlattener{}).Flatten(context.Background(), newBatch(day1, src, ex)); err == nil {
				t.Error("expected error but no error occurred")
			}
		})
	}
}

func TestSortRows(t *testing.T) {
	t.Parallel()

	ts := at(day1, 10, 0, 0)
	rows := []*EventRow{
		{Timestamp: ts.Add(time.Second), UserPseudoID: nullString("a"), EventName: "a"},
		{Timestamp: ts, UserPseudoID: nullString("b"), EventName: "a"},
		{Timestamp: ts, UserPseudoID: nullString("a"), EventName: "scroll"},
		{Timestamp: ts, UserPseudoID: nullString("a"), EventName: "page_view"},
	}

	sortRows(rows)

	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = r.UserPseudoID.StringVal + "/" + r.EventName
	}

	want := []string{"a/page_view", "a/scroll", "b/a", "a/a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("canonical order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortRows_tiesKeepSessionAttributes(t *testing.T) {
	t.Parallel()

	ts := at(day1, 10, 0, 0)
	newRows := func() []*EventRow {
		a := &EventRow{Date: day1, Timestamp: ts, EventName: "page_view", UserPseudoID: nullString("u"), GASessionID: nullString("1")}
		b := *a
		b.PageReferrer = nullString("https://example.org/")
		b.DeviceCategory = nullString("mobile")
		c := *a
		c.GASessionID = bigquery.NullString{}
		return []*EventRow{a, &b, &c}
	}

	forward := newRows()
	backward := newRows()
	backward[0], backward[2] = backward[2], backward[0]

	sortRows(forward)
	sortRows(backward)

	if diff := cmp.Diff(forward, backward); diff != "" {
		t.Fatalf("order should not depend on the input order (-forward +backward):\n%s", diff)
	}

	if forward[0].GASessionID.Valid {
		t.Errorf("null ga_session_id should sort first, but %v", forward[0].GASessionID)
	}

	opts := SessionOptions{EngagedAfter: 10 * time.Second}
	s1, _ := AggregateSessions(forward, opts)
	s2, _ := AggregateSessions(backward, opts)
	if diff := cmp.Diff(s1, s2); diff != "" {
		t.Errorf("sessions should not depend on the input order (-forward +backward):\n%s", diff)
	}
}
