package ga4etl

import (
	"cloud.google.com/go/bigquery"
)

// RawEvent is a row of a GA4 BigQuery export table (events_YYYYMMDD).
type RawEvent struct {
	EventDate               string               `bigquery:"event_date"`
	EventTimestamp          int64                `bigquery:"event_timestamp"`
	EventName               string               `bigquery:"event_name"`
	EventParams             []Param              `bigquery:"event_params"`
	EventPreviousTimestamp  bigquery.NullInt64   `bigquery:"event_previous_timestamp"`
	EventValueInUSD         bigquery.NullFloat64 `bigquery:"event_value_in_usd"`
	UserID                  bigquery.NullString  `bigquery:"user_id"`
	UserPseudoID            bigquery.NullString  `bigquery:"user_pseudo_id"`
	UserProperties          []Param              `bigquery:"user_properties"`
	UserFirstTouchTimestamp bigquery.NullInt64   `bigquery:"user_first_touch_timestamp"`
	Device                  Device               `bigquery:"device"`
	Geo                     Geo                  `bigquery:"geo"`
	TrafficSource           TrafficSource        `bigquery:"traffic_source"`
	StreamID                bigquery.NullString  `bigquery:"stream_id"`
	Platform                bigquery.NullString  `bigquery:"platform"`
	Items                   []Item               `bigquery:"items"`
}

// Param is an entry of event_params or user_properties.
type Param struct {
	Key   string     `bigquery:"key"`
	Value ParamValue `bigquery:"value"`
}

// ParamValue holds at most one typed value of a parameter.
type ParamValue struct {
	StringValue bigquery.NullString  `bigquery:"string_value"`
	IntValue    bigquery.NullInt64   `bigquery:"int_value"`
	FloatValue  bigquery.NullFloat64 `bigquery:"float_value"`
	DoubleValue bigquery.NullFloat64 `bigquery:"double_value"`
}

// Device is the device record of an event.
type Device struct {
	Category        bigquery.NullString `bigquery:"category"`
	MobileBrandName bigquery.NullString `bigquery:"mobile_brand_name"`
	MobileModelName bigquery.NullString `bigquery:"mobile_model_name"`
	OperatingSystem bigquery.NullString `bigquery:"operating_system"`
	Language        bigquery.NullString `bigquery:"language"`
}

// Geo is the geo record of an event.
type Geo struct {
	Country bigquery.NullString `bigquery:"country"`
	Region  bigquery.NullString `bigquery:"region"`
	City    bigquery.NullString `bigquery:"city"`
}

// TrafficSource is the user's first-touch traffic source.
type TrafficSource struct {
	Name   bigquery.NullString `bigquery:"name"`
	Medium bigquery.NullString `bigquery:"medium"`
	Source bigquery.NullString `bigquery:"source"`
}

// Item is an element of the items array of ecommerce events.
type Item struct {
	ItemID   bigquery.NullString  `bigquery:"item_id"`
	ItemName bigquery.NullString  `bigquery:"item_name"`
	Quantity bigquery.NullInt64   `bigquery:"quantity"`
	Price    bigquery.NullFloat64 `bigquery:"price"`
}

// param returns the first event parameter named key.
func (e *RawEvent) param(key string) (ParamValue, bool) {
	for _, p := range e.EventParams {
		if p.Key == key {
			return p.Value, true
		}
	}

	return ParamValue{}, false
}
