package ga4etl

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
)

// EventRow is a flattened event: one row of the events table.
type EventRow struct {
	Date         civil.Date          `bigquery:"date" json:"date"`
	Timestamp    time.Time           `bigquery:"timestamp" json:"timestamp"`
	EventName    string              `bigquery:"event_name" json:"event_name"`
	UserID       bigquery.NullString `bigquery:"user_id" json:"user_id"`
	UserPseudoID bigquery.NullString `bigquery:"user_pseudo_id" json:"user_pseudo_id"`
	Platform     bigquery.NullString `bigquery:"platform" json:"platform"`

	DeviceCategory        bigquery.NullString `bigquery:"device_category" json:"device_category"`
	DeviceMobileBrandName bigquery.NullString `bigquery:"device_mobile_brand_name" json:"device_mobile_brand_name"`
	DeviceMobileModelName bigquery.NullString `bigquery:"device_mobile_model_name" json:"device_mobile_model_name"`
	DeviceOperatingSystem bigquery.NullString `bigquery:"device_operating_system" json:"device_operating_system"`
	DeviceLanguage        bigquery.NullString `bigquery:"device_language" json:"device_language"`

	GeoCountry bigquery.NullString `bigquery:"geo_country" json:"geo_country"`
	GeoRegion  bigquery.NullString `bigquery:"geo_region" json:"geo_region"`
	GeoCity    bigquery.NullString `bigquery:"geo_city" json:"geo_city"`

	TrafficSourceName   bigquery.NullString `bigquery:"traffic_source_name" json:"traffic_source_name"`
	TrafficSourceMedium bigquery.NullString `bigquery:"traffic_source_medium" json:"traffic_source_medium"`
	TrafficSourceSource bigquery.NullString `bigquery:"traffic_source_source" json:"traffic_source_source"`

	PageLocation       bigquery.NullString `bigquery:"page_location" json:"page_location"`
	PageTitle          bigquery.NullString `bigquery:"page_title" json:"page_title"`
	PageReferrer       bigquery.NullString `bigquery:"page_referrer" json:"page_referrer"`
	SessionID          bigquery.NullString `bigquery:"session_id" json:"session_id"`
	SessionEngaged     bigquery.NullBool   `bigquery:"session_engaged" json:"session_engaged"`
	EngagementTimeMsec bigquery.NullInt64  `bigquery:"engagement_time_msec" json:"engagement_time_msec"`
	GASessionID        bigquery.NullString `bigquery:"ga_session_id" json:"ga_session_id"`
	GASessionNumber    bigquery.NullInt64  `bigquery:"ga_session_number" json:"ga_session_number"`

	LinkURL     bigquery.NullString `bigquery:"link_url" json:"link_url"`
	LinkText    bigquery.NullString `bigquery:"link_text" json:"link_text"`
	LinkClasses bigquery.NullString `bigquery:"link_classes" json:"link_classes"`
	LinkID      bigquery.NullString `bigquery:"link_id" json:"link_id"`
	Outbound    bigquery.NullBool   `bigquery:"outbound" json:"outbound"`

	PercentScrolled bigquery.NullFloat64 `bigquery:"percent_scrolled" json:"percent_scrolled"`

	Currency      bigquery.NullString  `bigquery:"currency" json:"currency"`
	Value         bigquery.NullFloat64 `bigquery:"value" json:"value"`
	TransactionID bigquery.NullString  `bigquery:"transaction_id" json:"transaction_id"`
	Tax           bigquery.NullFloat64 `bigquery:"tax" json:"tax"`
	Shipping      bigquery.NullFloat64 `bigquery:"shipping" json:"shipping"`
	ItemID        bigquery.NullString  `bigquery:"item_id" json:"item_id"`
	ItemName      bigquery.NullString  `bigquery:"item_name" json:"item_name"`
	ItemQuantity  bigquery.NullInt64   `bigquery:"item_quantity" json:"item_quantity"`
}

// SessionRow is one row of the sessions table.
type SessionRow struct {
	UserPseudoID           string              `bigquery:"user_pseudo_id" json:"user_pseudo_id"`
	SessionID              string              `bigquery:"session_id" json:"session_id"`
	SessionStartTime       time.Time           `bigquery:"session_start_time" json:"session_start_time"`
	SessionEndTime         time.Time           `bigquery:"session_end_time" json:"session_end_time"`
	SessionDurationSeconds float64             `bigquery:"session_duration_seconds" json:"session_duration_seconds"`
	EventCount             int64               `bigquery:"event_count" json:"event_count"`
	Pageviews              int64               `bigquery:"pageviews" json:"pageviews"`
	EngagementTimeMsec     int64               `bigquery:"engagement_time_msec" json:"engagement_time_msec"`
	Engaged                bool                `bigquery:"engaged" json:"engaged"`
	Referrer               bigquery.NullString `bigquery:"referrer" json:"referrer"`
	DeviceCategory         bigquery.NullString `bigquery:"device_category" json:"device_category"`
	OperatingSystem        bigquery.NullString `bigquery:"operating_system" json:"operating_system"`
	Country                bigquery.NullString `bigquery:"country" json:"country"`
	City                   bigquery.NullString `bigquery:"city" json:"city"`
	TrafficSource          bigquery.NullString `bigquery:"traffic_source" json:"traffic_source"`
	TrafficMedium          bigquery.NullString `bigquery:"traffic_medium" json:"traffic_medium"`
	Date                   civil.Date          `bigquery:"date" json:"date"`
}

// ProfileRow is one row of the user_profiles table.
type ProfileRow struct {
	UserPseudoID       string              `bigquery:"user_pseudo_id" json:"user_pseudo_id"`
	FirstSeen          time.Time           `bigquery:"first_seen" json:"first_seen"`
	LastSeen           time.Time           `bigquery:"last_seen" json:"last_seen"`
	SessionCount       int64               `bigquery:"session_count" json:"session_count"`
	EventCount         int64               `bigquery:"event_count" json:"event_count"`
	MostUsedDevice     bigquery.NullString `bigquery:"most_used_device" json:"most_used_device"`
	MostUsedOS         bigquery.NullString `bigquery:"most_used_os" json:"most_used_os"`
	Country            bigquery.NullString `bigquery:"country" json:"country"`
	FirstTrafficSource bigquery.NullString `bigquery:"first_traffic_source" json:"first_traffic_source"`
	FirstTrafficMedium bigquery.NullString `bigquery:"first_traffic_medium" json:"first_traffic_medium"`
	LastBatchDate      civil.Date          `bigquery:"last_batch_date" json:"last_batch_date"`
	LastUpdated        time.Time           `bigquery:"last_updated" json:"last_updated"`
}

// tableSpec describes a destination table.
type tableSpec struct {
	name           string
	schema         bigquery.Schema
	partitionField string
	clustering     []string
}

func (s tableSpec) partitioned() bool {
	return s.partitionField != ""
}

func (s tableSpec) metadata() *bigquery.TableMetadata {
	md := &bigquery.TableMetadata{Schema: s.schema}

	if s.partitioned() {
		md.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: s.partitionField,
		}
	}

	if len(s.clustering) > 0 {
		md.Clustering = &bigquery.Clustering{Fields: s.clustering}
	}

	return md
}

var (
	eventsTable = tableSpec{
		name:           "events",
		schema:         mustInferSchema(EventRow{}),
		partitionField: "date",
		clustering:     []string{"event_name", "user_pseudo_id"},
	}

	sessionsTable = tableSpec{
		name:           "sessions",
		schema:         mustInferSchema(SessionRow{}),
		partitionField: "date",
		clustering:     []string{"user_pseudo_id"},
	}

	profilesTable = tableSpec{
		name:   "user_profiles",
		schema: mustInferSchema(ProfileRow{}),
	}
)

func mustInferSchema(st interface{}) bigquery.Schema {
	s, err := bigquery.InferSchema(st)
	if err != nil {
		panic(err)
	}

	return s
}
