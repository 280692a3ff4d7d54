package ga4etl

import (
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/bigquery"
)

// The coercions below are mirrored by the template macros in query_flattener.go.
// Keep both in sync so that the two flatteners produce the same columns.

// String values are cast only when they match these patterns. Both Go and BigQuery use RE2,
// so the SQL macros guard their casts with the same expressions. The patterns leave out the
// forms only one side accepts, like hex integers in BigQuery and hex floats in Go.
const (
	intPattern   = `^[+-]?[0-9]+$`
	floatPattern = `^[+-]?([0-9]+(\.[0-9]*)?|\.[0-9]+)([eE][+-]?[0-9]+)?$`
)

var (
	intRE   = regexp.MustCompile(intPattern)
	floatRE = regexp.MustCompile(floatPattern)
)

// asString takes string_value, else int_value in decimal.
func (v ParamValue) asString() bigquery.NullString {
	if v.StringValue.Valid {
		return v.StringValue
	}

	if v.IntValue.Valid {
		return bigquery.NullString{StringVal: strconv.FormatInt(v.IntValue.Int64, 10), Valid: true}
	}

	return bigquery.NullString{}
}

// asInt takes int_value, else string_value parsed as a decimal integer.
func (v ParamValue) asInt() bigquery.NullInt64 {
	if v.IntValue.Valid {
		return v.IntValue
	}

	if v.StringValue.Valid && intRE.MatchString(v.StringValue.StringVal) {
		if n, err := strconv.ParseInt(v.StringValue.StringVal, 10, 64); err == nil {
			return bigquery.NullInt64{Int64: n, Valid: true}
		}
	}

	return bigquery.NullInt64{}
}

// asFloat takes double_value, float_value, int_value, then string_value parsed.
func (v ParamValue) asFloat() bigquery.NullFloat64 {
	switch {
	case v.DoubleValue.Valid:
		return v.DoubleValue
	case v.FloatValue.Valid:
		return v.FloatValue
	case v.IntValue.Valid:
		return bigquery.NullFloat64{Float64: float64(v.IntValue.Int64), Valid: true}
	case v.StringValue.Valid && floatRE.MatchString(v.StringValue.StringVal):
		if f, err := strconv.ParseFloat(v.StringValue.StringVal, 64); err == nil {
			return bigquery.NullFloat64{Float64: f, Valid: true}
		}
	}

	return bigquery.NullFloat64{}
}

// asBool is true for a non-zero int_value or "1"/"true", false for 0 or "0"/"false".
func (v ParamValue) asBool() bigquery.NullBool {
	if v.IntValue.Valid {
		return bigquery.NullBool{Bool: v.IntValue.Int64 != 0, Valid: true}
	}

	if v.StringValue.Valid {
		switch strings.ToLower(v.StringValue.StringVal) {
		case "1", "true":
			return bigquery.NullBool{Bool: true, Valid: true}
		case "0", "false":
			return bigquery.NullBool{Bool: false, Valid: true}
		}
	}

	return bigquery.NullBool{}
}

func (e *RawEvent) stringParam(key string) bigquery.NullString {
	if v, ok := e.param(key); ok {
		return v.asString()
	}

	return bigquery.NullString{}
}

func (e *RawEvent) intParam(key string) bigquery.NullInt64 {
	if v, ok := e.param(key); ok {
		return v.asInt()
	}

	return bigquery.NullInt64{}
}

func (e *RawEvent) floatParam(key string) bigquery.NullFloat64 {
	if v, ok := e.param(key); ok {
		return v.asFloat()
	}

	return bigquery.NullFloat64{}
}

func (e *RawEvent) boolParam(key string) bigquery.NullBool {
	if v, ok := e.param(key); ok {
		return v.asBool()
	}

	return bigquery.NullBool{}
}
