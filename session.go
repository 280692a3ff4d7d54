package ga4etl

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// SessionOptions tunes the engaged flag of sessions.
type SessionOptions struct {
	// EngagedAfter marks sessions lasting at least this long as engaged.
	EngagedAfter time.Duration

	// EngagementEvents mark sessions containing any of them as engaged.
	EngagementEvents []string
}

type sessionKey struct {
	user    string
	session string
	date    civil.Date
}

// AggregateSessions groups flat rows by user, GA session and date. Rows without a user
// pseudo ID or a GA session ID can't be attributed and are counted in the second result.
// rows must be in canonical order; descriptive attributes come from the first row of each session.
func AggregateSessions(rows []*EventRow, opts SessionOptions) ([]*SessionRow, int) {
	groups := map[sessionKey][]*EventRow{}
	keys := []sessionKey{}
	unattributed := 0

	for _, r := range rows {
		if !r.UserPseudoID.Valid || !r.GASessionID.Valid {
			unattributed++
			continue
		}

		k := sessionKey{user: r.UserPseudoID.StringVal, session: r.GASessionID.StringVal, date: r.Date}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.user != b.user {
			return a.user < b.user
		}
		if a.session != b.session {
			return a.session < b.session
		}
		return a.date.Before(b.date)
	})

	sessions := make([]*SessionRow, 0, len(keys))
	for _, k := range keys {
		sessions = append(sessions, aggregateSession(k, groups[k], opts))
	}

	return sessions, unattributed
}

func aggregateSession(k sessionKey, events []*EventRow, opts SessionOptions) *SessionRow {
	first := events[0]

	s := &SessionRow{
		UserPseudoID:     k.user,
		SessionID:        k.session,
		SessionStartTime: first.Timestamp,
		SessionEndTime:   first.Timestamp,
		EventCount:       int64(len(events)),
		Referrer:         first.PageReferrer,
		DeviceCategory:   first.DeviceCategory,
		OperatingSystem:  first.DeviceOperatingSystem,
		Country:          first.GeoCountry,
		City:             first.GeoCity,
		TrafficSource:    first.TrafficSourceSource,
		TrafficMedium:    first.TrafficSourceMedium,
		Date:             k.date,
	}

	flagged := false
	engagementEvent := false

	for _, e := range events {
		if e.Timestamp.Before(s.SessionStartTime) {
			s.SessionStartTime = e.Timestamp
		}
		if e.Timestamp.After(s.SessionEndTime) {
			s.SessionEndTime = e.Timestamp
		}
		if e.EventName == "page_view" {
			s.Pageviews++
		}
		if e.EngagementTimeMsec.Valid {
			s.EngagementTimeMsec += e.EngagementTimeMsec.Int64
		}
		if e.SessionEngaged.Valid && e.SessionEngaged.Bool {
			flagged = true
		}
		if contains(opts.EngagementEvents, e.EventName) {
			engagementEvent = true
		}
	}

	duration := s.SessionEndTime.Sub(s.SessionStartTime)
	s.SessionDurationSeconds = duration.Seconds()
	s.Engaged = flagged || engagementEvent || s.Pageviews >= 2 ||
		(opts.EngagedAfter > 0 && duration >= opts.EngagedAfter)

	return s
}
