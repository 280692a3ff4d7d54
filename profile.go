package ga4etl

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
)

// BuildProfiles summarises the users of a batch. rows must be in canonical order.
// Rows without a user pseudo ID are skipped and counted in the second result.
func BuildProfiles(rows []*EventRow, batchDate civil.Date, now time.Time) ([]*ProfileRow, int) {
	type acc struct {
		profile  *ProfileRow
		sessions map[string]struct{}
		devices  counter
		oses     counter
		country  counter
	}

	users := map[string]*acc{}
	skipped := 0

	for _, r := range rows {
		if !r.UserPseudoID.Valid {
			skipped++
			continue
		}

		id := r.UserPseudoID.StringVal
		a, ok := users[id]
		if !ok {
			a = &acc{
				profile: &ProfileRow{
					UserPseudoID:       id,
					FirstSeen:          r.Timestamp,
					LastSeen:           r.Timestamp,
					FirstTrafficSource: r.TrafficSourceSource,
					FirstTrafficMedium: r.TrafficSourceMedium,
					LastBatchDate:      batchDate,
					LastUpdated:        now.UTC(),
				},
				sessions: map[string]struct{}{},
				devices:  counter{},
				oses:     counter{},
				country:  counter{},
			}
			users[id] = a
		}

		p := a.profile
		p.EventCount++
		if r.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = r.Timestamp
		}
		if r.Timestamp.After(p.LastSeen) {
			p.LastSeen = r.Timestamp
		}
		if r.GASessionID.Valid {
			a.sessions[r.GASessionID.StringVal] = struct{}{}
		}
		a.devices.add(r.DeviceCategory)
		a.oses.add(r.DeviceOperatingSystem)
		a.country.add(r.GeoCountry)
	}

	profiles := make([]*ProfileRow, 0, len(users))
	for _, a := range users {
		a.profile.SessionCount = int64(len(a.sessions))
		a.profile.MostUsedDevice = a.devices.top()
		a.profile.MostUsedOS = a.oses.top()
		a.profile.Country = a.country.top()
		profiles = append(profiles, a.profile)
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].UserPseudoID < profiles[j].UserPseudoID
	})

	return profiles, skipped
}

type counter map[string]int

func (c counter) add(v bigquery.NullString) {
	if v.Valid {
		c[v.StringVal]++
	}
}

// top returns the most frequent value, the smallest one on ties.
func (c counter) top() bigquery.NullString {
	best, n := "", 0

	for v, cnt := range c {
		if cnt > n || (cnt == n && v < best) {
			best, n = v, cnt
		}
	}

	if n == 0 {
		return bigquery.NullString{}
	}

	return nullString(best)
}

// profileMergeSQL upserts staged profiles into the profile table.
//
// New users are inserted. Users already merged from an older batch get their latest
// attributes and accumulated counts. first_seen only moves backwards and the first-touch
// traffic source is never replaced. A batch that isn't newer than the stored
// last_batch_date doesn't add counts again, so re-running a date leaves profiles unchanged.
const profileMergeSQL = `
MERGE %[1]s T
USING %[2]s S
ON T.user_pseudo_id = S.user_pseudo_id
WHEN MATCHED AND S.last_batch_date > T.last_batch_date THEN
  UPDATE SET
    first_seen = LEAST(T.first_seen, S.first_seen),
    last_seen = GREATEST(T.last_seen, S.last_seen),
    session_count = T.session_count + S.session_count,
    event_count = T.event_count + S.event_count,
    most_used_device = COALESCE(S.most_used_device, T.most_used_device),
    most_used_os = COALESCE(S.most_used_os, T.most_used_os),
    country = COALESCE(S.country, T.country),
    first_traffic_source = COALESCE(T.first_traffic_source, S.first_traffic_source),
    first_traffic_medium = COALESCE(T.first_traffic_medium, S.first_traffic_medium),
    last_batch_date = S.last_batch_date,
    last_updated = S.last_updated
WHEN MATCHED AND S.first_seen < T.first_seen THEN
  UPDATE SET
    first_seen = S.first_seen,
    last_updated = S.last_updated
WHEN NOT MATCHED THEN
  INSERT ROW`

func renderProfileMerge(target, staging string) string {
	return fmt.Sprintf(profileMergeSQL, target, staging)
}
