package ga4etl

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
)

// ErrPartitionNotFound is returned when the GA4 export table of a date doesn't exist.
var ErrPartitionNotFound = xerrors.New("source partition not found")

// SourceTable is a concrete GA4 export table.
type SourceTable struct {
	Project string
	Dataset string
	Table   string
}

// FullID returns the table ID usable in Standard SQL, e.g. `project.dataset.events_20240601`.
func (t SourceTable) FullID() string {
	return fmt.Sprintf("`%s.%s.%s`", t.Project, t.Dataset, t.Table)
}

func (t SourceTable) String() string {
	return fmt.Sprintf("%s.%s.%s", t.Project, t.Dataset, t.Table)
}

// extractor extracts GA4 events from the source dataset.
type extractor interface {
	locate(context.Context, civil.Date) (*SourceTable, error)
	extract(context.Context, *SourceTable) ([]*RawEvent, error)
}

type defaultExtractor struct {
	bq      *bigquery.Client
	project string
	dataset string
	pattern string
	retry   retryPolicy
}

func newDefaultExtractor(bq *bigquery.Client, cfg Config, rp retryPolicy) extractor {
	return &defaultExtractor{
		bq:      bq,
		project: cfg.ProjectID,
		dataset: cfg.SourceDataset,
		pattern: cfg.EventsTable,
		retry:   rp,
	}
}

// sourceTableName resolves a table pattern such as "events_*" for d.
func sourceTableName(pattern string, d civil.Date) string {
	return strings.TrimSuffix(pattern, "*") + partitionSuffix(d)
}

func (e *defaultExtractor) locate(ctx context.Context, d civil.Date) (*SourceTable, error) {
	st := &SourceTable{Project: e.project, Dataset: e.dataset, Table: sourceTableName(e.pattern, d)}
	l := log.Ctx(ctx).With().Str("table", st.String()).Logger()

	err := e.retry.do(ctx, "get source table metadata", func(ctx context.Context) error {
		_, err := e.bq.DatasetInProject(st.Project, st.Dataset).Table(st.Table).Metadata(ctx)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			l.Warn().Msg("source table doesn't exist")
			return nil, xerrors.Errorf("%s: %w", st, ErrPartitionNotFound)
		}
		return nil, xerrors.Errorf("failed to get metadata of %s: %w", st, err)
	}

	return st, nil
}

const extractQuery = `
SELECT
  event_date,
  event_timestamp,
  event_name,
  event_params,
  event_previous_timestamp,
  event_value_in_usd,
  user_id,
  user_pseudo_id,
  user_properties,
  user_first_touch_timestamp,
  device,
  geo,
  traffic_source,
  stream_id,
  platform,
  items
FROM %s`

func (e *defaultExtractor) extract(ctx context.Context, st *SourceTable) ([]*RawEvent, error) {
	l := log.Ctx(ctx)

	q := e.bq.Query(fmt.Sprintf(extractQuery, st.FullID()))

	var events []*RawEvent

	err := e.retry.do(ctx, "extract events", func(ctx context.Context) error {
		it, err := q.Read(ctx)
		if err != nil {
			return err
		}

		events, err = readAll[RawEvent](it)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to extract events from %s: %w", st, err)
	}

	l.Info().Int("events", len(events)).Msgf("extracted events from %s", st)

	return events, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return xerrors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
