package ga4etl

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
)

// loader writes the outputs of a batch into the target dataset.
type loader interface {
	loadEvents(context.Context, civil.Date, []*EventRow) error
	loadSessions(context.Context, civil.Date, []*SessionRow) error
	mergeProfiles(context.Context, civil.Date, []*ProfileRow) error
}

const stagingTableExpiration = 24 * time.Hour

type defaultLoader struct {
	bq            *bigquery.Client
	gcs           *storage.Client
	project       string
	dataset       string
	location      string
	stagingBucket string
	retry         retryPolicy

	mu      sync.Mutex
	ensured map[string]bool
}

func newDefaultLoader(bq *bigquery.Client, gcs *storage.Client, cfg Config, rp retryPolicy) loader {
	return &defaultLoader{
		bq:            bq,
		gcs:           gcs,
		project:       cfg.ProjectID,
		dataset:       cfg.TargetDataset,
		location:      cfg.Location,
		stagingBucket: cfg.StagingBucket,
		retry:         rp,
		ensured:       map[string]bool{},
	}
}

func (l *defaultLoader) loadEvents(ctx context.Context, d civil.Date, rows []*EventRow) error {
	return loadPartition(ctx, l, eventsTable, d, rows)
}

func (l *defaultLoader) loadSessions(ctx context.Context, d civil.Date, rows []*SessionRow) error {
	return loadPartition(ctx, l, sessionsTable, d, rows)
}

// loadPartition replaces the partition of d with rows.
func loadPartition[T any](ctx context.Context, l *defaultLoader, spec tableSpec, d civil.Date, rows []*T) error {
	lg := log.Ctx(ctx).With().Str("table", spec.name).Logger()
	ctx = lg.WithContext(ctx)

	if err := l.ensureTable(ctx, spec); err != nil {
		return err
	}

	if len(rows) == 0 {
		if err := l.clearPartition(ctx, spec, d); err != nil {
			return err
		}
		lg.Info().Msg("no rows, cleared partition")
		return nil
	}

	data, err := encodeNDJSON(rows)
	if err != nil {
		return xerrors.Errorf("failed to encode %s rows: %w", spec.name, err)
	}

	t := l.bq.Dataset(l.dataset).Table(spec.name + "$" + partitionSuffix(d))
	if err := l.load(ctx, t, spec, data); err != nil {
		return xerrors.Errorf("failed to load %s partition %s: %w", spec.name, d, err)
	}

	lg.Info().Int("rows", len(rows)).Msgf("loaded %s partition %s", spec.name, partitionSuffix(d))

	return nil
}

// clearPartition empties the partition of d so a re-run with no rows doesn't keep stale data.
func (l *defaultLoader) clearPartition(ctx context.Context, spec tableSpec, d civil.Date) error {
	q := l.bq.Query(fmt.Sprintf("DELETE FROM %s WHERE %s = @date", l.tableID(spec.name), spec.partitionField))
	q.Parameters = []bigquery.QueryParameter{{Name: "date", Value: d}}

	if err := l.runQuery(ctx, "clear partition", q); err != nil {
		return xerrors.Errorf("failed to clear %s partition %s: %w", spec.name, d, err)
	}

	return nil
}

// mergeProfiles loads rows into a staging table and merges it into the profile table.
func (l *defaultLoader) mergeProfiles(ctx context.Context, d civil.Date, rows []*ProfileRow) error {
	lg := log.Ctx(ctx).With().Str("table", profilesTable.name).Logger()
	ctx = lg.WithContext(ctx)

	if len(rows) == 0 {
		lg.Info().Msg("no profiles to merge")
		return nil
	}

	if err := l.ensureTable(ctx, profilesTable); err != nil {
		return err
	}

	name := fmt.Sprintf("%s_staging_%s_%s",
		profilesTable.name, partitionSuffix(d), strings.ReplaceAll(uuid.NewString(), "-", ""))
	staging := l.bq.Dataset(l.dataset).Table(name)

	md := profilesTable.metadata()
	md.ExpirationTime = time.Now().Add(stagingTableExpiration)

	err := l.retry.do(ctx, "create staging table", func(ctx context.Context) error {
		return staging.Create(ctx, md)
	})
	if err != nil {
		return xerrors.Errorf("failed to create staging table %s: %w", name, err)
	}
	defer func() {
		if err := staging.Delete(context.Background()); err != nil {
			lg.Warn().Err(err).Msgf("failed to delete staging table %s", name)
		}
	}()

	data, err := encodeNDJSON(rows)
	if err != nil {
		return xerrors.Errorf("failed to encode profiles: %w", err)
	}

	if err := l.load(ctx, staging, profilesTable, data); err != nil {
		return xerrors.Errorf("failed to load staging table %s: %w", name, err)
	}

	q := l.bq.Query(renderProfileMerge(l.tableID(profilesTable.name), l.tableID(name)))
	if err := l.runQuery(ctx, "merge profiles", q); err != nil {
		return xerrors.Errorf("failed to merge profiles: %w", err)
	}

	lg.Info().Int("users", len(rows)).Msg("merged user profiles")

	return nil
}

func (l *defaultLoader) tableID(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", l.project, l.dataset, name)
}

// ensureTable creates the target dataset and the table of spec unless they exist.
func (l *defaultLoader) ensureTable(ctx context.Context, spec tableSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ensured[spec.name] {
		return nil
	}

	if !l.ensured[""] {
		ds := l.bq.Dataset(l.dataset)
		err := l.getOrCreate(ctx, "dataset "+l.dataset,
			func(ctx context.Context) error {
				_, err := ds.Metadata(ctx)
				return err
			},
			func(ctx context.Context) error {
				return ds.Create(ctx, &bigquery.DatasetMetadata{Location: l.location})
			})
		if err != nil {
			return err
		}
		l.ensured[""] = true
	}

	t := l.bq.Dataset(l.dataset).Table(spec.name)
	err := l.getOrCreate(ctx, "table "+spec.name,
		func(ctx context.Context) error {
			_, err := t.Metadata(ctx)
			return err
		},
		func(ctx context.Context) error {
			return t.Create(ctx, spec.metadata())
		})
	if err != nil {
		return err
	}

	l.ensured[spec.name] = true

	return nil
}

func (l *defaultLoader) getOrCreate(ctx context.Context, what string, get, create func(context.Context) error) error {
	err := l.retry.do(ctx, "get "+what, get)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return xerrors.Errorf("failed to get %s: %w", what, err)
	}

	log.Ctx(ctx).Info().Msgf("creating %s", what)

	err = l.retry.do(ctx, "create "+what, create)
	if err != nil && !isAlreadyExists(err) {
		return xerrors.Errorf("failed to create %s: %w", what, err)
	}

	return nil
}

// load runs one load job writing data into t, replacing its contents.
func (l *defaultLoader) load(ctx context.Context, t *bigquery.Table, spec tableSpec, data []byte) error {
	return l.retry.do(ctx, "load "+t.TableID, func(ctx context.Context) error {
		src, cleanup, err := l.source(ctx, spec, data)
		if err != nil {
			return err
		}
		defer cleanup()

		ld := t.LoaderFrom(src)
		ld.WriteDisposition = bigquery.WriteTruncate
		ld.CreateDisposition = bigquery.CreateIfNeeded

		md := spec.metadata()
		ld.TimePartitioning = md.TimePartitioning
		ld.Clustering = md.Clustering

		job, err := ld.Run(ctx)
		if err != nil {
			return err
		}

		return waitJob(ctx, job)
	})
}

// source returns the load source of data: the bytes themselves, or a gzip object in the
// staging bucket when one is configured.
func (l *defaultLoader) source(ctx context.Context, spec tableSpec, data []byte) (bigquery.LoadSource, func(), error) {
	if l.stagingBucket == "" || l.gcs == nil {
		rs := bigquery.NewReaderSource(bytes.NewReader(data))
		rs.SourceFormat = bigquery.JSON
		rs.Schema = spec.schema
		return rs, func() {}, nil
	}

	object := fmt.Sprintf("ga4etl/%s/%s.json.gz", spec.name, uuid.NewString())
	obj := l.gcs.Bucket(l.stagingBucket).Object(object)

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"

	gz := gzip.NewWriter(w)
	if _, err := gz.Write(data); err != nil {
		w.Close()
		return nil, nil, xerrors.Errorf("failed to write gs://%s/%s: %w", l.stagingBucket, object, err)
	}
	if err := gz.Close(); err != nil {
		w.Close()
		return nil, nil, xerrors.Errorf("failed to compress gs://%s/%s: %w", l.stagingBucket, object, err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, xerrors.Errorf("failed to upload gs://%s/%s: %w", l.stagingBucket, object, err)
	}

	ref := bigquery.NewGCSReference(fmt.Sprintf("gs://%s/%s", l.stagingBucket, object))
	ref.SourceFormat = bigquery.JSON
	ref.Compression = bigquery.Gzip
	ref.Schema = spec.schema

	cleanup := func() {
		if err := obj.Delete(context.Background()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msgf("failed to delete staged file gs://%s/%s", l.stagingBucket, object)
		}
	}

	return ref, cleanup, nil
}

func (l *defaultLoader) runQuery(ctx context.Context, op string, q *bigquery.Query) error {
	return l.retry.do(ctx, op, func(ctx context.Context) error {
		job, err := q.Run(ctx)
		if err != nil {
			return err
		}

		return waitJob(ctx, job)
	})
}

func waitJob(ctx context.Context, job *bigquery.Job) error {
	status, err := job.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("failed to wait job %s: %w", job.ID(), err)
	}

	if err := status.Err(); err != nil {
		log.Ctx(ctx).Error().Interface("errors", status.Errors).Msgf("job %s failed", job.ID())
		return err
	}

	return nil
}

// encodeNDJSON encodes rows as newline delimited JSON.
func encodeNDJSON[T any](rows []*T) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)

	for i, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, xerrors.Errorf("failed to encode row %d: %w", i, err)
		}
	}

	return buf.Bytes(), nil
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return xerrors.As(err, &gerr) && gerr.Code == http.StatusConflict
}
