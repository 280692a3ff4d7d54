package ga4etl

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Pipeline runs the GA4 ETL over the dates selected by its Config.
type Pipeline interface {
	// Run processes every date in ascending order. The error aggregates the
	// failures of every date; RunStats is returned either way.
	Run(context.Context) (*RunStats, error)

	// Close releases the clients.
	Close() error
}

type pipeline struct {
	cfg     Config
	handler *handler

	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	prettyLogging bool
	logLevel      *zerolog.Level
	logWriter     io.Writer

	// for test
	extractor extractor
	flattener Flattener
	loader    loader

	closers []func() error
}

// New builds a Pipeline. cfg should have been validated.
func New(ctx context.Context, cfg Config, opts ...Option) (Pipeline, error) {
	p := &pipeline{
		cfg:           cfg,
		now:           time.Now,
		prettyLogging: cfg.PrettyLogging,
		logWriter:     os.Stderr,
	}

	for _, o := range opts {
		if err := o.apply(p); err != nil {
			return nil, xerrors.Errorf("failed to apply option: %w", err)
		}
	}

	logger, err := p.buildLogger()
	if err != nil {
		return nil, err
	}
	p.logger = logger
	ctx = logger.WithContext(ctx)

	if err := p.setup(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	if p.notifier == nil {
		p.notifier = defaultNotifier(cfg)
	}

	p.handler = &handler{
		extractor: p.extractor,
		flattener: p.flattener,
		loader:    p.loader,
		sessions: SessionOptions{
			EngagedAfter:     time.Duration(cfg.SessionEngagedSeconds) * time.Second,
			EngagementEvents: cfg.EngagementEvents,
		},
		now: p.now,
	}

	return p, nil
}

func (p *pipeline) buildLogger() (zerolog.Logger, error) {
	lv := zerolog.InfoLevel
	if p.logLevel != nil {
		lv = *p.logLevel
	} else if p.cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(p.cfg.LogLevel))
		if err != nil {
			return zerolog.Logger{}, &ConfigError{Field: "LogLevel", Err: err}
		}
		lv = parsed
	}

	w := p.logWriter
	if p.prettyLogging {
		w = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(w).Level(lv).With().Timestamp().Logger(), nil
}

// setup creates the clients and default components that weren't injected.
func (p *pipeline) setup(ctx context.Context) error {
	if p.extractor != nil && p.loader != nil && p.flattener != nil {
		return nil
	}

	bq, err := bigquery.NewClient(ctx, p.cfg.ProjectID)
	if err != nil {
		return xerrors.Errorf("failed to build bigquery client: %w", err)
	}
	bq.Location = p.cfg.Location
	p.closers = append(p.closers, bq.Close)

	var gcs *storage.Client
	if p.cfg.StagingBucket != "" || strings.HasPrefix(p.cfg.TransformTemplatePath, "gs://") {
		gcs, err = storage.NewClient(ctx)
		if err != nil {
			return xerrors.Errorf("failed to build storage client: %w", err)
		}
		p.closers = append(p.closers, gcs.Close)
	}

	rp := newRetryPolicy(p.cfg.MaxRetries)

	if p.extractor == nil {
		p.extractor = newDefaultExtractor(bq, p.cfg, rp)
	}

	if p.loader == nil {
		p.loader = newDefaultLoader(bq, gcs, p.cfg, rp)
	}

	if p.flattener == nil {
		p.flattener, err = newFlattener(ctx, bq, gcs, p.cfg, rp)
		if err != nil {
			return err
		}
	}

	return nil
}

func newFlattener(ctx context.Context, bq *bigquery.Client, gcs *storage.Client, cfg Config, rp retryPolicy) (Flattener, error) {
	if cfg.TransformMethod != TransformQuery {
		return ProgrammaticFlattener{}, nil
	}

	name, text, err := loadTemplate(ctx, cfg, gcs)
	if err != nil {
		return nil, err
	}

	f, err := newQueryFlattener(bq, name, text, rp)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (p *pipeline) Close() error {
	var errs *multierror.Error

	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.closers = nil

	return errs.ErrorOrNil()
}

func (p *pipeline) Run(ctx context.Context) (*RunStats, error) {
	ctx = p.logger.WithContext(ctx)
	ctx = withStartedTime(ctx, p.now())
	l := log.Ctx(ctx)

	r := p.cfg.DateRange(p.now())
	policy := p.cfg.EffectiveMissingPartition()
	stats := &RunStats{Mode: p.cfg.Mode, Range: r}

	l.Info().
		Str("mode", string(p.cfg.Mode)).
		Str("range", r.String()).
		Str("transform", string(p.cfg.TransformMethod)).
		Msg("run started")

	p.notify(ctx, &Result{Kind: ResultStarted, Mode: p.cfg.Mode, Range: r})

	var errs *multierror.Error

	for _, d := range r.Dates() {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, xerrors.Errorf("run canceled before %s: %w", d, err))
			break
		}

		dl := l.With().Str("date", d.String()).Logger()

		ds, err := p.handler.handle(dl.WithContext(ctx), d)
		if err != nil && xerrors.Is(err, ErrPartitionNotFound) && policy == MissingPartitionSkip {
			dl.Warn().Msg("source partition not found, skipped")
			ds.Skipped = true
			err = nil
		}

		if err != nil {
			dl.Error().Err(err).Msg("failed to process date")
			ds.Err = err
			errs = multierror.Append(errs, xerrors.Errorf("%s: %w", d, err))
		}

		stats.add(ds)
	}

	if started, ok := startedTimeFrom(ctx); ok {
		stats.Duration = p.now().Sub(started)
	}

	err := errs.ErrorOrNil()

	res := &Result{Kind: ResultSucceeded, Mode: p.cfg.Mode, Range: r, Stats: stats, Error: err}
	if err != nil {
		res.Kind = ResultFailed
		l.Error().Err(err).Int("failed", len(stats.FailedDates())).Msg("run failed")
	} else {
		l.Info().Int("processed", stats.Processed()).Int("skipped", len(stats.SkippedDates())).Msg("run finished")
	}

	p.notify(ctx, res)

	return stats, err
}

func (p *pipeline) notify(ctx context.Context, r *Result) {
	notify(ctx, p.notifier, p.cfg.NotifyTimeout, r)
}

// NotifyFailure reports err, raised before a Pipeline could run, to the notifier cfg configures.
// cfg doesn't need to be valid. Like every notification it is best-effort.
func NotifyFailure(ctx context.Context, cfg Config, err error) {
	r := &Result{Kind: ResultFailed, Mode: cfg.Mode, Error: err}
	if cfg.Mode == ModeFull && cfg.Validate() == nil {
		r.Range = cfg.DateRange(time.Now())
	}

	notify(ctx, defaultNotifier(cfg), cfg.NotifyTimeout, r)
}

func defaultNotifier(cfg Config) Notifier {
	if cfg.Slack.Enabled() {
		return NewSlackNotifier(cfg.Slack)
	}

	return LogNotifier{}
}

// notify sends r on a best-effort basis within timeout. Failures are logged only.
func notify(ctx context.Context, n Notifier, timeout time.Duration, r *Result) {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.Notify(ctx, r); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("kind", r.Kind.String()).Msg("failed to send notification")
	}
}
