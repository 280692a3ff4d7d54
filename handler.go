package ga4etl

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// handler processes one date: extract, flatten, aggregate and load.
type handler struct {
	extractor extractor
	flattener Flattener
	loader    loader
	sessions  SessionOptions
	now       func() time.Time
}

func (h *handler) handle(ctx context.Context, d civil.Date) (*DateStats, error) {
	l := log.Ctx(ctx)
	stats := &DateStats{Date: d}

	src, err := h.extractor.locate(ctx, d)
	if err != nil {
		return stats, xerrors.Errorf("failed to locate source of %s: %w", d, err)
	}

	b := newBatch(d, src, h.extractor)

	rows, err := h.flattener.Flatten(ctx, b)
	if err != nil {
		return stats, xerrors.Errorf("failed to flatten %s: %w", src, err)
	}
	stats.EventsExtracted, _ = b.extracted()

	if len(rows) == 0 {
		l.Warn().Msgf("%s has no events, nothing to load", src)
		return stats, nil
	}

	sessions, unattributed := AggregateSessions(rows, h.sessions)
	profiles, _ := BuildProfiles(rows, d, h.now())
	stats.Unattributed = unattributed

	if unattributed > 0 {
		l.Warn().Int("rows", unattributed).Msg("rows without user or session were left out of sessions")
	}

	eg, ectx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := h.loader.loadEvents(ectx, d, rows); err != nil {
			return xerrors.Errorf("failed to load events: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		if err := h.loader.loadSessions(ectx, d, sessions); err != nil {
			return xerrors.Errorf("failed to load sessions: %w", err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return stats, err
	}

	stats.EventsLoaded = len(rows)
	stats.SessionsLoaded = len(sessions)

	// Profiles are merged after both partitions are in place.
	if err := h.loader.mergeProfiles(ctx, d, profiles); err != nil {
		return stats, xerrors.Errorf("failed to merge profiles: %w", err)
	}

	stats.UsersMerged = len(profiles)

	l.Info().
		Int("events", stats.EventsLoaded).
		Int("sessions", stats.SessionsLoaded).
		Int("users", stats.UsersMerged).
		Msgf("processed %s", d)

	return stats, nil
}
