package ga4etl

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
)

// retryPolicy retries warehouse calls failing with transient errors.
type retryPolicy struct {
	maxRetries int
	initial    time.Duration
	max        time.Duration

	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
}

func newRetryPolicy(maxRetries int) retryPolicy {
	return retryPolicy{
		maxRetries: maxRetries,
		initial:    time.Second,
		max:        30 * time.Second,
		sleep:      gax.Sleep,
	}
}

func (p retryPolicy) do(ctx context.Context, op string, f func(context.Context) error) error {
	bo := gax.Backoff{Initial: p.initial, Max: p.max, Multiplier: 2}

	for attempt := 0; ; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}

		if attempt >= p.maxRetries || !isTransient(err) {
			return err
		}

		d := bo.Pause()
		log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", d).Msgf("%s: retrying transient error", op)

		if err := p.sleep(ctx, d); err != nil {
			return xerrors.Errorf("%s: %w", op, err)
		}
	}
}

var transientReasons = map[string]bool{
	"rateLimitExceeded":    true,
	"jobRateLimitExceeded": true,
	"backendError":         true,
	"internalError":        true,
}

// isTransient reports whether err is worth retrying: rate limits and server side failures.
// Schema, permission and not-found errors are not.
func isTransient(err error) bool {
	var gerr *googleapi.Error
	if xerrors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		for _, e := range gerr.Errors {
			if transientReasons[e.Reason] {
				return true
			}
		}
		return false
	}

	var berr *bigquery.Error
	if xerrors.As(err, &berr) {
		return transientReasons[berr.Reason]
	}

	return false
}
