package ga4etl

import (
	"context"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
)

func newTestRetryPolicy(maxRetries int, slept *[]time.Duration) retryPolicy {
	rp := newRetryPolicy(maxRetries)
	rp.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return rp
}

func TestRetryPolicy_do(t *testing.T) {
	t.Parallel()

	transient := &googleapi.Error{Code: http.StatusServiceUnavailable}

	cases := map[string]struct {
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		"success":              {errs: nil, wantCalls: 1},
		"recovers":             {errs: []error{transient, transient}, wantCalls: 3},
		"gives up":             {errs: []error{transient, transient, transient, transient}, wantCalls: 4, wantErr: true},
		"permanent":            {errs: []error{&googleapi.Error{Code: http.StatusForbidden}}, wantCalls: 1, wantErr: true},
		"wrapped rate limited": {errs: []error{xerrors.Errorf("job: %w", &bigquery.Error{Reason: "rateLimitExceeded"})}, wantCalls: 2},
	}

	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var slept []time.Duration
			rp := newTestRetryPolicy(3, &slept)

			calls := 0
			err := rp.do(context.Background(), "test", func(context.Context) error {
				calls++
				if calls <= len(c.errs) {
					return c.errs[calls-1]
				}
				return nil
			})

			if calls != c.wantCalls {
				t.Errorf("calls should be %d, but %d", c.wantCalls, calls)
			}
			if (err != nil) != c.wantErr {
				t.Errorf("error should be returned: %v, but %v", c.wantErr, err)
			}
			if len(slept) != calls-1 && !c.wantErr {
				t.Errorf("should sleep between %d calls, but slept %d times", calls, len(slept))
			}
		})
	}
}

func TestRetryPolicy_canceled(t *testing.T) {
	t.Parallel()

	rp := newRetryPolicy(5)
	rp.initial = time.Hour
	rp.max = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := rp.do(ctx, "test", func(context.Context) error {
		calls++
		return &googleapi.Error{Code: http.StatusTooManyRequests}
	})

	if !xerrors.Is(err, context.Canceled) {
		t.Errorf("error should be context.Canceled, but %v", err)
	}
	if calls != 1 {
		t.Errorf("calls should be 1, but %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{&googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{&googleapi.Error{Code: http.StatusBadGateway}, true},
		{&googleapi.Error{Code: http.StatusBadRequest, Errors: []googleapi.ErrorItem{{Reason: "backendError"}}}, true},
		{&googleapi.Error{Code: http.StatusBadRequest, Errors: []googleapi.ErrorItem{{Reason: "invalid"}}}, false},
		{&googleapi.Error{Code: http.StatusNotFound}, false},
		{&bigquery.Error{Reason: "internalError"}, true},
		{&bigquery.Error{Reason: "invalidQuery"}, false},
		{xerrors.New("boom"), false},
	}

	for _, c := range cases {
		if got := isTransient(c.err); got != c.want {
			t.Errorf("isTransient(%v) should be %v, but %v", c.err, c.want, got)
		}
	}
}
