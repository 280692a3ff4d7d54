package ga4etl

import (
	"context"
	"time"
)

type contextKey string

const (
	startedTimeKey contextKey = "startedTime"
)

func withStartedTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startedTimeKey, t)
}

func startedTimeFrom(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startedTimeKey).(time.Time)
	return t, ok
}
