package ga4etl

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Option configures Pipeline.
type Option interface {
	apply(*pipeline) error
}

type optionFunc func(*pipeline) error

func (f optionFunc) apply(p *pipeline) error {
	return f(p)
}

// WithPrettyLogging configures Pipeline to print human friendly logs.
func WithPrettyLogging() Option {
	return optionFunc(func(p *pipeline) error {
		p.prettyLogging = true
		return nil
	})
}

// WithLogLevel overrides the configured log level.
func WithLogLevel(lv zerolog.Level) Option {
	return optionFunc(func(p *pipeline) error {
		p.logLevel = &lv
		return nil
	})
}

// WithLogWriter sends logs to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return optionFunc(func(p *pipeline) error {
		p.logWriter = w
		return nil
	})
}

// WithNotifier replaces the notifier built from the configuration.
func WithNotifier(n Notifier) Option {
	return optionFunc(func(p *pipeline) error {
		p.notifier = n
		return nil
	})
}

// WithClock replaces time.Now, which decides the daily date.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(p *pipeline) error {
		p.now = now
		return nil
	})
}
