package ga4etl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

// Mode is a processing mode.
type Mode string

// Processing modes.
const (
	ModeDaily Mode = "daily"
	ModeFull  Mode = "full"
)

// TransformMethod selects the Flattener.
type TransformMethod string

// Transform methods.
const (
	TransformProgrammatic TransformMethod = "programmatic"
	TransformQuery        TransformMethod = "query"
)

// MissingPartitionPolicy decides what happens to a date whose source table doesn't exist.
type MissingPartitionPolicy string

// Missing partition policies.
const (
	MissingPartitionSkip MissingPartitionPolicy = "skip"
	MissingPartitionFail MissingPartitionPolicy = "fail"
)

// Environment variable names.
const (
	EnvProjectID             = "GCP_PROJECT_ID"
	EnvSourceDataset         = "BQ_SOURCE_DATASET"
	EnvTargetDataset         = "BQ_TARGET_DATASET"
	EnvLocation              = "BQ_LOCATION"
	EnvEventsTable           = "GA4_EVENTS_TABLE"
	EnvMode                  = "PROCESSING_MODE"
	EnvDaysBack              = "DAYS_BACK"
	EnvStartDate             = "START_DATE"
	EnvEndDate               = "END_DATE"
	EnvTimeZone              = "TIMEZONE"
	EnvTransformMethod       = "TRANSFORM_METHOD"
	EnvTransformTemplate     = "TRANSFORM_TEMPLATE"
	EnvTransformTemplatePath = "TRANSFORM_TEMPLATE_PATH"
	EnvMissingPartition      = "MISSING_PARTITION"
	EnvStagingBucket         = "BQ_STAGING_BUCKET"
	EnvSessionEngagedSeconds = "SESSION_ENGAGED_SECONDS"
	EnvEngagementEvents      = "ENGAGEMENT_EVENTS"
	EnvMaxRetries            = "MAX_RETRIES"
	EnvSlackWebhookURL       = "SLACK_WEBHOOK_URL"
	EnvSlackToken            = "SLACK_TOKEN"
	EnvSlackChannel          = "SLACK_CHANNEL"
	EnvSlackUsername         = "SLACK_USERNAME"
	EnvSlackIconEmoji        = "SLACK_ICON_EMOJI"
	EnvNotifyTimeout         = "NOTIFY_TIMEOUT"
	EnvLogLevel              = "LOG_LEVEL"
	EnvLogPretty             = "LOG_PRETTY"
)

const (
	defaultTargetDataset         = "ga4_processed"
	defaultLocation              = "US"
	defaultEventsTable           = "events_*"
	defaultDaysBack              = 1
	defaultTransformTemplate     = "events"
	defaultSessionEngagedSeconds = 10
	defaultMaxRetries            = 3
	defaultSlackChannel          = "#ga4-etl-notifications"
	defaultSlackUsername         = "GA4 ETL Bot"
	defaultNotifyTimeout         = 10 * time.Second
	defaultLogLevel              = "info"
)

// Config holds every run parameter. It is built once at startup and passed by value.
type Config struct {
	ProjectID     string `validate:"required"`
	SourceDataset string `validate:"required"`
	TargetDataset string `validate:"required"`
	Location      string
	EventsTable   string `validate:"required"`

	Mode      Mode           `validate:"oneof=daily full"`
	DaysBack  int            `validate:"gte=0"`
	StartDate civil.Date     `validate:"-"`
	EndDate   civil.Date     `validate:"-"`
	TimeZone  *time.Location `validate:"-"`

	TransformMethod       TransformMethod `validate:"oneof=programmatic query"`
	TransformTemplate     string
	TransformTemplatePath string

	// MissingPartition is empty when the mode's default applies.
	MissingPartition MissingPartitionPolicy `validate:"omitempty,oneof=skip fail"`

	// StagingBucket enables staging load files in Cloud Storage.
	StagingBucket string

	SessionEngagedSeconds int `validate:"gte=0"`
	EngagementEvents      []string

	MaxRetries int `validate:"gte=0"`

	Slack         SlackConfig
	NotifyTimeout time.Duration `validate:"gt=0"`

	LogLevel      string
	PrettyLogging bool
}

// SlackConfig configures notifications. Slack is disabled when neither WebhookURL nor Token is set.
type SlackConfig struct {
	WebhookURL string `validate:"omitempty,url"`
	Token      string
	Channel    string
	Username   string
	IconEmoji  string
}

// Enabled reports whether Slack notifications are configured.
func (c SlackConfig) Enabled() bool {
	return c.WebhookURL != "" || c.Token != ""
}

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}

	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LookupFunc looks up an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(string) (string, bool)

// DefaultConfig returns a Config with every default applied and no required value set.
func DefaultConfig() Config {
	return Config{
		TargetDataset:         defaultTargetDataset,
		Location:              defaultLocation,
		EventsTable:           defaultEventsTable,
		Mode:                  ModeDaily,
		DaysBack:              defaultDaysBack,
		TimeZone:              time.UTC,
		TransformMethod:       TransformProgrammatic,
		TransformTemplate:     defaultTransformTemplate,
		SessionEngagedSeconds: defaultSessionEngagedSeconds,
		MaxRetries:            defaultMaxRetries,
		Slack: SlackConfig{
			Channel:  defaultSlackChannel,
			Username: defaultSlackUsername,
		},
		NotifyTimeout: defaultNotifyTimeout,
		LogLevel:      defaultLogLevel,
	}
}

// LoadConfig reads the configuration from environment variables. The result isn't validated yet.
func LoadConfig(lookup LookupFunc) (Config, error) {
	c := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str(EnvProjectID, &c.ProjectID)
	env.str(EnvSourceDataset, &c.SourceDataset)
	env.str(EnvTargetDataset, &c.TargetDataset)
	env.str(EnvLocation, &c.Location)
	env.str(EnvEventsTable, &c.EventsTable)

	if v, ok := env.get(EnvMode); ok {
		c.Mode = Mode(strings.ToLower(v))
	}

	env.integer(EnvDaysBack, &c.DaysBack)
	env.date(EnvStartDate, &c.StartDate)
	env.date(EnvEndDate, &c.EndDate)

	if v, ok := env.get(EnvTimeZone); ok {
		loc, err := time.LoadLocation(v)
		if err != nil {
			env.fail(EnvTimeZone, err)
		} else {
			c.TimeZone = loc
		}
	}

	if v, ok := env.get(EnvTransformMethod); ok {
		c.TransformMethod = TransformMethod(strings.ToLower(v))
	}

	env.str(EnvTransformTemplate, &c.TransformTemplate)
	env.str(EnvTransformTemplatePath, &c.TransformTemplatePath)

	if v, ok := env.get(EnvMissingPartition); ok {
		c.MissingPartition = MissingPartitionPolicy(strings.ToLower(v))
	}

	env.str(EnvStagingBucket, &c.StagingBucket)
	env.integer(EnvSessionEngagedSeconds, &c.SessionEngagedSeconds)

	if v, ok := env.get(EnvEngagementEvents); ok {
		c.EngagementEvents = splitList(v)
	}

	env.integer(EnvMaxRetries, &c.MaxRetries)

	env.str(EnvSlackWebhookURL, &c.Slack.WebhookURL)
	env.str(EnvSlackToken, &c.Slack.Token)
	env.str(EnvSlackChannel, &c.Slack.Channel)
	env.str(EnvSlackUsername, &c.Slack.Username)
	env.str(EnvSlackIconEmoji, &c.Slack.IconEmoji)

	if v, ok := env.get(EnvNotifyTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			env.fail(EnvNotifyTimeout, err)
		} else {
			c.NotifyTimeout = d
		}
	}

	if v, ok := env.get(EnvLogLevel); ok {
		c.LogLevel = strings.ToLower(v)
	}

	if v, ok := env.get(EnvLogPretty); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			env.fail(EnvLogPretty, err)
		} else {
			c.PrettyLogging = b
		}
	}

	if env.err != nil {
		return c, env.err
	}

	return c, nil
}

// Validate checks required values and the combinations of mode and dates.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if xerrors.As(err, &verrs) && len(verrs) > 0 {
			return &ConfigError{Field: verrs[0].Namespace(), Err: err}
		}
		return &ConfigError{Err: err}
	}

	switch c.Mode {
	case ModeFull:
		if c.StartDate.IsZero() {
			return &ConfigError{Field: EnvStartDate, Err: xerrors.New("required in full mode")}
		}
		if c.EndDate.IsZero() {
			return &ConfigError{Field: EnvEndDate, Err: xerrors.New("required in full mode")}
		}
		if !c.StartDate.IsValid() {
			return &ConfigError{Field: EnvStartDate, Err: xerrors.Errorf("%s is not a calendar date", c.StartDate)}
		}
		if !c.EndDate.IsValid() {
			return &ConfigError{Field: EnvEndDate, Err: xerrors.Errorf("%s is not a calendar date", c.EndDate)}
		}
		if c.EndDate.Before(c.StartDate) {
			return &ConfigError{
				Field: EnvEndDate,
				Err:   xerrors.Errorf("end date %s is before start date %s", c.EndDate, c.StartDate),
			}
		}
	case ModeDaily:
		if c.DaysBack < 0 {
			return &ConfigError{Field: EnvDaysBack, Err: xerrors.Errorf("must be >= 0, got %d", c.DaysBack)}
		}
	}

	if c.TransformMethod == TransformQuery && c.TransformTemplatePath == "" {
		if _, ok := builtinTemplate(c.TransformTemplate); !ok {
			return &ConfigError{
				Field: EnvTransformTemplate,
				Err:   xerrors.Errorf("unknown built-in template %q", c.TransformTemplate),
			}
		}
	}

	return nil
}

// DateRange resolves the dates to process relative to now.
func (c Config) DateRange(now time.Time) DateRange {
	if c.Mode == ModeFull {
		return DateRange{Start: c.StartDate, End: c.EndDate}
	}

	loc := c.TimeZone
	if loc == nil {
		loc = time.UTC
	}

	return SingleDay(civil.DateOf(now.In(loc)).AddDays(-c.DaysBack))
}

// EffectiveMissingPartition returns the policy in force: skip for daily runs and fail for backfills unless configured.
func (c Config) EffectiveMissingPartition() MissingPartitionPolicy {
	if c.MissingPartition != "" {
		return c.MissingPartition
	}

	if c.Mode == ModeFull {
		return MissingPartitionFail
	}

	return MissingPartitionSkip
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(name)
	if !ok {
		return "", false
	}

	v = strings.TrimSpace(v)

	return v, v != ""
}

func (r *envReader) fail(name string, err error) {
	if r.err == nil {
		r.err = &ConfigError{Field: name, Err: err}
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, err)
		return
	}

	*dst = n
}

func (r *envReader) date(name string, dst *civil.Date) {
	v, ok := r.get(name)
	if !ok {
		return
	}

	d, err := civil.ParseDate(v)
	if err != nil {
		r.fail(name, err)
		return
	}

	*dst = d
}

func splitList(s string) []string {
	var out []string

	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}
