package ga4etl

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"golang.org/x/xerrors"
)

func testLookup(env map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(testLookup(map[string]string{
		EnvProjectID:        "my-project",
		EnvSourceDataset:    "analytics_123",
		EnvMode:             "FULL",
		EnvStartDate:        "2023-01-01",
		EnvEndDate:          "2023-01-03",
		EnvTimeZone:         "Asia/Tokyo",
		EnvEngagementEvents: "purchase, sign_up,,",
		EnvNotifyTimeout:    "3s",
		EnvLogPretty:        "true",
		EnvSlackWebhookURL:  "https://hooks.slack.com/services/T/B/X",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("config should be valid, but %v", err)
	}

	if cfg.Mode != ModeFull {
		t.Errorf("mode should be full, but %s", cfg.Mode)
	}
	if cfg.TargetDataset != defaultTargetDataset {
		t.Errorf("target dataset should default to %s, but %s", defaultTargetDataset, cfg.TargetDataset)
	}
	if cfg.TimeZone.String() != "Asia/Tokyo" {
		t.Errorf("time zone should be Asia/Tokyo, but %s", cfg.TimeZone)
	}
	if diff := cmp.Diff([]string{"purchase", "sign_up"}, cfg.EngagementEvents); diff != "" {
		t.Errorf("engagement events mismatch (-want +got):\n%s", diff)
	}
	if cfg.NotifyTimeout != 3*time.Second {
		t.Errorf("notify timeout should be 3s, but %s", cfg.NotifyTimeout)
	}
	if !cfg.PrettyLogging {
		t.Errorf("pretty logging should be enabled")
	}
	if !cfg.Slack.Enabled() {
		t.Errorf("slack should be enabled by the webhook URL")
	}

	dates := cfg.DateRange(time.Now()).Dates()
	want := []civil.Date{
		{Year: 2023, Month: 1, Day: 1},
		{Year: 2023, Month: 1, Day: 2},
		{Year: 2023, Month: 1, Day: 3},
	}
	if diff := cmp.Diff(want, dates); diff != "" {
		t.Errorf("dates mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_malformed(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"days back":  {EnvDaysBack: "yesterday"},
		"start date": {EnvStartDate: "2023/01/01"},
		"time zone":  {EnvTimeZone: "Mars/Olympus"},
		"timeout":    {EnvNotifyTimeout: "soon"},
		"pretty":     {EnvLogPretty: "maybe"},
	}

	for name, env := range cases {
		env := env
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(testLookup(env))

			var cerr *ConfigError
			if !xerrors.As(err, &cerr) {
				t.Fatalf("error should be *ConfigError, but %v", err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		modify func(*Config)
		field  string
	}{
		"valid": {
			modify: func(*Config) {},
		},
		"missing project": {
			modify: func(c *Config) { c.ProjectID = "" },
			field:  "Config.ProjectID",
		},
		"missing source dataset": {
			modify: func(c *Config) { c.SourceDataset = "" },
			field:  "Config.SourceDataset",
		},
		"unknown mode": {
			modify: func(c *Config) { c.Mode = "hourly" },
			field:  "Config.Mode",
		},
		"negative days back": {
			modify: func(c *Config) { c.DaysBack = -1 },
			field:  "Config.DaysBack",
		},
		"full without dates": {
			modify: func(c *Config) { c.Mode = ModeFull },
			field:  EnvStartDate,
		},
		"full with end before start": {
			modify: func(c *Config) {
				c.Mode = ModeFull
				c.StartDate = day2
				c.EndDate = day1
			},
			field: EnvEndDate,
		},
		"invalid calendar date": {
			modify: func(c *Config) {
				c.Mode = ModeFull
				c.StartDate = civil.Date{Year: 2023, Month: 2, Day: 30}
				c.EndDate = civil.Date{Year: 2023, Month: 3, Day: 1}
			},
			field: EnvStartDate,
		},
		"unknown template": {
			modify: func(c *Config) {
				c.TransformMethod = TransformQuery
				c.TransformTemplate = "nope"
			},
			field: EnvTransformTemplate,
		},
		"bad webhook": {
			modify: func(c *Config) { c.Slack.WebhookURL = "not a url" },
			field:  "Config.Slack.WebhookURL",
		},
	}

	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			c.modify(&cfg)

			err := cfg.Validate()
			if c.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			var cerr *ConfigError
			if !xerrors.As(err, &cerr) {
				t.Fatalf("error should be *ConfigError, but %v", err)
			}
			if cerr.Field != c.field {
				t.Errorf("field should be %s, but %s", c.field, cerr.Field)
			}
		})
	}
}

func TestConfig_DateRange_daily(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)

	if got := cfg.DateRange(now); got != SingleDay(day1) {
		t.Errorf("days_back=1 on 2024-06-02 should select 2024-06-01, but %s", got)
	}

	// 2024-06-01 20:00 UTC is already 2024-06-02 in Tokyo.
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip(err)
	}
	cfg.TimeZone = tokyo
	cfg.DaysBack = 0

	if got := cfg.DateRange(time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)); got != SingleDay(day2) {
		t.Errorf("date should follow the configured time zone, but %s", got)
	}
}

func TestConfig_EffectiveMissingPartition(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	if got := cfg.EffectiveMissingPartition(); got != MissingPartitionSkip {
		t.Errorf("daily default should be skip, but %s", got)
	}

	cfg.Mode = ModeFull
	if got := cfg.EffectiveMissingPartition(); got != MissingPartitionFail {
		t.Errorf("full default should be fail, but %s", got)
	}

	cfg.MissingPartition = MissingPartitionSkip
	if got := cfg.EffectiveMissingPartition(); got != MissingPartitionSkip {
		t.Errorf("configured policy should win, but %s", got)
	}
}

func TestProperty_DateRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	epoch := civil.Date{Year: 2020, Month: 1, Day: 1}

	properties.Property("full range yields end-start+1 ascending consecutive dates", prop.ForAll(
		func(offset, length int) bool {
			start := epoch.AddDays(offset)
			end := start.AddDays(length)

			dates := DateRange{Start: start, End: end}.Dates()
			if len(dates) != length+1 {
				return false
			}
			if dates[0] != start || dates[len(dates)-1] != end {
				return false
			}
			for i := 1; i < len(dates); i++ {
				if dates[i].DaysSince(dates[i-1]) != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 3000),
		gen.IntRange(0, 400),
	))

	properties.Property("inverted range is empty", prop.ForAll(
		func(offset, length int) bool {
			start := epoch.AddDays(offset)
			return len(DateRange{Start: start, End: start.AddDays(-length)}.Dates()) == 0
		},
		gen.IntRange(0, 3000),
		gen.IntRange(1, 400),
	))

	properties.Property("daily selects exactly today minus days_back", prop.ForAll(
		func(offset, daysBack int) bool {
			today := epoch.AddDays(offset)
			now := time.Date(today.Year, today.Month, today.Day, 12, 0, 0, 0, time.UTC)

			cfg := testConfig()
			cfg.DaysBack = daysBack

			r := cfg.DateRange(now)
			return r.Days() == 1 && today.DaysSince(r.Start) == daysBack
		},
		gen.IntRange(0, 3000),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
