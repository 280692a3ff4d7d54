package main

import (
	"os"

	"cloud.google.com/go/civil"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"go.nownabe.dev/ga4etl"
)

var flags struct {
	envFile         string
	mode            string
	daysBack        int
	startDate       string
	endDate         string
	project         string
	transformMethod string
	missing         string
	logLevel        string
	pretty          bool
}

var rootCmd = &cobra.Command{
	Use:   "ga4etl",
	Short: "Load the GA4 BigQuery export into flat events, sessions and user profiles.",
	Long: `ga4etl reads the daily GA4 export tables (events_YYYYMMDD) and writes
flattened events, sessions and user profiles into the target dataset.

Configuration comes from environment variables (and a .env file when present);
flags override them.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.envFile, "env-file", ".env", "dotenv file to load if it exists")
	f.StringVar(&flags.mode, "mode", "", "processing mode: daily or full")
	f.IntVar(&flags.daysBack, "days-back", 0, "days before today to process in daily mode")
	f.StringVar(&flags.startDate, "start-date", "", "first date of full mode (YYYY-MM-DD)")
	f.StringVar(&flags.endDate, "end-date", "", "last date of full mode (YYYY-MM-DD)")
	f.StringVar(&flags.project, "project", "", "GCP project ID")
	f.StringVar(&flags.transformMethod, "transform-method", "", "programmatic or query")
	f.StringVar(&flags.missing, "missing-partition", "", "skip or fail dates without a source table")
	f.StringVar(&flags.logLevel, "log-level", "", "log level")
	f.BoolVar(&flags.pretty, "pretty", false, "print human friendly logs")
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		ga4etl.NotifyFailure(ctx, cfg, err)
		return err
	}

	p, err := ga4etl.New(ctx, cfg)
	if err != nil {
		ga4etl.NotifyFailure(ctx, cfg, err)
		return err
	}
	defer p.Close()

	_, err = p.Run(ctx)

	return err
}

// loadConfig reads the environment and the flags. The config read so far is returned along
// with an error so that the failure can still be notified.
func loadConfig(cmd *cobra.Command) (ga4etl.Config, error) {
	envErr := loadEnvFile(flags.envFile)

	cfg, err := ga4etl.LoadConfig(os.LookupEnv)
	if envErr != nil {
		return cfg, envErr
	}
	if err != nil {
		return cfg, err
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return xerrors.Errorf("failed to load %s: %w", path, err)
	}

	return nil
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *ga4etl.Config) error {
	f := cmd.Flags()

	if f.Changed("mode") {
		cfg.Mode = ga4etl.Mode(flags.mode)
	}
	if f.Changed("days-back") {
		cfg.DaysBack = flags.daysBack
	}
	if f.Changed("start-date") {
		d, err := civil.ParseDate(flags.startDate)
		if err != nil {
			return &ga4etl.ConfigError{Field: "start-date", Err: err}
		}
		cfg.StartDate = d
	}
	if f.Changed("end-date") {
		d, err := civil.ParseDate(flags.endDate)
		if err != nil {
			return &ga4etl.ConfigError{Field: "end-date", Err: err}
		}
		cfg.EndDate = d
	}
	if f.Changed("project") {
		cfg.ProjectID = flags.project
	}
	if f.Changed("transform-method") {
		cfg.TransformMethod = ga4etl.TransformMethod(flags.transformMethod)
	}
	if f.Changed("missing-partition") {
		cfg.MissingPartition = ga4etl.MissingPartitionPolicy(flags.missing)
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if f.Changed("pretty") {
		cfg.PrettyLogging = flags.pretty
	}

	return nil
}
