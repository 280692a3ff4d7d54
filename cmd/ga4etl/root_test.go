package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.nownabe.dev/ga4etl"
)

// resetFlags puts the flags of rootCmd back to their defaults. They are shared by every test.
func resetFlags(t *testing.T) {
	t.Helper()

	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Fatal(err)
		}
		f.Changed = false
	})
}

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	resetFlags(t)

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().AddFlagSet(rootCmd.Flags())

	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}

	return cmd
}

func TestApplyFlags(t *testing.T) {
	cmd := newTestCommand(t,
		"--mode", "full",
		"--start-date", "2023-01-01",
		"--end-date", "2023-01-03",
		"--missing-partition", "skip",
	)

	cfg := ga4etl.DefaultConfig()
	cfg.ProjectID = "from-env"

	if err := applyFlags(cmd, &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.Mode != ga4etl.ModeFull {
		t.Errorf("mode should be full, but %s", cfg.Mode)
	}
	if cfg.StartDate != (civil.Date{Year: 2023, Month: 1, Day: 1}) {
		t.Errorf("start date should be 2023-01-01, but %s", cfg.StartDate)
	}
	if cfg.MissingPartition != ga4etl.MissingPartitionSkip {
		t.Errorf("missing partition should be skip, but %s", cfg.MissingPartition)
	}
	if cfg.ProjectID != "from-env" {
		t.Errorf("unset flags should keep the environment value, but %s", cfg.ProjectID)
	}
}

func TestApplyFlags_badDate(t *testing.T) {
	cmd := newTestCommand(t, "--start-date", "01/02/2023")

	cfg := ga4etl.DefaultConfig()

	if err := applyFlags(cmd, &cfg); err == nil {
		t.Error("expected error but no error occurred")
	}
}

func TestRun_notifiesConfigError(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)

		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()

		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	t.Setenv(ga4etl.EnvProjectID, "project")
	t.Setenv(ga4etl.EnvSourceDataset, "analytics_123")
	t.Setenv(ga4etl.EnvMode, "full")
	t.Setenv(ga4etl.EnvStartDate, "")
	t.Setenv(ga4etl.EnvEndDate, "")
	t.Setenv(ga4etl.EnvSlackToken, "")
	t.Setenv(ga4etl.EnvSlackWebhookURL, srv.URL)

	resetFlags(t)

	cmd := &cobra.Command{Use: "test", RunE: run, SilenceErrors: true, SilenceUsage: true}
	cmd.Flags().AddFlagSet(rootCmd.Flags())
	cmd.SetArgs([]string{"--env-file", ""})

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error but no error occurred")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(bodies) != 1 {
		t.Fatalf("webhook should be called once, but %d times", len(bodies))
	}
	if !strings.Contains(bodies[0], "GA4 ETL failed: full mode") || !strings.Contains(bodies[0], ga4etl.EnvStartDate) {
		t.Errorf("webhook payload should report the missing start date, but %s", bodies[0])
	}
}
