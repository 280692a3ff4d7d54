// Command ga4etl flattens the GA4 BigQuery export into events, sessions and
// user profile tables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// cobra prints the error.
		stop()
		os.Exit(1)
	}
}
