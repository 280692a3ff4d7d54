/*
Package ga4etl loads the Google Analytics 4 BigQuery export into flat tables.

For each date it reads the export table events_YYYYMMDD, flattens the nested
events into one row per event, groups them into sessions and merges a profile
per user. The outputs are written to the target dataset:

	events          one row per event, partitioned by date
	sessions        one row per user session, partitioned by date
	user_profiles   one row per user, merged across runs

Partitions are replaced atomically, so re-running a date gives the same tables.

# Getting started

Configuration is read from environment variables.

	cfg, err := ga4etl.LoadConfig(os.LookupEnv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := ga4etl.New(ctx, cfg, ga4etl.WithPrettyLogging())
	if err != nil {
		return err
	}
	defer p.Close()

	stats, err := p.Run(ctx)

# Transform methods

TRANSFORM_METHOD=programmatic flattens events in process. TRANSFORM_METHOD=query
renders a SQL template (templates/events.sql, or TRANSFORM_TEMPLATE_PATH) and lets
BigQuery flatten them. Both produce the same rows.
*/
package ga4etl
