/*
Package log provides structured logging for pdsmover using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and migration-scoped loggers:

	jobLog := log.WithComponent("jobs")
	jobLog.Info().Str("queue", "migrations").Msg("worker started")

	phaseLog := log.WithPhase(migration.ID, "import_blobs")
	phaseLog.Error().Err(err).Str("blob", cid).Msg("blob upload failed")

Never log decrypted credential material; log the field name and expiry only.
*/
package log
