/*
Package log provides structured logging for Aegis using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Aegis packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add Raft node ID context
  - WithStreamID: Add event stream ID context
  - WithSagaID: Add saga instance ID context

# Usage

Initializing the Logger:

	import "github.com/cuemby/aegis/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("stream_id", "stream-123").
		Uint64("term", term).
		Msg("became leader")

	log.Logger.Error().
		Err(err).
		Str("node_id", "node-abc").
		Msg("append entries failed")

Component Loggers:

	raftLog := log.WithComponent("raft")
	raftLog.Info().Msg("starting election")

	sagaLog := log.WithSagaID("saga-123").
		With().Str("step", "reserve-inventory").Logger()
	sagaLog.Info().Msg("step started")
	sagaLog.Error().Err(err).Msg("step failed, compensating")

# Integration Points

This package integrates with:

  - pkg/raft: Logs elections, term changes, log replication
  - pkg/cluster: Logs membership changes and command submission
  - pkg/eventstore: Logs append/compaction and subscription lifecycle
  - pkg/saga: Logs step execution and compensation
  - pkg/dispatch: Logs command/query dispatch and retries
  - pkg/api: Logs client-facing RPCs

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (node ID, stream ID, saga ID)

Don't:
  - Log secrets or sensitive data
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
*/
package log
