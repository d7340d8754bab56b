// Package logging provides structured logging for the Z-Way bridge.
//
// This package wraps Go's standard log/slog package so that every component
// logs with the same fields and format.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering, adjustable at runtime via SetLevel
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// The level can also be set with ZWAY_BRIDGE_LOG_LEVEL.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected to controller", "devices", 12)
//	logger.Error("command failed", "device", "5-1", "error", err)
//
// Never log controller or broker passwords. Log config.Config.Redacted
// instead of the raw configuration.
package logging
