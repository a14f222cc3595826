// Package logging provides structured logging using uber/zap.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Security violations, permission denials, evicted operations and escalated
// conflicts go through Audit, a named "audit" logger that always writes at
// warn level.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Bridge initialized", zap.String("origin", origin))
//	logger.Audit("security violation", zap.String("origin", got))
package logging
