// Package logger builds the process logger.
//
// Loggers are plain *slog.Logger values with:
//
//   - JSON (default) or text output
//   - a process-wide level that can change at runtime
//   - redaction of key material by attribute name
//   - request ids carried in the context
package logger
