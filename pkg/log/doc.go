// Package log provides sharepipe's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that feeds a formatter/outputs
// pipeline, so output stays consistent across the codebase.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("stage"), log.Str("topic", "cohort-load"))
//	l.Info("worker started", log.Int("worker", 3))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config: text or JSON
// formatting, an output (stderr, stdout, null), key redaction for PII such as
// recipient emails and phone numbers, and per-message sampling for hot paths.
//
// # Interop
//
// RedirectStdLog routes the standard library logger (used by Pebble) into a
// Logger. Printf adapts a Logger to printf-style logger funcs such as the
// ones kafka-go accepts.
package log
