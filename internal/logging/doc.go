// Package logging provides structured logging for testwright.
//
// It wraps zap with context-aware methods so every log line carries run
// correlation fields (run id, pipeline stage, trace/span ids when a span is
// active). Loggers are created once at startup from config and handed down
// through constructors; code deep in the call tree can also pull the logger
// from context via FromContext.
package logging
