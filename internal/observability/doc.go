// Package observability provides structured logging and metrics for the
// token gate.
//
// This package implements:
//   - Structured logging with contextual fields (zap-based)
//   - Prometheus metrics on a private registry
//
// The verification pipeline, the key-set cache and the HTTP gate all report
// through it.
package observability
