// Package sinks implements progress consumers: Prometheus run metrics, the
// run repository, and structured logging.
package sinks
