// Package progress carries harvest run events from the controller to
// pluggable sinks. Emitters never block; a background goroutine batches
// events and hands them to sinks such as Prometheus or the run store.
package progress
