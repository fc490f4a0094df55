// Package prometheus renders goSession engine metrics in the Prometheus text
// exposition format.
//
// Mount [Exporter.Handler] on any mux. Nothing is registered globally. Counter
// names follow gosession_<metric>_total and flush latency is exported as
// gosession_flush_latency_seconds.
package prometheus
