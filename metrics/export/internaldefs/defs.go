package internaldefs

import (
	goSession "github.com/MrEthical07/goSession"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// CounterDefs lists every engine counter in export order.
var CounterDefs = []CounterDef{
	{ID: goSession.MetricSessionCreated, Name: "gosession_session_created_total", Help: "Sessions persisted for the first time."},
	{ID: goSession.MetricSessionLoaded, Name: "gosession_session_loaded_total", Help: "Successful session lookups by id."},
	{ID: goSession.MetricSessionMiss, Name: "gosession_session_miss_total", Help: "Lookups that found no live session."},
	{ID: goSession.MetricSessionDeleted, Name: "gosession_session_deleted_total", Help: "Sessions deleted explicitly."},
	{ID: goSession.MetricSessionExpiredPassive, Name: "gosession_session_expired_passive_total", Help: "Sessions expired when read past their lifetime."},
	{ID: goSession.MetricSessionExpiredSweep, Name: "gosession_session_expired_sweep_total", Help: "Sessions removed by the periodic sweep."},
	{ID: goSession.MetricSessionExpiredNotification, Name: "gosession_session_expired_notification_total", Help: "Sessions cleaned up after a store expiry notification."},
	{ID: goSession.MetricSessionIDChanged, Name: "gosession_session_id_changed_total", Help: "Completed session id rotations."},
	{ID: goSession.MetricFlush, Name: "gosession_flush_total", Help: "Flushes that issued store writes."},
	{ID: goSession.MetricFlushNoop, Name: "gosession_flush_noop_total", Help: "Flushes skipped because nothing was pending."},
	{ID: goSession.MetricFlushGone, Name: "gosession_flush_gone_total", Help: "Flushes that found the record already deleted."},
	{ID: goSession.MetricCreateConflict, Name: "gosession_create_conflict_total", Help: "Create attempts that collided with an existing id."},
	{ID: goSession.MetricIndeterminateWrite, Name: "gosession_indeterminate_write_total", Help: "Writes whose outcome could not be determined."},
	{ID: goSession.MetricResolverFailure, Name: "gosession_resolver_failure_total", Help: "Index resolver errors treated as no membership."},
	{ID: goSession.MetricIndexWriteFailure, Name: "gosession_index_write_failure_total", Help: "Failed index maintenance writes."},
	{ID: goSession.MetricSweepRun, Name: "gosession_sweep_run_total", Help: "Completed expiry sweep passes."},
}

// HistogramDefs lists the latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: goSession.MetricFlushLatency, Name: "gosession_flush_latency_seconds", Help: "Latency of flushes that reached the store."},
}

// HistogramBounds are the upper bounds of the engine buckets in seconds.
var HistogramBounds = []string{
	"0.001",
	"0.002",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

// HistogramBoundSuffix renders HistogramBounds as instrument name suffixes.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_002",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
