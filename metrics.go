package goSession

import (
	"sync/atomic"
	"time"
)

// MetricID names one engine counter.
type MetricID uint16

const (
	MetricSessionCreated MetricID = iota
	MetricSessionLoaded
	MetricSessionMiss
	MetricSessionDeleted
	MetricSessionExpiredPassive
	MetricSessionExpiredSweep
	MetricSessionExpiredNotification
	MetricSessionIDChanged
	// MetricFlush counts flushes that issued at least one store call.
	MetricFlush
	// MetricFlushNoop counts flushes skipped because nothing was pending.
	MetricFlushNoop
	// MetricFlushGone counts flushes that found the record already deleted.
	MetricFlushGone
	MetricCreateConflict
	MetricIndeterminateWrite
	MetricResolverFailure
	MetricIndexWriteFailure
	MetricSweepRun
	// MetricFlushLatency is the only histogram-backed metric.
	MetricFlushLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSessionCreated:             "session_created",
	MetricSessionLoaded:              "session_loaded",
	MetricSessionMiss:                "session_miss",
	MetricSessionDeleted:             "session_deleted",
	MetricSessionExpiredPassive:      "session_expired_passive",
	MetricSessionExpiredSweep:        "session_expired_sweep",
	MetricSessionExpiredNotification: "session_expired_notification",
	MetricSessionIDChanged:           "session_id_changed",
	MetricFlush:                      "flush",
	MetricFlushNoop:                  "flush_noop",
	MetricFlushGone:                  "flush_gone",
	MetricCreateConflict:             "create_conflict",
	MetricIndeterminateWrite:         "indeterminate_write",
	MetricResolverFailure:            "resolver_failure",
	MetricIndexWriteFailure:          "index_write_failure",
	MetricSweepRun:                   "sweep_run",
	MetricFlushLatency:               "flush_latency",
}

// String returns the stable snake_case name used by the exporters.
func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps hot counters on separate cache lines.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Add(id MetricID, n int) {
	if m == nil || !m.enabled || id >= metricIDCount || n <= 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, uint64(n))
}

// Observe records d in the latency histogram of id. Only MetricFlushLatency
// carries a histogram; other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricFlushLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. A disabled collector yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricFlushLatency].buckets[i])
		}
		s.Histograms[MetricFlushLatency] = buckets
	}
	return s
}

// Bucket upper bounds in milliseconds; the last bucket is open.
var latencyBucketBoundsMs = [histBucketCount - 1]int64{1, 2, 5, 10, 25, 50, 100}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	for i, bound := range latencyBucketBoundsMs {
		if ms <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
