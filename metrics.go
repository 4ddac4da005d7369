package storageaccess

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricRequestGranted counts RequestAccess calls ending in a grant.
	MetricRequestGranted MetricID = iota
	// MetricRequestAlreadyGranted counts short-circuits on existing grants.
	MetricRequestAlreadyGranted
	// MetricRequestSameSite counts same-site no-op successes.
	MetricRequestSameSite
	// MetricRequestDeniedNoPolicy counts denials with no stored policy.
	MetricRequestDeniedNoPolicy
	// MetricRequestDeniedPolicy counts denials by matcher rejection.
	MetricRequestDeniedPolicy
	// MetricRequestNoActivation counts failures of the activation gate.
	MetricRequestNoActivation
	// MetricRequestDeclined counts dialog rejections by the user.
	MetricRequestDeclined
	// MetricRequestCancelled counts dialogs cancelled by document teardown.
	MetricRequestCancelled
	// MetricRequestParked counts consented requests parked for a later sweep.
	MetricRequestParked
	// MetricPermitStored counts accepted PermitAccessFrom calls.
	MetricPermitStored
	// MetricPermitInvalid counts rejected Permit arguments.
	MetricPermitInvalid
	// MetricPermitNoActivation counts Permit activation-gate failures.
	MetricPermitNoActivation
	// MetricSweepGrantCreated counts grants created by the Permit sweep.
	MetricSweepGrantCreated
	// MetricRemoteCheckAllowed counts remote probes returning HTTP 200.
	MetricRemoteCheckAllowed
	// MetricRemoteCheckRejected counts remote probes returning non-200.
	MetricRemoteCheckRejected
	// MetricRemoteCheckFailed counts remote probes that failed outright.
	MetricRemoteCheckFailed
	// MetricGrantCreated counts grant records written.
	MetricGrantCreated
	// MetricGrantDeleted counts grant records removed.
	MetricGrantDeleted
	// MetricSiteDataCleared counts external site-data clear events.
	MetricSiteDataCleared
	// MetricRequestLatency is the RequestAccess latency histogram.
	MetricRequestLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a lock-free counter set sized at compile time. Counters are
// cache-line padded so concurrent request paths do not false-share.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
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

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricRequestLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

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
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricRequestLatency].buckets[i])
		}
		s.Histograms[MetricRequestLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
