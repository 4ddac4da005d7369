package storageaccess

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricRequestGranted)

	if got := m.Value(MetricRequestGranted); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricRequestGranted)
	m.Inc(MetricRequestGranted)
	m.Inc(MetricRequestGranted)

	if got := m.Value(MetricRequestGranted); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricPermitStored)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricPermitStored); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricRequestLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricRequestLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricRequestGranted)
	m.Inc(MetricRequestDeclined)
	m.Inc(MetricRequestDeclined)
	m.Observe(MetricRequestLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricRequestGranted] != 1 {
		t.Fatalf("expected MetricRequestGranted=1 got %d", snap.Counters[MetricRequestGranted])
	}
	if snap.Counters[MetricRequestDeclined] != 2 {
		t.Fatalf("expected MetricRequestDeclined=2 got %d", snap.Counters[MetricRequestDeclined])
	}
	if len(snap.Histograms[MetricRequestLatency]) != 8 {
		t.Fatal("expected histogram length 8")
	}
	if snap.Histograms[MetricRequestLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricRequestLatency][0])
	}
}

func TestEngineCountersTrackOutcomes(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	doc := Document{Origin: "https://app.example", ID: "d1"}

	// Denied: no policy.
	if _, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test"); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	// Granted.
	if _, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test"); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	// Short-circuit on existing grant.
	if _, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test"); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricRequestDeniedNoPolicy] != 1 {
		t.Fatalf("expected 1 no-policy denial, got %d", snap.Counters[MetricRequestDeniedNoPolicy])
	}
	if snap.Counters[MetricRequestGranted] != 1 {
		t.Fatalf("expected 1 grant, got %d", snap.Counters[MetricRequestGranted])
	}
	if snap.Counters[MetricRequestAlreadyGranted] != 1 {
		t.Fatalf("expected 1 short-circuit, got %d", snap.Counters[MetricRequestAlreadyGranted])
	}
	if snap.Counters[MetricGrantCreated] != 1 {
		t.Fatalf("expected 1 grant record, got %d", snap.Counters[MetricGrantCreated])
	}
	if snap.Counters[MetricPermitStored] != 1 {
		t.Fatalf("expected 1 stored policy, got %d", snap.Counters[MetricPermitStored])
	}
}
