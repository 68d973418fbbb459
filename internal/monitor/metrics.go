// Package monitor tracks system-wide counters and latency histograms for
// orders, ticks, signals, and reconcile passes, exposed at the API's
// /api/v1/metrics endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	OrderLatency     *LatencyHistogram
	APILatency       *LatencyHistogram
	ReconcileLatency *LatencyHistogram

	ordersPlaced     uint64
	ticksProcessed   uint64
	signalsPublished uint64
	exitsFilled      uint64
	apiRequests      uint64
	apiErrors        uint64

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and caches
// computed stats until a new sample invalidates them.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:     NewLatencyHistogram(1000),
		APILatency:       NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(1000),
		lastUpdate:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram of the given size.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only when dirty.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min: sorted[0], Max: sorted[n-1], Avg: sum / float64(n),
		P50: sorted[n/2], P95: sorted[int(float64(n)*0.95)], P99: sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementOrders()    { atomic.AddUint64(&m.ordersPlaced, 1) }
func (m *SystemMetrics) IncrementTicks()     { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *SystemMetrics) IncrementSignals()   { atomic.AddUint64(&m.signalsPublished, 1) }
func (m *SystemMetrics) IncrementExitFills() { atomic.AddUint64(&m.exitsFilled, 1) }
func (m *SystemMetrics) IncrementAPI()       { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// Snapshot is a point-in-time view of every counter and histogram.
type Snapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	ReconcileLatency LatencyStats `json:"reconcile_latency"`
	OrdersPlaced     uint64       `json:"orders_placed"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	SignalsPublished uint64       `json:"signals_published"`
	ExitsFilled      uint64       `json:"exits_filled"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAllocBytes   uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current metrics snapshot.
func (m *SystemMetrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsPublished: atomic.LoadUint64(&m.signalsPublished),
		ExitsFilled:      atomic.LoadUint64(&m.exitsFilled),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAllocBytes:   mem.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer measures an operation's duration and records it on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer that records elapsed time to h on Stop.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
