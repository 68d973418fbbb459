package monitor

import "testing"

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		h.Record(v)
	}
	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("Count = %d, want 5", stats.Count)
	}
	if stats.Min != 10 || stats.Max != 50 {
		t.Fatalf("Min/Max = %v/%v, want 10/50", stats.Min, stats.Max)
	}
	if stats.Avg != 30 {
		t.Fatalf("Avg = %v, want 30", stats.Avg)
	}
}

func TestLatencyHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	h.Record(1)
	h.Record(2)
	h.Record(3)
	h.Record(4) // evicts the 1

	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("Count = %d, want 3 after eviction", stats.Count)
	}
	if stats.Min != 2 {
		t.Fatalf("Min = %v, want 2 (the oldest sample should have been evicted)", stats.Min)
	}
}

func TestSystemMetricsSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncrementOrders()
	m.IncrementOrders()
	m.IncrementTicks()
	m.IncrementAPI()
	m.IncrementAPIErrors()

	snap := m.GetSnapshot()
	if snap.OrdersPlaced != 2 {
		t.Fatalf("OrdersPlaced = %d, want 2", snap.OrdersPlaced)
	}
	if snap.TicksProcessed != 1 {
		t.Fatalf("TicksProcessed = %d, want 1", snap.TicksProcessed)
	}
	if snap.APIRequests != 1 || snap.APIErrors != 1 {
		t.Fatalf("APIRequests/APIErrors = %d/%d, want 1/1", snap.APIRequests, snap.APIErrors)
	}
}
