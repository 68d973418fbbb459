package tickcache

import (
	"testing"
	"time"

	"confluence-engine/pkg/db"
)

type fakeSink struct {
	sealed []*db.Candle
}

func (f *fakeSink) Seal(c *db.Candle) error {
	f.sealed = append(f.sealed, c)
	return nil
}

func TestProcessTickAccumulatesWithinSamePeriod(t *testing.T) {
	cache := New(time.Second)
	sink := &fakeSink{}
	b := NewBuilder(cache, sink, time.Second)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := b.ProcessTick(Tick{Symbol: "BTC", LastPrice: 100, LastQty: 1, ReceivedAt: base}); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := b.ProcessTick(Tick{Symbol: "BTC", LastPrice: 105, LastQty: 2, ReceivedAt: base.Add(10 * time.Second)}); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	partial, ok := cache.Partial("BTC")
	if !ok {
		t.Fatal("expected a partial candle to exist")
	}
	if partial.High != 105 || partial.Low != 100 || partial.Close != 105 || partial.Volume != 3 {
		t.Fatalf("partial = %+v, want High=105 Low=100 Close=105 Volume=3", partial)
	}
	if len(sink.sealed) != 0 {
		t.Fatalf("expected no seal within the same period, got %d", len(sink.sealed))
	}
}

func TestProcessTickSealsOnPeriodRollover(t *testing.T) {
	cache := New(time.Second)
	sink := &fakeSink{}
	b := NewBuilder(cache, sink, time.Second)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := b.ProcessTick(Tick{Symbol: "BTC", LastPrice: 100, ReceivedAt: base}); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := b.ProcessTick(Tick{Symbol: "BTC", LastPrice: 110, ReceivedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if len(sink.sealed) != 1 {
		t.Fatalf("expected exactly one sealed candle, got %d", len(sink.sealed))
	}
	if sink.sealed[0].Close != 100 {
		t.Fatalf("sealed candle close = %v, want 100 (the prior period's last tick)", sink.sealed[0].Close)
	}

	partial, ok := cache.Partial("BTC")
	if !ok || partial.Open != 110 {
		t.Fatalf("expected a fresh partial opened at 110, got %+v", partial)
	}
}

func TestProcessTickDropsDuplicates(t *testing.T) {
	cache := New(time.Minute)
	sink := &fakeSink{}
	b := NewBuilder(cache, sink, time.Second)

	tick := Tick{Symbol: "BTC", LastPrice: 100, LastQty: 1, ExchangeTimestamp: time.Unix(1000, 0)}
	if err := b.ProcessTick(tick); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := b.ProcessTick(tick); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	if got := cache.DuplicateCount("BTC"); got != 1 {
		t.Fatalf("DuplicateCount = %d, want 1", got)
	}
}

func TestSweepSealsStalePartialAfterGrace(t *testing.T) {
	cache := New(time.Second)
	sink := &fakeSink{}
	b := NewBuilder(cache, sink, 5*time.Second)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := b.ProcessTick(Tick{Symbol: "BTC", LastPrice: 100, ReceivedAt: base}); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Before the grace deadline: nothing to seal.
	if err := b.Sweep(base.Add(time.Minute)); err != nil {
		t.Fatalf("sweep before deadline: %v", err)
	}
	if len(sink.sealed) != 0 {
		t.Fatalf("expected no seal before the grace deadline, got %d", len(sink.sealed))
	}

	// Past period + grace: the stale partial must seal.
	if err := b.Sweep(base.Add(time.Minute).Add(6 * time.Second)); err != nil {
		t.Fatalf("sweep after deadline: %v", err)
	}
	if len(sink.sealed) != 1 {
		t.Fatalf("expected exactly one sweep-sealed candle, got %d", len(sink.sealed))
	}
}
