package tickcache

import (
	"fmt"
	"time"

	"confluence-engine/pkg/db"
)

// CandleSink receives sealed 1-minute candles, implemented by internal/candle.
// It owns durable persistence, higher-timeframe aggregation, and event
// emission for every timeframe level.
type CandleSink interface {
	Seal(c *db.Candle) error
}

// Builder is the single-writer-per-symbol entry point for tick ingestion.
// Callers must guarantee that at most one goroutine calls ProcessTick for a
// given symbol at a time; the cache itself does not serialize writers.
type Builder struct {
	cache *Cache
	sink  CandleSink
	grace time.Duration
}

// NewBuilder wires a tick cache to its candle sink.
func NewBuilder(cache *Cache, sink CandleSink, grace time.Duration) *Builder {
	return &Builder{cache: cache, sink: sink, grace: grace}
}

// ProcessTick implements the four-step contract of §4.2: dedupe, record
// liveness, update the cache, extend (and possibly seal) the partial candle.
func (b *Builder) ProcessTick(tick Tick) error {
	if tick.ReceivedAt.IsZero() {
		tick.ReceivedAt = time.Now()
	}
	now := tick.ReceivedAt

	st := b.cache.stateFor(tick.Symbol)
	if st.dedupe.seen(tick, now) {
		return nil // duplicate, dropped silently with a counter increment
	}

	prev := st.current.Load()
	periodStartAt := periodStart(now)

	var partial PartialCandle
	var sealed *PartialCandle

	switch {
	case prev == nil, prev.partial.Open == 0 && prev.partial.High == 0 && prev.partial.Low == 0:
		// No partial yet, or the empty placeholder Sweep leaves behind: start
		// a fresh bar with nothing to seal.
		partial = *newPartial(tick.Symbol, periodStartAt, tick)
	case prev.partial.StartTime.Before(periodStartAt):
		closed := prev.partial
		sealed = &closed
		partial = *newPartial(tick.Symbol, periodStartAt, tick)
	default:
		partial = prev.partial
		partial.extend(tick)
	}

	st.current.Store(&snapshot{lastTick: tick, lastTickAt: now, partial: partial})

	if sealed != nil {
		if err := b.sealAndEmit(sealed); err != nil {
			return err
		}
	}
	return nil
}

// Sweep seals any partial whose period has elapsed by more than grace
// without a trailing tick (boundary recovery, §4.2).
func (b *Builder) Sweep(now time.Time) error {
	for _, symbol := range b.cache.Symbols() {
		st := b.cache.stateFor(symbol)
		prev := st.current.Load()
		if prev == nil || (prev.partial.Open == 0 && prev.partial.High == 0 && prev.partial.Low == 0) {
			continue
		}
		deadline := prev.partial.StartTime.Add(period1m).Add(b.grace)
		if !now.After(deadline) {
			continue
		}
		closed := prev.partial
		// Replace with a fresh empty partial at the next boundary so a late
		// tick after the sweep starts a clean bar instead of reopening the
		// sealed one.
		st.current.Store(&snapshot{
			lastTick:   prev.lastTick,
			lastTickAt: prev.lastTickAt,
			partial:    PartialCandle{Symbol: symbol, StartTime: periodStart(now)},
		})
		if err := b.sealAndEmit(&closed); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) sealAndEmit(p *PartialCandle) error {
	candle := &db.Candle{
		Symbol:    p.Symbol,
		Timeframe: db.Timeframe1m,
		StartTime: p.StartTime,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
	if err := b.sink.Seal(candle); err != nil {
		return fmt.Errorf("seal 1m candle %s@%s: %w", p.Symbol, p.StartTime, err)
	}
	return nil
}
