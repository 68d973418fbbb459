package tickcache

import (
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is the immutable view published after each tick so reads never
// block on the owning writer (§4.2: "reads are concurrent and lock-free").
type snapshot struct {
	lastTick   Tick
	lastTickAt time.Time
	partial    PartialCandle
}

// symbolState is the single-writer partition for one symbol: the owning
// ingestion task is the only caller permitted to mutate it.
type symbolState struct {
	dedupe  *dedupeWindow
	current atomic.Pointer[snapshot]
}

// Cache is the sharded symbol → state map. There is no shard hashing beyond
// a plain sync.Map keyed by symbol: partitioning by symbol is already the
// single-writer boundary, so a map lookup per tick is sufficient and avoids
// a second hashing layer on top of the caller's own partition key.
type Cache struct {
	dedupeSpan time.Duration
	states     sync.Map // symbol -> *symbolState
}

// New builds an empty tick cache with the given dedupe window span per side.
func New(dedupeSpan time.Duration) *Cache {
	return &Cache{dedupeSpan: dedupeSpan}
}

func (c *Cache) stateFor(symbol string) *symbolState {
	if v, ok := c.states.Load(symbol); ok {
		return v.(*symbolState)
	}
	st := &symbolState{dedupe: newDedupeWindow(c.dedupeSpan)}
	actual, _ := c.states.LoadOrStore(symbol, st)
	return actual.(*symbolState)
}

// LastTick returns the most recently accepted tick for symbol.
func (c *Cache) LastTick(symbol string) (Tick, time.Time, bool) {
	v, ok := c.states.Load(symbol)
	if !ok {
		return Tick{}, time.Time{}, false
	}
	snap := v.(*symbolState).current.Load()
	if snap == nil {
		return Tick{}, time.Time{}, false
	}
	return snap.lastTick, snap.lastTickAt, true
}

// Partial returns a copy of the in-progress 1-minute candle for symbol.
func (c *Cache) Partial(symbol string) (PartialCandle, bool) {
	v, ok := c.states.Load(symbol)
	if !ok {
		return PartialCandle{}, false
	}
	snap := v.(*symbolState).current.Load()
	if snap == nil {
		return PartialCandle{}, false
	}
	return snap.partial, true
}

// DuplicateCount reports how many ticks were dropped as duplicates for symbol.
func (c *Cache) DuplicateCount(symbol string) int64 {
	v, ok := c.states.Load(symbol)
	if !ok {
		return 0
	}
	return v.(*symbolState).dedupe.duplicateCount()
}

// Symbols lists every symbol this cache currently tracks, for the boundary
// recovery sweep.
func (c *Cache) Symbols() []string {
	var out []string
	c.states.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}
