package tickcache

import (
	"fmt"
	"sync"
	"time"
)

// dedupeWindow is a two-window rolling set of tick keys so memory stays
// bounded by 2×ticksPerWindow regardless of run length (§4.2, §8 invariant).
type dedupeWindow struct {
	mu          sync.Mutex
	windowSpan  time.Duration
	current     map[string]struct{}
	previous    map[string]struct{}
	boundary    time.Time
	dupesSeen   int64
}

func newDedupeWindow(span time.Duration) *dedupeWindow {
	return &dedupeWindow{
		windowSpan: span,
		current:    make(map[string]struct{}),
		previous:   make(map[string]struct{}),
		boundary:   time.Now().Add(span),
	}
}

func tickKey(t Tick) string {
	if t.ExchangeTimestamp.IsZero() {
		return fmt.Sprintf("%s|%d|%v|%v", t.Symbol, t.ReceivedAt.Unix(), t.LastPrice, t.LastQty)
	}
	return fmt.Sprintf("%s|%d|%v|%v", t.Symbol, t.ExchangeTimestamp.UnixNano(), t.LastPrice, t.LastQty)
}

// seen reports whether t is a duplicate, inserting its key if not. Callers
// must already own the per-symbol write lock, since this rotates windows in
// place.
func (d *dedupeWindow) seen(t Tick, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.After(d.boundary) {
		d.previous = d.current
		d.current = make(map[string]struct{})
		d.boundary = now.Add(d.windowSpan)
	}

	key := tickKey(t)
	if _, ok := d.current[key]; ok {
		d.dupesSeen++
		return true
	}
	if _, ok := d.previous[key]; ok {
		d.dupesSeen++
		return true
	}
	d.current[key] = struct{}{}
	return false
}

func (d *dedupeWindow) duplicateCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dupesSeen
}
