// Package candle is the dual-tier candle store and event-driven aggregator:
// memory rings back the analyzer's hot reads, a durable row is the source of
// truth, and 1-minute closes cascade into 25-minute and 125-minute rollups
// (§4.3).
package candle

import (
	"fmt"
	"sync"
	"time"

	"confluence-engine/internal/eventlog"
	"confluence-engine/pkg/db"
)

const (
	ringCapacity1m   = 400
	ringCapacity25m  = 200
	ringCapacity125m = 100
	ringCapacityDay  = 60

	period25m  = 25 * time.Minute
	period125m = 125 * time.Minute
)

type ringKey struct {
	symbol string
	tf     db.Timeframe
}

// Store is the dual-tier candle store shared by the zone analyzer, sizer
// (ATR), and exit detector.
type Store struct {
	queries *db.CandleQueries
	log     *eventlog.Log

	mu    sync.RWMutex
	rings map[ringKey]*ring

	partialMu sync.Mutex
	partial25 map[string]*db.Candle // symbol -> in-progress 25m bar
	partial125 map[string]*db.Candle // symbol -> in-progress 125m bar
}

// NewStore builds a Store bound to durable storage and the event log.
func NewStore(database *db.Database, log *eventlog.Log) *Store {
	return &Store{
		queries:    db.NewCandleQueries(database),
		log:        log,
		rings:      make(map[ringKey]*ring),
		partial25:  make(map[string]*db.Candle),
		partial125: make(map[string]*db.Candle),
	}
}

func (s *Store) ringFor(symbol string, tf db.Timeframe) *ring {
	key := ringKey{symbol, tf}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[key]
	if !ok {
		r = newRing(capacityFor(tf))
		s.rings[key] = r
	}
	return r
}

func capacityFor(tf db.Timeframe) int {
	switch tf {
	case db.Timeframe1m:
		return ringCapacity1m
	case db.Timeframe25m:
		return ringCapacity25m
	case db.Timeframe125m:
		return ringCapacity125m
	default:
		return ringCapacityDay
	}
}

// Seal persists c, pushes it into the in-memory ring, emits CANDLE_CLOSED,
// and — when c is a 1-minute bar — cascades into the 25-minute and
// 125-minute rollups. Duplicate closes for the same (symbol, timeframe,
// startTime) collapse to an upsert.
func (s *Store) Seal(c *db.Candle) error {
	if err := s.queries.Upsert(c); err != nil {
		return fmt.Errorf("persist candle: %w", err)
	}
	s.ringFor(c.Symbol, c.Timeframe).push(c)
	if err := s.emitClosed(c); err != nil {
		return err
	}

	if c.Timeframe == db.Timeframe1m {
		if err := s.cascade(c, period25m, db.Timeframe25m, s.partial25); err != nil {
			return err
		}
		if err := s.cascade(c, period125m, db.Timeframe125m, s.partial125); err != nil {
			return err
		}
	}
	return nil
}

// cascade folds a closed 1-minute candle into the higher-timeframe partial
// for its containing period, sealing and emitting when the period ends.
func (s *Store) cascade(c *db.Candle, period time.Duration, tf db.Timeframe, partials map[string]*db.Candle) error {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()

	containerStart := c.StartTime.Truncate(period)
	p, ok := partials[c.Symbol]

	if ok && p.StartTime.Before(containerStart) {
		if err := s.sealHigherTimeframe(p); err != nil {
			return err
		}
		delete(partials, c.Symbol)
		ok = false
	}

	if !ok {
		partials[c.Symbol] = &db.Candle{
			Symbol: c.Symbol, Timeframe: tf, StartTime: containerStart,
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		}
		return nil
	}

	p.High = max(p.High, c.High)
	p.Low = min(p.Low, c.Low)
	p.Close = c.Close
	p.Volume += c.Volume

	if c.StartTime.Add(period1mDur).Sub(containerStart) >= period {
		if err := s.sealHigherTimeframe(p); err != nil {
			return err
		}
		delete(partials, c.Symbol)
	}
	return nil
}

const period1mDur = time.Minute

func (s *Store) sealHigherTimeframe(c *db.Candle) error {
	sealed := *c
	if err := s.queries.Upsert(&sealed); err != nil {
		return fmt.Errorf("persist %s candle: %w", sealed.Timeframe, err)
	}
	s.ringFor(sealed.Symbol, sealed.Timeframe).push(&sealed)
	return s.emitClosed(&sealed)
}

func (s *Store) emitClosed(c *db.Candle) error {
	_, err := s.log.Append(eventlog.AppendRequest{
		Type:  eventlog.TypeCandleClosed,
		Scope: db.ScopeGlobal,
		Payload: fmt.Sprintf(`{"symbol":%q,"timeframe":%q,"startTime":%q,"close":%v}`,
			c.Symbol, string(c.Timeframe), c.StartTime.Format(time.RFC3339), c.Close),
	})
	if err != nil {
		return fmt.Errorf("emit candle_closed: %w", err)
	}
	return nil
}

// RecentWindow returns up to n recent candles for (symbol, timeframe),
// reading memory first and falling back to the durable store on a cold
// cache (e.g. right after process start).
func (s *Store) RecentWindow(symbol string, tf db.Timeframe, n int) ([]*db.Candle, error) {
	r := s.ringFor(symbol, tf)
	s.mu.RLock()
	inMemory := r.last(n)
	s.mu.RUnlock()
	if len(inMemory) >= n {
		return inMemory, nil
	}
	return s.queries.RecentWindow(symbol, tf, n)
}
