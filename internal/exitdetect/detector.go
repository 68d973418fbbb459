// Package exitdetect inspects open trades on every tick for target, stop,
// time, and trailing-stop exit conditions, applies a brick-movement filter
// against oscillation, and hands confirmed candidates to the signal manager
// (§4.11). It reads open trades from storage on every tick rather than
// keeping an in-process copy, so it never drifts from the single writer.
package exitdetect

import (
	"fmt"
	"math"
	"sync"
	"time"

	"confluence-engine/internal/signal"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// Tick is the minimal per-symbol price update the detector needs.
type Tick struct {
	Symbol string
	Price  float64
	Now    time.Time
}

// Detector evaluates exit conditions for every open trade on a symbol.
type Detector struct {
	trades *trade.Manager
	mgr    *signal.Manager

	maxHoldTime       time.Duration
	trailingActivation float64
	trailingDistance   float64
	brickFilter        float64

	mu          sync.Mutex
	lastAttempt map[string]float64 // key: symbol|direction
}

// New builds a Detector bound to the trade manager and signal manager.
func New(trades *trade.Manager, mgr *signal.Manager, maxHoldTime time.Duration, trailingActivationPct, trailingDistancePct, brickFilterPct float64) *Detector {
	return &Detector{
		trades:             trades,
		mgr:                mgr,
		maxHoldTime:        maxHoldTime,
		trailingActivation: trailingActivationPct,
		trailingDistance:   trailingDistancePct,
		brickFilter:        brickFilterPct,
		lastAttempt:        make(map[string]float64),
	}
}

// OnTick evaluates every open trade on tick.Symbol for an exit condition.
// One trade's evaluation failure is returned to the caller to log, and does
// not stop the remaining trades from being checked.
func (d *Detector) OnTick(tick Tick) []error {
	open, err := d.trades.OpenForSymbol(tick.Symbol)
	if err != nil {
		return []error{fmt.Errorf("list open trades for %s: %w", tick.Symbol, err)}
	}

	var errs []error
	for _, t := range open {
		reason, ok := d.evaluate(t, tick)
		if !ok {
			continue
		}
		if !d.passesBrickFilter(t.Symbol, t.Direction, tick.Price) {
			continue
		}
		if _, err := d.mgr.HandleExitCandidate(signal.ExitCandidate{
			TradeID: t.TradeID,
			Reason:  reason,
			Price:   tick.Price,
			Now:     tick.Now,
		}); err != nil {
			errs = append(errs, fmt.Errorf("exit candidate for trade %s: %w", t.TradeID, err))
		}
	}
	return errs
}

// evaluate checks target/stop/time conditions and advances trailing-stop
// bookkeeping for t, returning the first exit reason that fires.
func (d *Detector) evaluate(t *db.Trade, tick Tick) (db.ExitReason, bool) {
	long := t.Direction == db.DirectionBuy

	if t.ExitTargetPrice != nil {
		hit := (long && tick.Price >= *t.ExitTargetPrice) || (!long && tick.Price <= *t.ExitTargetPrice)
		if hit {
			return db.ExitTargetHit, true
		}
	}
	if t.ExitStopPrice != nil {
		hit := (long && tick.Price <= *t.ExitStopPrice) || (!long && tick.Price >= *t.ExitStopPrice)
		if hit {
			return db.ExitStopLoss, true
		}
	}
	if t.EntryTimestamp != nil && tick.Now.Sub(*t.EntryTimestamp) > d.maxHoldTime {
		return db.ExitTimeBased, true
	}
	if d.trailingTriggered(t, tick, long) {
		return db.ExitTrailingStop, true
	}
	return "", false
}

// trailingTriggered advances the trailing extremum/stop in storage and
// reports whether the current price has crossed the stop adversely. The
// stop only ever moves in the favorable direction (§4.11).
func (d *Detector) trailingTriggered(t *db.Trade, tick Tick, long bool) bool {
	if t.EntryPrice == nil {
		return false
	}
	entry := *t.EntryPrice

	if !t.TrailingActive {
		favorable := (tick.Price - entry) / entry
		if !long {
			favorable = (entry - tick.Price) / entry
		}
		if favorable < d.trailingActivation {
			return false
		}
		stop := trailingStopPrice(tick.Price, d.trailingDistance, long)
		_ = d.trades.UpdateTrailing(t.TradeID, tick.Price, stop, true)
		return false
	}

	extremum := tick.Price
	changed := t.TrailingExtremum == nil
	if t.TrailingExtremum != nil {
		extremum = *t.TrailingExtremum
		if (long && tick.Price > extremum) || (!long && tick.Price < extremum) {
			extremum = tick.Price
			changed = true
		}
	}
	stop := trailingStopPrice(extremum, d.trailingDistance, long)
	if changed {
		_ = d.trades.UpdateTrailing(t.TradeID, extremum, stop, true)
	}

	if long {
		return tick.Price <= stop
	}
	return tick.Price >= stop
}

func trailingStopPrice(extremum, distance float64, long bool) float64 {
	if long {
		return extremum * (1 - distance)
	}
	return extremum * (1 + distance)
}

func (d *Detector) passesBrickFilter(symbol string, direction db.Direction, price float64) bool {
	key := symbol + "|" + string(direction)
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAttempt[key]
	if !ok {
		d.lastAttempt[key] = price
		return true
	}
	if math.Abs(price-last)/last < d.brickFilter {
		return false
	}
	d.lastAttempt[key] = price
	return true
}
