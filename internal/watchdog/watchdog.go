// Package watchdog runs the periodic liveness sweep over storage, the
// data-broker feed, the broadcast hub, and candle freshness, and flips a
// read-only guard that the entry/exit executors consult before placing any
// order (§4.15).
package watchdog

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/tickcache"
	"confluence-engine/pkg/cache"
	"confluence-engine/pkg/db"
)

// HubStatus is the narrow view the watchdog needs of the broadcast hub.
type HubStatus interface {
	SessionCount() int
	QueueDepth() int
}

const candleStaleFactor = 3    // a partial older than 3 periods without sealing is stuck
const hubQueueStuckFactor = 3 // a queue depth unchanged for 3 sweeps is considered stuck

// Check is one liveness probe's outcome.
type Check struct {
	Name string
	OK   bool
	Detail string
}

// Watchdog periodically evaluates every liveness check and exposes a single
// ReadOnly() bool satisfying internal/execution.Guard.
type Watchdog struct {
	database        *db.Database
	prices          *cache.ShardedPriceCache
	ticks           *tickcache.Cache
	dataGateway     broker.DataGateway
	hub             HubStatus
	log             *eventlog.Log
	staleFeedWindow time.Duration
	interval        time.Duration

	readOnly atomic.Bool

	// hub queue cross-sweep tracking (§4.15 "hub queue depth"); sweep runs
	// on a single goroutine so these need no synchronization of their own.
	lastHubQueueDepth  int
	hubQueueStuckSince time.Time
}

// New builds a Watchdog. hub and dataGateway may be nil (those checks are
// skipped then, e.g. before the data broker session is established).
func New(database *db.Database, prices *cache.ShardedPriceCache, ticks *tickcache.Cache, dataGateway broker.DataGateway, hub HubStatus, eventLog *eventlog.Log, staleFeedWindow, interval time.Duration) *Watchdog {
	return &Watchdog{
		database:        database,
		prices:          prices,
		ticks:           ticks,
		dataGateway:     dataGateway,
		hub:             hub,
		log:             eventLog,
		staleFeedWindow: staleFeedWindow,
		interval:        interval,
	}
}

// ReadOnly implements internal/execution.Guard: executors consult this
// before every order placement.
func (w *Watchdog) ReadOnly() bool {
	return w.readOnly.Load()
}

// Run sweeps on a fixed interval until done is closed, flipping ReadOnly on
// any failing check and clearing it once every check passes again.
func (w *Watchdog) Run(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	checks := []Check{
		w.checkStorage(ctx),
		w.checkFeedLiveness(),
		w.checkHubQueue(),
		w.checkCandleLiveness(),
		w.checkDataBrokerSession(ctx),
	}

	healthy := true
	for _, c := range checks {
		if !c.OK {
			healthy = false
			log.Printf("watchdog: check %q failed: %s", c.Name, c.Detail)
			w.emit(c)
		}
	}

	wasReadOnly := w.readOnly.Swap(!healthy)
	if wasReadOnly != !healthy {
		if !healthy {
			log.Printf("watchdog: entering read-only mode")
		} else {
			log.Printf("watchdog: all checks passing, leaving read-only mode")
		}
	}
}

func (w *Watchdog) checkStorage(ctx context.Context) Check {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := w.database.DB.PingContext(pingCtx); err != nil {
		return Check{Name: "storage", OK: false, Detail: err.Error()}
	}
	return Check{Name: "storage", OK: true}
}

func (w *Watchdog) checkFeedLiveness() Check {
	if w.prices == nil {
		return Check{Name: "feed", OK: true}
	}
	age, ok := w.prices.OldestUpdate()
	if !ok {
		return Check{Name: "feed", OK: true, Detail: "no symbols tracked yet"}
	}
	if age > w.staleFeedWindow {
		return Check{Name: "feed", OK: false, Detail: fmt.Sprintf("oldest price is %s stale", age)}
	}
	return Check{Name: "feed", OK: true}
}

// checkHubQueue flags a hub whose per-session queue depth stays nonzero and
// unchanged across consecutive sweeps, the signature of a flush loop that
// stopped draining (a hub with zero sessions, or one actively draining, is
// healthy either way).
func (w *Watchdog) checkHubQueue() Check {
	if w.hub == nil {
		return Check{Name: "hub", OK: true}
	}
	depth := w.hub.QueueDepth()
	now := time.Now()

	if depth == 0 || depth != w.lastHubQueueDepth {
		w.lastHubQueueDepth = depth
		w.hubQueueStuckSince = time.Time{}
		return Check{Name: "hub", OK: true}
	}

	if w.hubQueueStuckSince.IsZero() {
		w.hubQueueStuckSince = now
		return Check{Name: "hub", OK: true}
	}
	if now.Sub(w.hubQueueStuckSince) > hubQueueStuckFactor*w.interval {
		return Check{Name: "hub", OK: false, Detail: fmt.Sprintf("queue depth stuck at %d for %s", depth, now.Sub(w.hubQueueStuckSince))}
	}
	return Check{Name: "hub", OK: true}
}

// checkCandleLiveness verifies every symbol the tick cache has ever seen
// still has a current-period partial that is advancing, catching a builder
// goroutine that silently stopped consuming ticks.
func (w *Watchdog) checkCandleLiveness() Check {
	if w.ticks == nil {
		return Check{Name: "candle", OK: true}
	}
	now := time.Now()
	for _, symbol := range w.ticks.Symbols() {
		partial, ok := w.ticks.Partial(symbol)
		if !ok {
			continue
		}
		if now.Sub(partial.StartTime) > candleStaleFactor*time.Minute {
			return Check{Name: "candle", OK: false, Detail: fmt.Sprintf("%s partial stuck since %s", symbol, partial.StartTime)}
		}
	}
	return Check{Name: "candle", OK: true}
}

// checkDataBrokerSession probes the data broker's session by requesting a
// trivial recent candle window; a live session answers without error.
func (w *Watchdog) checkDataBrokerSession(ctx context.Context) Check {
	if w.dataGateway == nil || w.ticks == nil {
		return Check{Name: "data_broker_session", OK: true}
	}
	symbols := w.ticks.Symbols()
	if len(symbols) == 0 {
		return Check{Name: "data_broker_session", OK: true}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	now := time.Now()
	if _, err := w.dataGateway.GetHistoricalCandles(probeCtx, symbols[0], "1m", now.Add(-5*time.Minute), now); err != nil {
		return Check{Name: "data_broker_session", OK: false, Detail: err.Error()}
	}
	return Check{Name: "data_broker_session", OK: true}
}

func (w *Watchdog) emit(c Check) {
	if w.log == nil {
		return
	}
	_, _ = w.log.Append(eventlog.AppendRequest{
		Type:    eventlog.TypeWatchdogCheckFailed,
		Scope:   db.ScopeGlobal,
		Payload: fmt.Sprintf(`{"check":%q,"detail":%q}`, c.Name, c.Detail),
	})
}
