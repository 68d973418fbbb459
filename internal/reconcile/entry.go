// Package reconcile runs the two periodic broker-state healers: the entry
// reconciler for CREATED/PENDING trades and the exit reconciler for PLACED
// exit intents (§4.13). Both write exclusively through their owning manager;
// neither updates rows directly.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// EntryReconciler heals CREATED/PENDING trades whose broker status has
// drifted from what was last observed.
type EntryReconciler struct {
	trades       *trade.Manager
	userBrokers  *db.UserBrokerQueries
	pool         *broker.Pool
	sem          chan struct{}
	limiter      *rate.Limiter
	pollInterval time.Duration
	pendingTimeout time.Duration
}

// NewEntryReconciler builds an EntryReconciler bounded by maxConcurrentCalls
// outbound broker requests in flight at once and rate-limited to
// callsPerSecond steady-state, both guarding the shared broker endpoints
// from a reconcile pass that finds many stuck trades at once.
func NewEntryReconciler(trades *trade.Manager, database *db.Database, pool *broker.Pool, maxConcurrentCalls int, callsPerSecond float64, pollInterval, pendingTimeout time.Duration) *EntryReconciler {
	return &EntryReconciler{
		trades:         trades,
		userBrokers:    db.NewUserBrokerQueries(database),
		pool:           pool,
		sem:            make(chan struct{}, maxConcurrentCalls),
		limiter:        rate.NewLimiter(rate.Limit(callsPerSecond), maxConcurrentCalls),
		pollInterval:   pollInterval,
		pendingTimeout: pendingTimeout,
	}
}

// RunOnce reconciles every CREATED/PENDING trade once. Errors for individual
// trades are collected and returned; one trade's failure never aborts the
// rest of the pass (§7).
func (r *EntryReconciler) RunOnce(ctx context.Context) []error {
	rows, err := r.trades.NonTerminal()
	if err != nil {
		return []error{fmt.Errorf("list non-terminal trades: %w", err)}
	}

	errCh := make(chan error, len(rows))
	for _, t := range rows {
		t := t
		r.sem <- struct{}{}
		go func() {
			defer func() { <-r.sem }()
			errCh <- r.reconcileOne(ctx, t)
		}()
	}

	var errs []error
	for range rows {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *EntryReconciler) reconcileOne(ctx context.Context, t *db.Trade) error {
	if t.LastBrokerUpdateAt != nil && time.Since(*t.LastBrokerUpdateAt) < r.pollInterval {
		return nil
	}
	if time.Since(t.CreatedAt) > r.pendingTimeout && t.Status == db.TradePending {
		return r.trades.MarkTimeout(t.TradeID)
	}

	ub, err := r.userBrokers.Get(t.UserBrokerID)
	if err != nil {
		return fmt.Errorf("trade %s: read user broker: %w", t.TradeID, err)
	}
	gw, err := r.pool.For(ub)
	if err != nil {
		return fmt.Errorf("trade %s: resolve gateway: %w", t.TradeID, err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil
	}
	status, err := gw.GetOrderStatus(ctx, t.ClientOrderID, derefStr(t.BrokerOrderID))
	if err != nil {
		return nil // broker unavailable; leave state, retry next pass
	}

	switch status.Status {
	case broker.StatusFilled, broker.StatusComplete:
		if t.Status == db.TradePending {
			return r.trades.MarkOpen(t.TradeID, status.AvgPrice, status.FilledQty, status.UpdatedAt)
		}
	case broker.StatusRejected:
		_, err := r.trades.MarkRejectedByIntent(t.IntentID, "BROKER_REJECTED", status.RejectReason)
		return err
	case broker.StatusCancelled:
		// trade manager has no direct markCancelled path in this reconciler's
		// scope; cancellation by broker is surfaced for manual/operator review.
		return nil
	case broker.StatusPending, broker.StatusOpen, broker.StatusTrigger:
		if t.Status == db.TradeCreated {
			return r.trades.MarkPending(t.TradeID, derefStr(t.BrokerOrderID))
		}
	}
	return nil
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
