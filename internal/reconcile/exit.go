package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// ExitReconciler heals PLACED exit intents: on a broker FILLED status it
// closes the underlying trade with the broker's average fill price.
type ExitReconciler struct {
	exitIntents *db.ExitIntentQueries
	trades      *trade.Manager
	trackedTrades *db.TradeQueries
	userBrokers *db.UserBrokerQueries
	pool        *broker.Pool
	log         *eventlog.Log
	sem         chan struct{}
	limiter     *rate.Limiter
}

// NewExitReconciler builds an ExitReconciler with the same concurrency
// shape as the entry reconciler.
func NewExitReconciler(trades *trade.Manager, database *db.Database, log *eventlog.Log, pool *broker.Pool, maxConcurrentCalls int, callsPerSecond float64) *ExitReconciler {
	return &ExitReconciler{
		exitIntents:   db.NewExitIntentQueries(database),
		trades:        trades,
		trackedTrades: db.NewTradeQueries(database),
		userBrokers:   db.NewUserBrokerQueries(database),
		pool:          pool,
		log:           log,
		sem:           make(chan struct{}, maxConcurrentCalls),
		limiter:       rate.NewLimiter(rate.Limit(callsPerSecond), maxConcurrentCalls),
	}
}

// RunOnce reconciles every PLACED exit intent once.
func (r *ExitReconciler) RunOnce(ctx context.Context) []error {
	placed, err := r.exitIntents.PlacedIntents()
	if err != nil {
		return []error{fmt.Errorf("list placed exit intents: %w", err)}
	}

	errCh := make(chan error, len(placed))
	for _, ei := range placed {
		ei := ei
		r.sem <- struct{}{}
		go func() {
			defer func() { <-r.sem }()
			errCh <- r.reconcileOne(ctx, ei)
		}()
	}

	var errs []error
	for range placed {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *ExitReconciler) reconcileOne(ctx context.Context, ei *db.ExitIntent) error {
	t, err := r.trackedTrades.Get(ei.TradeID)
	if err != nil {
		return fmt.Errorf("exit intent %s: read trade: %w", ei.ExitIntentID, err)
	}
	ub, err := r.userBrokers.Get(ei.UserBrokerID)
	if err != nil {
		return fmt.Errorf("exit intent %s: read user broker: %w", ei.ExitIntentID, err)
	}
	gw, err := r.pool.For(ub)
	if err != nil {
		return fmt.Errorf("exit intent %s: resolve gateway: %w", ei.ExitIntentID, err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil
	}
	status, err := gw.GetOrderStatus(ctx, "exit-"+ei.ExitIntentID, derefStr(ei.BrokerOrderID))
	if err != nil {
		return nil // broker unavailable; retry next pass
	}

	switch status.Status {
	case broker.StatusFilled, broker.StatusComplete:
		if err := r.trades.MarkClosed(t.TradeID, status.AvgPrice, string(ei.Reason), status.UpdatedAt); err != nil {
			return fmt.Errorf("exit intent %s: close trade: %w", ei.ExitIntentID, err)
		}
		if err := r.exitIntents.UpdateStatus(ei.ExitIntentID, db.ExitIntentFilled); err != nil {
			return err
		}
		ub := t.UserBrokerID
		_, err := r.log.Append(eventlog.AppendRequest{
			Type: eventlog.TypeExitIntentFilled, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &t.TradeID,
			Payload: fmt.Sprintf(`{"exitIntentId":%q,"tradeId":%q,"avgPrice":%v}`, ei.ExitIntentID, t.TradeID, status.AvgPrice),
		})
		return err
	case broker.StatusRejected:
		return r.exitIntents.UpdateStatus(ei.ExitIntentID, db.ExitIntentFailed)
	default:
		return nil
	}
}
