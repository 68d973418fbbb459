package execution

import (
	"context"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/pkg/db"
)

// ExitQualifier implements internal/signal.Qualifier: it runs while the
// signal manager holds the per-trade lock on a freshly-inserted PENDING
// exit intent (§4.12).
type ExitQualifier struct {
	exitIntents *db.ExitIntentQueries
	userBrokers *db.UserBrokerQueries
	clock       MarketClock
	closeGuard  time.Duration
}

// NewExitQualifier builds a qualifier. clock may be nil to skip the market
// hours check (e.g. in a 24-hour dry-run).
func NewExitQualifier(database *db.Database, clock MarketClock, closeGuard time.Duration) *ExitQualifier {
	return &ExitQualifier{
		exitIntents: db.NewExitIntentQueries(database),
		userBrokers: db.NewUserBrokerQueries(database),
		clock:       clock,
		closeGuard:  closeGuard,
	}
}

// Qualify implements signal.Qualifier.
func (q *ExitQualifier) Qualify(t *db.Trade, es *db.ExitSignal) (approved bool, orderType string, limitPrice float64, rejectCode string, err error) {
	ub, err := q.userBrokers.Get(t.UserBrokerID)
	if err != nil {
		return false, "", 0, "", err
	}
	if !ub.Enabled || ub.Status != "CONNECTED" {
		return false, "", 0, "BROKER_NOT_READY", nil
	}
	if t.Status != db.TradeOpen {
		return false, "", 0, "TRADE_NOT_OPEN", nil
	}

	active, err := q.exitIntents.CountActiveForTrade(t.TradeID)
	if err != nil {
		return false, "", 0, "", err
	}
	if active > 1 {
		return false, "", 0, "CONCURRENT_EXIT_INTENT", nil
	}

	now := time.Now()
	if q.clock != nil {
		if es.Reason != db.ExitStopLoss && q.clock.WithinCloseGuard(now, q.closeGuard) {
			return false, "", 0, "MARKET_CLOSE_GUARD", nil
		}
		if !q.clock.InSession(now) {
			return false, "", 0, "OUTSIDE_SESSION", nil
		}
	}

	orderType = "MARKET"
	if es.Reason == db.ExitTargetHit && t.ExitTargetPrice != nil {
		orderType = "LIMIT"
		limitPrice = *t.ExitTargetPrice
	}
	return true, orderType, limitPrice, "", nil
}

// ExitExecutor places orders for APPROVED exit intents, conditionally
// transitioning them to PLACED before the broker call so a crash between
// transition and call never double-places (§4.12).
type ExitExecutor struct {
	exitIntents *db.ExitIntentQueries
	trades      *db.TradeQueries
	userBrokers *db.UserBrokerQueries
	pool        *broker.Pool
	guard       Guard
	callTimeout time.Duration
}

// NewExitExecutor builds an ExitExecutor.
func NewExitExecutor(database *db.Database, pool *broker.Pool, guard Guard, callTimeout time.Duration) *ExitExecutor {
	return &ExitExecutor{
		exitIntents: db.NewExitIntentQueries(database),
		trades:      db.NewTradeQueries(database),
		userBrokers: db.NewUserBrokerQueries(database),
		pool:        pool,
		guard:       guard,
		callTimeout: callTimeout,
	}
}

// PollOnce processes every currently-APPROVED exit intent once; the caller
// schedules this on a 5 s tick (or in reaction to EXIT_INTENT_APPROVED).
// A single intent's failure is logged by the caller and never aborts the
// rest of the batch.
func (e *ExitExecutor) PollOnce(ctx context.Context) []error {
	approved, err := e.exitIntents.ApprovedIntents()
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, ei := range approved {
		if err := e.place(ctx, ei); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *ExitExecutor) place(ctx context.Context, ei *db.ExitIntent) error {
	if e.guard != nil && e.guard.ReadOnly() {
		return ErrReadOnly
	}
	t, err := e.trades.Get(ei.TradeID)
	if err != nil {
		return err
	}
	ub, err := e.userBrokers.Get(ei.UserBrokerID)
	if err != nil {
		return err
	}
	gw, err := e.pool.For(ub)
	if err != nil {
		return err
	}

	placedAt := time.Now()
	ok, err := e.exitIntents.CompareAndPlace(ei.ExitIntentID, "", placedAt)
	if err != nil {
		return err
	}
	if !ok {
		return nil // another caller already advanced it past APPROVED
	}

	side := broker.SideSell
	if t.Direction == db.DirectionSell {
		side = broker.SideBuy // short exit covers with a BUY
	}
	qty := 0.0
	if t.EntryQty != nil {
		qty = *t.EntryQty
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	result, err := gw.PlaceOrder(callCtx, broker.OrderRequest{
		Symbol:        t.Symbol,
		Side:          side,
		Type:          broker.OrderType(ei.OrderType),
		Qty:           qty,
		LimitPrice:    derefOr(ei.LimitPrice, 0),
		ClientOrderID: "exit-" + ei.ExitIntentID,
	})
	if err != nil {
		return nil // network failure: leave PLACED, reconciler heals
	}

	switch {
	case result.Acceptance != nil:
		return e.exitIntents.SetBrokerOrderID(ei.ExitIntentID, result.Acceptance.BrokerOrderID)
	case result.Rejection != nil:
		return e.exitIntents.UpdateStatus(ei.ExitIntentID, db.ExitIntentFailed)
	default:
		return nil // network failure: leave PLACED, reconciler heals
	}
}

func derefOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
