package execution

import (
	"context"
	"fmt"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// EntryExecutor places orders for APPROVED trade intents (§4.10).
type EntryExecutor struct {
	trades      *trade.Manager
	signals     *db.SignalQueries
	userBrokers *db.UserBrokerQueries
	pool        *broker.Pool
	guard       Guard
	callTimeout time.Duration
}

// NewEntryExecutor builds an EntryExecutor. guard may be nil until the
// watchdog is wired in, in which case the read-only check always passes.
func NewEntryExecutor(trades *trade.Manager, database *db.Database, pool *broker.Pool, guard Guard, callTimeout time.Duration) *EntryExecutor {
	return &EntryExecutor{
		trades:      trades,
		signals:     db.NewSignalQueries(database),
		userBrokers: db.NewUserBrokerQueries(database),
		pool:        pool,
		guard:       guard,
		callTimeout: callTimeout,
	}
}

// Execute runs the full entry sequence for one APPROVED intent: create the
// CREATED trade row, place the order idempotently by clientOrderId, then
// advance the trade row according to the broker's synchronous response. A
// network failure leaves the trade in CREATED for the reconciler to heal.
func (e *EntryExecutor) Execute(ctx context.Context, intent *db.TradeIntent) error {
	if e.guard != nil && e.guard.ReadOnly() {
		return ErrReadOnly
	}
	if !intent.ValidationPassed {
		return fmt.Errorf("execute entry: intent %s is not approved", intent.IntentID)
	}

	signal, err := e.signals.Get(intent.SignalID)
	if err != nil {
		return fmt.Errorf("read signal for intent: %w", err)
	}
	ub, err := e.userBrokers.Get(intent.UserBrokerID)
	if err != nil {
		return fmt.Errorf("read user broker: %w", err)
	}

	t, err := e.trades.CreateForIntent(intent, signal)
	if err != nil {
		return fmt.Errorf("create trade for intent: %w", err)
	}
	if t.Status != db.TradeCreated {
		return nil // already advanced past CREATED by a prior attempt; reconciler or a racer handled it
	}

	gw, err := e.pool.For(ub)
	if err != nil {
		return fmt.Errorf("resolve gateway: %w", err)
	}

	side := broker.SideBuy
	if signal.Direction == db.DirectionSell {
		side = broker.SideSell
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	result, err := gw.PlaceOrder(callCtx, broker.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          side,
		Type:          broker.OrderType(intent.OrderType),
		Qty:           float64(intent.ApprovedQty),
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: intent.IntentID,
	})
	if err != nil {
		return nil // network/broker-unavailable: leave CREATED, reconciler heals (§4.10, §7)
	}

	switch {
	case result.Acceptance != nil:
		return e.trades.MarkPending(t.TradeID, result.Acceptance.BrokerOrderID)
	case result.Rejection != nil:
		_, err := e.trades.MarkRejectedByIntent(intent.IntentID, result.Rejection.Code, result.Rejection.Message)
		return err
	default:
		return nil // neither set: treat as a network failure, not a rejection
	}
}
