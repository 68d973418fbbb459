package reconcile

import (
	"context"
	"testing"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

type statusGateway struct {
	status broker.OrderStatusResult
	err    error
}

func (g *statusGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResult, error) {
	return broker.PlaceResult{}, nil
}
func (g *statusGateway) ModifyOrder(ctx context.Context, brokerOrderID string, newLimitPrice float64) error {
	return nil
}
func (g *statusGateway) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (g *statusGateway) GetOrderStatus(ctx context.Context, clientOrderID, brokerOrderID string) (broker.OrderStatusResult, error) {
	return g.status, g.err
}
func (g *statusGateway) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]broker.Candle, error) {
	return nil, nil
}

func testReconcileDatabase(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func insertUserBroker(t *testing.T, database *db.Database, id string) {
	t.Helper()
	ub := &db.UserBroker{ID: id, UserID: "user-1", Role: db.RoleExec, Venue: "mock", Enabled: true, Status: "CONNECTED", Capital: 10000}
	if err := db.NewUserBrokerQueries(database).Upsert(ub); err != nil {
		t.Fatalf("upsert user broker: %v", err)
	}
}

func insertTrade(t *testing.T, database *db.Database, tradeID, userBrokerID string, status db.TradeStatus) {
	t.Helper()
	tr := &db.Trade{
		TradeID: tradeID, IntentID: tradeID, ClientOrderID: tradeID, UserBrokerID: userBrokerID,
		SignalID: "signal-1", Symbol: "BTCUSDT", Direction: db.DirectionBuy, TradeNumber: 1, Status: db.TradeCreated,
	}
	if err := db.NewTradeQueries(database).Insert(tr); err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	if status != db.TradeCreated {
		if _, err := database.DB.Exec(`UPDATE trades SET status=? WHERE trade_id=?`, string(status), tradeID); err != nil {
			t.Fatalf("force trade status: %v", err)
		}
	}
}

func TestEntryReconcilerMarksPendingOpenOnFill(t *testing.T) {
	database := testReconcileDatabase(t)
	insertUserBroker(t, database, "ub-1")
	insertTrade(t, database, "trade-1", "ub-1", db.TradePending)

	gw := &statusGateway{status: broker.OrderStatusResult{Status: broker.StatusFilled, FilledQty: 10, AvgPrice: 101, UpdatedAt: time.Now()}}
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	tradeMgr := trade.New(database, eventlog.New(database))

	r := NewEntryReconciler(tradeMgr, database, pool, 4, 100, time.Millisecond, time.Hour)
	if errs := r.RunOnce(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeOpen {
		t.Fatalf("status = %v, want OPEN", tr.Status)
	}
	if tr.EntryPrice == nil || *tr.EntryPrice != 101 {
		t.Fatalf("EntryPrice = %v, want 101", tr.EntryPrice)
	}
}

func TestEntryReconcilerMarksRejectedOnBrokerReject(t *testing.T) {
	database := testReconcileDatabase(t)
	insertUserBroker(t, database, "ub-1")
	insertTrade(t, database, "trade-1", "ub-1", db.TradePending)

	gw := &statusGateway{status: broker.OrderStatusResult{Status: broker.StatusRejected, RejectReason: "margin"}}
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	tradeMgr := trade.New(database, eventlog.New(database))

	r := NewEntryReconciler(tradeMgr, database, pool, 4, 100, time.Millisecond, time.Hour)
	if errs := r.RunOnce(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeRejected {
		t.Fatalf("status = %v, want REJECTED", tr.Status)
	}
}

func TestEntryReconcilerTimesOutStalePending(t *testing.T) {
	database := testReconcileDatabase(t)
	insertUserBroker(t, database, "ub-1")
	insertTrade(t, database, "trade-1", "ub-1", db.TradePending)
	// Force created_at far enough in the past to exceed the pending timeout.
	if _, err := database.DB.Exec(`UPDATE trades SET created_at = ? WHERE trade_id = ?`, time.Now().Add(-time.Hour), "trade-1"); err != nil {
		t.Fatalf("force created_at: %v", err)
	}

	gw := &statusGateway{status: broker.OrderStatusResult{Status: broker.StatusPending}}
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	tradeMgr := trade.New(database, eventlog.New(database))

	r := NewEntryReconciler(tradeMgr, database, pool, 4, 100, time.Millisecond, time.Minute)
	if errs := r.RunOnce(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeTimeout {
		t.Fatalf("status = %v, want TIMEOUT", tr.Status)
	}
}

func TestExitReconcilerClosesTradeOnFill(t *testing.T) {
	database := testReconcileDatabase(t)
	insertUserBroker(t, database, "ub-1")
	insertTrade(t, database, "trade-1", "ub-1", db.TradeOpen)
	if _, err := database.DB.Exec(`UPDATE trades SET entry_price=?, entry_qty=? WHERE trade_id=?`, 100.0, 10.0, "trade-1"); err != nil {
		t.Fatalf("force entry fields: %v", err)
	}

	ei := &db.ExitIntent{ExitIntentID: "ei-1", ExitSignalID: "es-1", TradeID: "trade-1", UserBrokerID: "ub-1",
		Reason: db.ExitTargetHit, EpisodeID: 1, Status: db.ExitIntentPlaced, OrderType: "MARKET"}
	if err := db.NewExitIntentQueries(database).Insert(ei); err != nil {
		t.Fatalf("insert exit intent: %v", err)
	}

	gw := &statusGateway{status: broker.OrderStatusResult{Status: broker.StatusFilled, AvgPrice: 112, UpdatedAt: time.Now()}}
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	log := eventlog.New(database)
	tradeMgr := trade.New(database, log)

	r := NewExitReconciler(tradeMgr, database, log, pool, 4, 100)
	if errs := r.RunOnce(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeClosed {
		t.Fatalf("status = %v, want CLOSED", tr.Status)
	}
	if tr.RealizedPnL == nil || *tr.RealizedPnL != 120 { // (112-100)*10
		t.Fatalf("RealizedPnL = %v, want 120", tr.RealizedPnL)
	}
}

func TestExitReconcilerLeavesPlacedOnBrokerUnavailable(t *testing.T) {
	database := testReconcileDatabase(t)
	insertUserBroker(t, database, "ub-1")
	insertTrade(t, database, "trade-1", "ub-1", db.TradeOpen)

	ei := &db.ExitIntent{ExitIntentID: "ei-1", ExitSignalID: "es-1", TradeID: "trade-1", UserBrokerID: "ub-1",
		Reason: db.ExitTargetHit, EpisodeID: 1, Status: db.ExitIntentPlaced, OrderType: "MARKET"}
	if err := db.NewExitIntentQueries(database).Insert(ei); err != nil {
		t.Fatalf("insert exit intent: %v", err)
	}

	gw := &statusGateway{err: context.DeadlineExceeded}
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	log := eventlog.New(database)
	tradeMgr := trade.New(database, log)

	r := NewExitReconciler(tradeMgr, database, log, pool, 4, 100)
	if errs := r.RunOnce(context.Background()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeOpen {
		t.Fatalf("status = %v, want unchanged OPEN when the broker is unavailable", tr.Status)
	}
}
