package execution

import (
	"context"
	"testing"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

type fakeGuard struct{ readOnly bool }

func (g fakeGuard) ReadOnly() bool { return g.readOnly }

type fakeGateway struct {
	placeResult broker.PlaceResult
	placeErr    error
	placed      []broker.OrderRequest
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResult, error) {
	g.placed = append(g.placed, req)
	return g.placeResult, g.placeErr
}
func (g *fakeGateway) ModifyOrder(ctx context.Context, brokerOrderID string, newLimitPrice float64) error {
	return nil
}
func (g *fakeGateway) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (g *fakeGateway) GetOrderStatus(ctx context.Context, clientOrderID, brokerOrderID string) (broker.OrderStatusResult, error) {
	return broker.OrderStatusResult{}, nil
}
func (g *fakeGateway) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]broker.Candle, error) {
	return nil, nil
}

func testEntrySetup(t *testing.T, gw *fakeGateway, guard Guard) (*EntryExecutor, *db.Database) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	sig := &db.Signal{SignalID: "signal-1", Symbol: "BTCUSDT", Direction: db.DirectionBuy, SignalDay: "2026-01-01",
		GeneratedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour), LastSeenAt: time.Now(), Status: db.SignalPublished}
	if err := db.NewSignalQueries(database).Insert(sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	ub := &db.UserBroker{ID: "ub-1", UserID: "user-1", Role: db.RoleExec, Venue: "mock", Enabled: true, Capital: 10000}
	if err := db.NewUserBrokerQueries(database).Upsert(ub); err != nil {
		t.Fatalf("upsert user broker: %v", err)
	}

	tradeMgr := trade.New(database, eventlog.New(database))
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) { return gw, nil })
	return NewEntryExecutor(tradeMgr, database, pool, guard, time.Second), database
}

func approvedIntent() *db.TradeIntent {
	return &db.TradeIntent{IntentID: "intent-1", SignalID: "signal-1", UserBrokerID: "ub-1",
		ValidationPassed: true, ApprovedQty: 5, OrderType: "MARKET"}
}

func TestExecuteRefusesWhenGuardReadOnly(t *testing.T) {
	gw := &fakeGateway{}
	e, _ := testEntrySetup(t, gw, fakeGuard{readOnly: true})

	err := e.Execute(context.Background(), approvedIntent())
	if err != ErrReadOnly {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if len(gw.placed) != 0 {
		t.Fatal("expected no order placed while read-only")
	}
}

func TestExecuteAcceptanceMarksPending(t *testing.T) {
	gw := &fakeGateway{placeResult: broker.PlaceResult{Acceptance: &broker.Acceptance{BrokerOrderID: "bo-1"}}}
	e, database := testEntrySetup(t, gw, nil)

	if err := e.Execute(context.Background(), approvedIntent()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr, err := db.NewTradeQueries(database).GetByIntentID("intent-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradePending {
		t.Fatalf("status = %v, want PENDING", tr.Status)
	}
	if tr.ClientOrderID != "intent-1" {
		t.Fatalf("clientOrderId = %q, want intentId", tr.ClientOrderID)
	}
}

func TestExecuteRejectionMarksRejected(t *testing.T) {
	gw := &fakeGateway{placeResult: broker.PlaceResult{Rejection: &broker.Rejection{Code: "INSUFFICIENT_FUNDS", Message: "no margin"}}}
	e, database := testEntrySetup(t, gw, nil)

	if err := e.Execute(context.Background(), approvedIntent()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr, err := db.NewTradeQueries(database).GetByIntentID("intent-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeRejected {
		t.Fatalf("status = %v, want REJECTED", tr.Status)
	}
}

func TestExecuteNetworkFailureLeavesTradeCreated(t *testing.T) {
	gw := &fakeGateway{placeErr: context.DeadlineExceeded}
	e, database := testEntrySetup(t, gw, nil)

	if err := e.Execute(context.Background(), approvedIntent()); err != nil {
		t.Fatalf("execute should swallow network failures, got: %v", err)
	}

	tr, err := db.NewTradeQueries(database).GetByIntentID("intent-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeCreated {
		t.Fatalf("status = %v, want CREATED (left for the reconciler to heal)", tr.Status)
	}
}

func TestExecuteIsIdempotentOnceAdvancedPastCreated(t *testing.T) {
	gw := &fakeGateway{placeResult: broker.PlaceResult{Acceptance: &broker.Acceptance{BrokerOrderID: "bo-1"}}}
	e, _ := testEntrySetup(t, gw, nil)

	intent := approvedIntent()
	if err := e.Execute(context.Background(), intent); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := e.Execute(context.Background(), intent); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected exactly one order placed across both calls, got %d", len(gw.placed))
	}
}
