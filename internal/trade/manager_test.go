package trade

import (
	"testing"
	"time"

	"confluence-engine/internal/eventlog"
	"confluence-engine/pkg/db"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, eventlog.New(database))
}

func testIntentAndSignal() (*db.TradeIntent, *db.Signal) {
	intent := &db.TradeIntent{
		IntentID:         "intent-1",
		SignalID:         "signal-1",
		UserBrokerID:     "ub-1",
		ValidationPassed: true,
		ApprovedQty:      10,
	}
	signal := &db.Signal{SignalID: "signal-1", Symbol: "BTCUSDT", Direction: db.DirectionBuy}
	return intent, signal
}

func TestCreateForIntentIsIdempotent(t *testing.T) {
	m := testManager(t)
	intent, signal := testIntentAndSignal()

	first, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Status != db.TradeCreated {
		t.Fatalf("status = %v, want CREATED", first.Status)
	}
	if first.ClientOrderID != intent.IntentID {
		t.Fatalf("ClientOrderID = %q, want %q (clientOrderId == intentId)", first.ClientOrderID, intent.IntentID)
	}

	second, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.TradeID != first.TradeID {
		t.Fatalf("expected idempotent create to return the same trade, got %q != %q", second.TradeID, first.TradeID)
	}
}

func TestFullLifecycleCreatedToClosed(t *testing.T) {
	m := testManager(t)
	intent, signal := testIntentAndSignal()

	tr, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.MarkPending(tr.TradeID, "broker-order-1"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	got, err := m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get after pending: %v", err)
	}
	if got.Status != db.TradePending {
		t.Fatalf("status after MarkPending = %v, want PENDING", got.Status)
	}

	fillTime := time.Now()
	if err := m.MarkOpen(tr.TradeID, 100, 10, fillTime); err != nil {
		t.Fatalf("mark open: %v", err)
	}
	got, err = m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get after open: %v", err)
	}
	if got.Status != db.TradeOpen {
		t.Fatalf("status after MarkOpen = %v, want OPEN", got.Status)
	}
	if got.EntryPrice == nil || *got.EntryPrice != 100 {
		t.Fatalf("EntryPrice = %v, want 100", got.EntryPrice)
	}

	if err := m.MarkClosed(tr.TradeID, 110, string(db.ExitTargetHit), time.Now()); err != nil {
		t.Fatalf("mark closed: %v", err)
	}
	got, err = m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get after closed: %v", err)
	}
	if got.Status != db.TradeClosed {
		t.Fatalf("status after MarkClosed = %v, want CLOSED", got.Status)
	}
	if got.RealizedPnL == nil || *got.RealizedPnL != 100 { // (110-100)*10
		t.Fatalf("RealizedPnL = %v, want 100", got.RealizedPnL)
	}
}

func TestMarkOpenIsANoOpWhenAlreadyOpen(t *testing.T) {
	m := testManager(t)
	intent, signal := testIntentAndSignal()
	tr, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.MarkPending(tr.TradeID, "bo-1"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := m.MarkOpen(tr.TradeID, 100, 10, time.Now()); err != nil {
		t.Fatalf("first mark open: %v", err)
	}
	if err := m.MarkOpen(tr.TradeID, 200, 10, time.Now()); err != nil {
		t.Fatalf("second mark open should be a no-op, not an error: %v", err)
	}
	got, err := m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EntryPrice == nil || *got.EntryPrice != 100 {
		t.Fatalf("entry price must not regress on a repeated fill, got %v", got.EntryPrice)
	}
}

func TestMarkRejectedByIntentOnlyFromCreated(t *testing.T) {
	m := testManager(t)
	intent, signal := testIntentAndSignal()
	tr, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := m.MarkRejectedByIntent(intent.IntentID, "BROKER_ERROR", "insufficient funds")
	if err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	if !ok {
		t.Fatal("expected reject to succeed from CREATED")
	}

	got, err := m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != db.TradeRejected {
		t.Fatalf("status = %v, want REJECTED", got.Status)
	}

	// Already terminal: a second reject attempt must not re-apply.
	ok, err = m.MarkRejectedByIntent(intent.IntentID, "BROKER_ERROR", "insufficient funds")
	if err != nil {
		t.Fatalf("second mark rejected: %v", err)
	}
	if ok {
		t.Fatal("expected reject to be a no-op once already REJECTED")
	}
}

func TestMarkTimeoutOnlyFromPending(t *testing.T) {
	m := testManager(t)
	intent, signal := testIntentAndSignal()
	tr, err := m.CreateForIntent(intent, signal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// CREATED, not PENDING yet: timeout must be a no-op.
	if err := m.MarkTimeout(tr.TradeID); err != nil {
		t.Fatalf("timeout from CREATED: %v", err)
	}
	got, err := m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != db.TradeCreated {
		t.Fatalf("status = %v, want unchanged CREATED", got.Status)
	}

	if err := m.MarkPending(tr.TradeID, "bo-1"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := m.MarkTimeout(tr.TradeID); err != nil {
		t.Fatalf("timeout from PENDING: %v", err)
	}
	got, err = m.Get(tr.TradeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != db.TradeTimeout {
		t.Fatalf("status = %v, want TIMEOUT", got.Status)
	}
}

func TestCreateForIntentIncrementsTradeNumberPerSymbol(t *testing.T) {
	m := testManager(t)
	intent1, signal := testIntentAndSignal()
	first, err := m.CreateForIntent(intent1, signal)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.TradeNumber != 1 {
		t.Fatalf("first trade number = %d, want 1", first.TradeNumber)
	}

	intent2 := &db.TradeIntent{IntentID: "intent-2", SignalID: "signal-1", UserBrokerID: "ub-1", ValidationPassed: true, ApprovedQty: 5}
	second, err := m.CreateForIntent(intent2, signal)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.TradeNumber != 2 {
		t.Fatalf("second trade number = %d, want 2", second.TradeNumber)
	}
}
