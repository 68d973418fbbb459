package exitdetect

import (
	"testing"
	"time"

	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/signal"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

func testDetector(t *testing.T, trailingActivation, trailingDistance, brickFilter float64) (*Detector, *trade.Manager, *db.Database) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	log := eventlog.New(database)
	tradeMgr := trade.New(database, log)
	signalMgr := signal.New(database, log, tradeMgr, time.Millisecond)
	d := New(tradeMgr, signalMgr, 24*time.Hour, trailingActivation, trailingDistance, brickFilter)
	return d, tradeMgr, database
}

func insertOpenTradeWithLevels(t *testing.T, database *db.Database, tradeID, symbol string, entry, target, stop float64, entryAt time.Time) {
	t.Helper()
	tr := &db.Trade{
		TradeID: tradeID, IntentID: tradeID, ClientOrderID: tradeID, UserBrokerID: "ub-1",
		SignalID: "signal-1", Symbol: symbol, Direction: db.DirectionBuy, TradeNumber: 1, Status: db.TradeCreated,
	}
	if err := db.NewTradeQueries(database).Insert(tr); err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	if _, err := database.DB.Exec(
		`UPDATE trades SET status=?, entry_price=?, entry_qty=?, entry_value=?, entry_timestamp=?,
		                    exit_target_price=?, exit_stop_price=? WHERE trade_id=?`,
		string(db.TradeOpen), entry, 10.0, entry*10, entryAt, target, stop, tradeID); err != nil {
		t.Fatalf("force trade open: %v", err)
	}
}

func TestOnTickFiresTargetHit(t *testing.T) {
	d, tradeMgr, database := testDetector(t, 0.5, 0.1, 0)
	insertOpenTradeWithLevels(t, database, "trade-1", "BTCUSDT", 100, 110, 90, time.Now())

	errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: 111, Now: time.Now()})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if tr.Status != db.TradeOpen {
		t.Fatalf("exit detection only raises a candidate, trade should remain OPEN until execution, got %v", tr.Status)
	}
}

func TestOnTickFiresStopLoss(t *testing.T) {
	d, _, database := testDetector(t, 0.5, 0.1, 0)
	insertOpenTradeWithLevels(t, database, "trade-1", "BTCUSDT", 100, 110, 90, time.Now())

	errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: 89, Now: time.Now()})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestOnTickFiresTimeBasedExit(t *testing.T) {
	d, _, database := testDetector(t, 0.5, 0.1, 0)
	old := time.Now().Add(-48 * time.Hour)
	insertOpenTradeWithLevels(t, database, "trade-1", "BTCUSDT", 100, 500, 1, old)

	// price stays well inside target/stop bounds, only the hold-time fires
	errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: 101, Now: time.Now()})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestTrailingStopActivatesThenTriggers(t *testing.T) {
	d, tradeMgr, database := testDetector(t, 0.05, 0.02, 0) // 5% activation, 2% trailing distance
	insertOpenTradeWithLevels(t, database, "trade-1", "BTCUSDT", 100, 1000, 1, time.Now())

	// Move up 10%: activates trailing (favorable 0.10 > 0.05 activation).
	if errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: 110, Now: time.Now()}); len(errs) != 0 {
		t.Fatalf("unexpected errors activating trailing: %v", errs)
	}
	tr, err := tradeMgr.Get("trade-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if !tr.TrailingActive {
		t.Fatal("expected trailing stop to activate after a favorable move past the activation threshold")
	}
	wantStop := 110 * (1 - 0.02)
	if tr.TrailingStopPrice == nil || *tr.TrailingStopPrice != wantStop {
		t.Fatalf("trailing stop price = %v, want %v", tr.TrailingStopPrice, wantStop)
	}

	// Price falls back through the trailing stop: must fire an exit candidate.
	if errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: wantStop - 1, Now: time.Now()}); len(errs) != 0 {
		t.Fatalf("unexpected errors on trailing trigger: %v", errs)
	}
}

func TestBrickFilterSuppressesRepeatedAttemptsOnSmallMoves(t *testing.T) {
	d, _, database := testDetector(t, 0.5, 0.1, 0.05) // 5% brick filter
	insertOpenTradeWithLevels(t, database, "trade-1", "BTCUSDT", 100, 110, 95, time.Now())

	// First tick above target establishes the brick-filter baseline and fires.
	if errs := d.OnTick(Tick{Symbol: "BTCUSDT", Price: 111, Now: time.Now()}); len(errs) != 0 {
		t.Fatalf("unexpected errors on first tick: %v", errs)
	}
	if d.passesBrickFilter("BTCUSDT", db.DirectionBuy, 111.5) {
		t.Fatal("expected a sub-threshold move to be suppressed by the brick filter")
	}
	if !d.passesBrickFilter("BTCUSDT", db.DirectionBuy, 130) {
		t.Fatal("expected a move past the brick-filter threshold to pass")
	}
}
