package signal

import (
	"testing"
	"time"

	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

func testManager(t *testing.T, cooldown time.Duration) (*Manager, *db.Database) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	log := eventlog.New(database)
	tradeMgr := trade.New(database, log)
	return New(database, log, tradeMgr, cooldown), database
}

func registerExecBroker(t *testing.T, database *db.Database, id, symbol string) {
	t.Helper()
	ub := &db.UserBroker{ID: id, UserID: "user-1", Role: db.RoleExec, Venue: "mock", Enabled: true, Capital: 10000}
	if err := db.NewUserBrokerQueries(database).Upsert(ub); err != nil {
		t.Fatalf("upsert user broker: %v", err)
	}
	if _, err := database.DB.Exec(`INSERT INTO watchlist_symbols (user_broker_id, symbol) VALUES (?, ?)`, id, symbol); err != nil {
		t.Fatalf("insert watchlist symbol: %v", err)
	}
}

func baseCandidate() Candidate {
	return Candidate{
		Symbol:           "BTCUSDT",
		Direction:        db.DirectionBuy,
		ConfluenceType:   db.ConfluenceDouble,
		EffectiveFloor:   95,
		EffectiveCeiling: 105,
		RefPrice:         100,
		PWin:             0.6,
		Kelly:            0.1,
		GeneratedAt:      time.Now(),
		TTL:              time.Hour,
	}
}

func TestPublishEntryRejectsWhenFloorAtOrAboveCeiling(t *testing.T) {
	m, _ := testManager(t, time.Minute)
	c := baseCandidate()
	c.EffectiveFloor = 105
	c.EffectiveCeiling = 100

	sig, deliveries, err := m.PublishEntry(c)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sig != nil || deliveries != nil {
		t.Fatalf("expected no signal/deliveries for a rejected zone, got sig=%v deliveries=%v", sig, deliveries)
	}
}

func TestPublishEntryFansOutToWhitelistedExecBrokers(t *testing.T) {
	m, database := testManager(t, time.Minute)
	registerExecBroker(t, database, "ub-1", "BTCUSDT")
	registerExecBroker(t, database, "ub-2", "ETHUSDT") // different symbol, must not receive this signal

	sig, deliveries, err := m.PublishEntry(baseCandidate())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a persisted signal")
	}
	if len(deliveries) != 1 || deliveries[0].UserBrokerID != "ub-1" {
		t.Fatalf("expected exactly one delivery to ub-1, got %+v", deliveries)
	}
}

func TestPublishEntryDeduplicatesSameDayCandidate(t *testing.T) {
	m, database := testManager(t, time.Minute)
	registerExecBroker(t, database, "ub-1", "BTCUSDT")

	first, firstDeliveries, err := m.PublishEntry(baseCandidate())
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if len(firstDeliveries) != 1 {
		t.Fatalf("expected 1 delivery on first publish, got %d", len(firstDeliveries))
	}

	second, secondDeliveries, err := m.PublishEntry(baseCandidate())
	if err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	if second.SignalID != first.SignalID {
		t.Fatalf("expected the duplicate candidate to resolve to the same signal, got %q != %q", second.SignalID, first.SignalID)
	}
	if secondDeliveries != nil {
		t.Fatalf("expected no new deliveries on a duplicate publish, got %+v", secondDeliveries)
	}
}

func TestExpireDueMarksPastSignalsExpired(t *testing.T) {
	m, database := testManager(t, time.Minute)

	c := baseCandidate()
	c.GeneratedAt = time.Now().Add(-2 * time.Hour)
	c.TTL = time.Hour // already expired relative to now
	sig, _, err := m.PublishEntry(c)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := m.ExpireDue(time.Now()); err != nil {
		t.Fatalf("expire due: %v", err)
	}

	row := database.DB.QueryRow(`SELECT status FROM signals WHERE signal_id = ?`, sig.SignalID)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != string(db.SignalExpired) {
		t.Fatalf("status = %q, want EXPIRED", status)
	}
}

func TestHandleExitCandidateWithoutQualifierLeavesIntentPending(t *testing.T) {
	m, database := testManager(t, time.Minute)

	tradeMgr := trade.New(database, eventlog.New(database))
	_ = tradeMgr
	intent := &db.TradeIntent{IntentID: "intent-1", SignalID: "signal-1", UserBrokerID: "ub-1", ValidationPassed: true, ApprovedQty: 1}
	sig := &db.Signal{SignalID: "signal-1", Symbol: "BTCUSDT", Direction: db.DirectionBuy}
	tr, err := m.trades.CreateForIntent(intent, sig)
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}

	ei, err := m.HandleExitCandidate(ExitCandidate{TradeID: tr.TradeID, Reason: db.ExitTargetHit, Price: 110, Now: time.Now()})
	if err != nil {
		t.Fatalf("handle exit candidate: %v", err)
	}
	if ei == nil || ei.Status != db.ExitIntentPending {
		t.Fatalf("expected a PENDING exit intent with no qualifier wired, got %+v", ei)
	}
}

func TestHandleExitCandidateCooldownSwallowsRepeat(t *testing.T) {
	m, database := testManager(t, time.Hour)

	intent := &db.TradeIntent{IntentID: "intent-1", SignalID: "signal-1", UserBrokerID: "ub-1", ValidationPassed: true, ApprovedQty: 1}
	sig := &db.Signal{SignalID: "signal-1", Symbol: "BTCUSDT", Direction: db.DirectionBuy}
	tr, err := m.trades.CreateForIntent(intent, sig)
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	_ = database

	now := time.Now()
	first, err := m.HandleExitCandidate(ExitCandidate{TradeID: tr.TradeID, Reason: db.ExitTargetHit, Price: 110, Now: now})
	if err != nil {
		t.Fatalf("first exit candidate: %v", err)
	}
	if first == nil {
		t.Fatal("expected the first exit candidate to allocate an episode")
	}

	second, err := m.HandleExitCandidate(ExitCandidate{TradeID: tr.TradeID, Reason: db.ExitTargetHit, Price: 111, Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("second exit candidate: %v", err)
	}
	if second != nil {
		t.Fatalf("expected cooldown to swallow the repeat, got %+v", second)
	}
}
