package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confluence-engine/internal/api"
	"confluence-engine/internal/broker"
	"confluence-engine/internal/candle"
	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/execution"
	"confluence-engine/internal/exitdetect"
	"confluence-engine/internal/hub"
	"confluence-engine/internal/monitor"
	"confluence-engine/internal/reconcile"
	sigmgr "confluence-engine/internal/signal"
	"confluence-engine/internal/startup"
	"confluence-engine/internal/tickcache"
	"confluence-engine/internal/trade"
	"confluence-engine/internal/validation"
	"confluence-engine/internal/watchdog"
	"confluence-engine/pkg/cache"
	"confluence-engine/pkg/config"
	"confluence-engine/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()

	seed, err := config.LoadSeed(cfg.SeedPath)
	if err != nil {
		log.Fatalf("main: load seed file: %v", err)
	}
	if err := applySeed(database, seed); err != nil {
		log.Fatalf("main: apply seed: %v", err)
	}

	eventLog := eventlog.New(database)
	prices := cache.NewShardedPriceCache()
	ticks := tickcache.New(cfg.DedupeWindow)
	candleStore := candle.NewStore(database, eventLog)

	tradeMgr := trade.New(database, eventLog)
	signalMgr := sigmgr.New(database, eventLog, tradeMgr, cfg.ExitCooldown)
	validationSvc := validation.New(database, eventLog, cfg)

	clock := execution.NewFixedSessionClock(time.Local, 9, 15, 15, 30)
	exitQualifier := execution.NewExitQualifier(database, clock, cfg.MarketCloseGuard)
	signalMgr.SetQualifier(exitQualifier)

	mockGateway := broker.NewMockGateway(seed.Symbols, 100)
	pool := broker.NewPool(func(ub *db.UserBroker) (broker.Gateway, error) {
		// Every venue resolves to the shared mock gateway while
		// useMockFeed is on; a real deployment's factory dispatches on
		// ub.Venue to the matching pkg/exchanges adapter instead.
		return mockGateway, nil
	})

	var dataGateway broker.DataGateway
	if cfg.UseMockFeed {
		dataGateway = mockGateway
	}

	h := hub.New(eventLog, cfg.HubBatchInterval, cfg.HubBatchMax)
	wd := watchdog.New(database, prices, ticks, dataGateway, h, eventLog, cfg.StaleFeedWindow, 15*time.Second)

	entryExecutor := execution.NewEntryExecutor(tradeMgr, database, pool, wd, 10*time.Second)
	exitExecutor := execution.NewExitExecutor(database, pool, wd, 10*time.Second)
	detector := exitdetect.New(tradeMgr, signalMgr, time.Duration(cfg.MaxHoldDays)*24*time.Hour,
		cfg.TrailingActivationPct, cfg.TrailingDistancePct, cfg.BrickFilterPct)

	entryReconciler := reconcile.NewEntryReconciler(tradeMgr, database, pool,
		cfg.BrokerCallConcurrency, 5, cfg.ReconcileInterval, cfg.PendingTimeout)
	exitReconciler := reconcile.NewExitReconciler(tradeMgr, database, eventLog, pool,
		cfg.BrokerCallConcurrency, 5)

	metrics := monitor.NewSystemMetrics()

	p := &pipeline{
		cfg:           cfg,
		candles:       candleStore,
		signals:       signalMgr,
		signalQueries: db.NewSignalQueries(database),
		validation:    validationSvc,
		entryExecutor: entryExecutor,
		metrics:       metrics,
	}
	builder := tickcache.NewBuilder(ticks, &analyzingSink{Store: candleStore, onClosed: p.onCandleClosed}, 5*time.Second)

	gates := startup.GateReadiness{
		"storage":       checkStorageReady(database),
		"event_log":     checkEventLogReady(eventLog),
		"broadcast_hub": checkHubReady(h),
	}
	startup.MustCheck(cfg, database, gates)

	server := api.NewServer(database, h, tradeMgr, metrics, cfg.JWTSecret, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go h.Run(done)
	go wd.Run(ctx, done)

	go func() {
		if err := server.Run(ctx, ":"+cfg.Port); err != nil {
			log.Printf("main: api server stopped: %v", err)
		}
	}()

	p.rebuildPendingDeliveries()
	rebuildPlacedExitIntents(signalMgr)

	go runTickIngestion(ctx, dataGateway, seed.Symbols, builder, prices, detector, metrics)
	go runExpiryLoop(ctx, signalMgr)
	go runReconcileLoop(ctx, entryReconciler, exitReconciler, exitExecutor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Printf("main: shutdown signal received, draining")
	cancel()
	close(done)
	time.Sleep(500 * time.Millisecond)
}

// applySeed upserts every user-broker in the seed roster, keyed by its
// stable seed id (an id already present has its row updated from the seed
// entry), and whitelists each entry's symbols. Absence of a seed file is
// not an error (§ supplemented feature: first-boot roster bootstrap).
func applySeed(database *db.Database, seed *config.SeedFile) error {
	if seed == nil || len(seed.UserBrokers) == 0 {
		return nil
	}
	ubq := db.NewUserBrokerQueries(database)
	for _, s := range seed.UserBrokers {
		ub := &db.UserBroker{
			ID:              s.ID,
			UserID:          s.UserID,
			Role:            db.BrokerRole(s.Role),
			Venue:           s.Venue,
			Enabled:         s.Enabled,
			Status:          "CONNECTED",
			Capital:         s.Capital,
			MaxExposure:     s.MaxExposure,
			MaxPerTrade:     s.MaxPerTrade,
			MaxOpenTrades:   s.MaxOpenTrades,
			MaxDailyLoss:    s.MaxDailyLoss,
			MaxWeeklyLoss:   s.MaxWeeklyLoss,
			CooldownMinutes: s.CooldownMinutes,
		}
		if err := ubq.Upsert(ub); err != nil {
			return err
		}
		for _, sym := range s.Symbols {
			if _, err := database.DB.Exec(`INSERT OR IGNORE INTO watchlist_symbols (user_broker_id, symbol) VALUES (?, ?)`, s.ID, sym); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildPlacedExitIntents just confirms the PLACED exit intents durable
// storage already tracks: no separate re-drive is needed, since
// ExitReconciler.RunOnce independently re-reads PlacedIntents() from
// storage on every reconcile pass (§4.6 rebuild-on-start).
func rebuildPlacedExitIntents(signalMgr *sigmgr.Manager) {
	placed, err := signalMgr.RebuildPlacedExitIntents()
	if err != nil {
		log.Printf("main: rebuild placed exit intents: %v", err)
		return
	}
	log.Printf("main: %d placed exit intents will resume via the next exit-reconciler pass", len(placed))
}

// checkStorageReady pings the database directly, the same probe the
// watchdog repeats on every sweep, but run once before the process starts
// accepting work (§4.16).
func checkStorageReady(database *db.Database) bool {
	return database.DB.Ping() == nil
}

// checkEventLogReady round-trips a real append through the event log so a
// broken writer path (not just a broken connection) fails the gate.
func checkEventLogReady(log *eventlog.Log) bool {
	seq, err := log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeSystemStartup, Scope: db.ScopeGlobal, Payload: `{}`,
	})
	return err == nil && seq > 0
}

// checkHubReady exercises the hub's own subscribe plumbing against the
// event log, the same dependency Run relies on once started.
func checkHubReady(h *hub.Hub) bool {
	return h.Ready()
}

func runExpiryLoop(ctx context.Context, signalMgr *sigmgr.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := signalMgr.ExpireDue(time.Now()); err != nil {
				log.Printf("main: expire signals: %v", err)
			}
		}
	}
}

func runReconcileLoop(ctx context.Context, entryReconciler *reconcile.EntryReconciler, exitReconciler *reconcile.ExitReconciler, exitExecutor *execution.ExitExecutor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, err := range entryReconciler.RunOnce(ctx) {
				log.Printf("main: entry reconcile: %v", err)
			}
			for _, err := range exitReconciler.RunOnce(ctx) {
				log.Printf("main: exit reconcile: %v", err)
			}
			for _, err := range exitExecutor.PollOnce(ctx) {
				log.Printf("main: exit execute: %v", err)
			}
		}
	}
}
