package main

import (
	"context"
	"log"
	"sync"
	"time"

	"confluence-engine/internal/broker"
	"confluence-engine/internal/candle"
	"confluence-engine/internal/execution"
	"confluence-engine/internal/exitdetect"
	"confluence-engine/internal/gate"
	"confluence-engine/internal/monitor"
	"confluence-engine/internal/signal"
	"confluence-engine/internal/tickcache"
	"confluence-engine/internal/validation"
	"confluence-engine/internal/zone"
	"confluence-engine/pkg/cache"
	"confluence-engine/pkg/config"
	"confluence-engine/pkg/db"
)

const (
	ltfWindow = 20
	itfWindow = 20
	htfWindow = 20

	// validationTimeout bounds each user-broker's validation in the
	// parallel fan-out; a delivery still unsettled past this deadline is
	// persisted as a TIMEOUT rejection instead of left dangling (§5).
	validationTimeout = 5 * time.Second
)

// analyzingSink wraps the candle store so a sealed 1-minute bar also drives
// the zone analyzer, without candle.Store importing back into the analysis
// pipeline (the analyzer belongs to the wiring layer, not to storage).
type analyzingSink struct {
	*candle.Store
	onClosed func(symbol string)
}

func (s *analyzingSink) Seal(c *db.Candle) error {
	if err := s.Store.Seal(c); err != nil {
		return err
	}
	if c.Timeframe == db.Timeframe1m {
		s.onClosed(c.Symbol)
	}
	return nil
}

// pipeline holds everything the tick-driven analysis path needs: zone
// classification and the utility-asymmetry gate live here rather than in
// internal/validation, since they run once per symbol ahead of the
// per-user-broker qualification validation performs.
type pipeline struct {
	cfg           *config.Config
	candles       *candle.Store
	signals       *signal.Manager
	signalQueries *db.SignalQueries
	validation    *validation.Service
	entryExecutor *execution.EntryExecutor
	metrics       *monitor.SystemMetrics
}

// onCandleClosed runs the zone/confluence analyzer and utility-asymmetry
// gate for symbol after its 1-minute bar seals, and on a passing candidate
// publishes the entry signal and drives every resulting delivery through
// validation and execution (§4.4, §4.5, §4.6, §4.8, §4.10).
func (p *pipeline) onCandleClosed(symbol string) {
	htf, err := p.candles.RecentWindow(symbol, db.Timeframe125m, htfWindow)
	if err != nil || len(htf) == 0 {
		return
	}
	itf, err := p.candles.RecentWindow(symbol, db.Timeframe25m, itfWindow)
	if err != nil || len(itf) == 0 {
		return
	}
	ltf, err := p.candles.RecentWindow(symbol, db.Timeframe1m, ltfWindow)
	if err != nil || len(ltf) == 0 {
		return
	}
	refPrice := ltf[len(ltf)-1].Close

	cls := zone.Classify(symbol, db.DirectionBuy, zone.Window(htf), zone.Window(itf), zone.Window(ltf), refPrice)
	if cls.Rejected || cls.ConfluenceType == db.ConfluenceNone {
		return
	}

	pass, logLoss, logGain := gate.Check(refPrice, cls.EffectiveFloor, cls.EffectiveCeiling,
		p.cfg.UtilityAlpha, p.cfg.UtilityBeta, p.cfg.AdvantageRatio)
	if !pass {
		return
	}
	pWin, kelly := impliedEdge(logLoss, logGain, cls.Score)
	if pWin < p.cfg.MinWinProb || kelly < p.cfg.MinKelly {
		return
	}

	candidate := signal.Candidate{
		Symbol:           symbol,
		Direction:        db.DirectionBuy,
		ConfluenceType:   cls.ConfluenceType,
		HTFLow:           cls.HTF.Floor, HTFHigh: cls.HTF.Ceiling,
		ITFLow: cls.ITF.Floor, ITFHigh: cls.ITF.Ceiling,
		LTFLow: cls.LTF.Floor, LTFHigh: cls.LTF.Ceiling,
		EffectiveFloor:   cls.EffectiveFloor,
		EffectiveCeiling: cls.EffectiveCeiling,
		RefPrice:         refPrice,
		PWin:             pWin,
		Kelly:            kelly,
		GeneratedAt:      time.Now(),
		TTL:              24 * time.Hour,
	}

	sig, deliveries, err := p.signals.PublishEntry(candidate)
	if err != nil {
		log.Printf("pipeline: publish entry for %s: %v", symbol, err)
		return
	}
	if sig == nil {
		return // effectiveFloor >= effectiveCeiling: zone rejected, nothing published
	}
	if p.metrics != nil {
		p.metrics.IncrementSignals()
	}

	atr := averageTrueRange(ltf)
	recentRange := cls.LTF.Ceiling - cls.LTF.Floor

	p.fanOutValidations(deliveries, sig, cls.Strength, atr, recentRange)
}

// fanOutValidations validates every delivery for sig concurrently, one
// goroutine per user-broker (§4.6 "deliveries for one signal may be
// validated in parallel across user-brokers"). It blocks until every
// delivery has either settled or been timed out.
func (p *pipeline) fanOutValidations(deliveries []*db.SignalDelivery, sig *db.Signal, strength zone.Strength, atr, recentRange float64) {
	var wg sync.WaitGroup
	for _, d := range deliveries {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.validateWithTimeout(d, sig, strength, atr, recentRange)
		}()
	}
	wg.Wait()
}

// validateWithTimeout runs qualifyAndExecute for d under a bounded
// deadline; a delivery that doesn't settle within validationTimeout is
// persisted as a TIMEOUT rejection (§5 "Per-validation timeout (5s) on the
// parallel fan-out; timed-out validations become REJECTED with TIMEOUT").
// TradeIntent rows are idempotent by delivery id, so whichever of the two
// paths (the in-flight validate, or this timeout) persists first wins; the
// loser's Insert conflicts and is discarded.
func (p *pipeline) validateWithTimeout(d *db.SignalDelivery, sig *db.Signal, strength zone.Strength, atr, recentRange float64) {
	ctx, cancel := context.WithTimeout(context.Background(), validationTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.qualifyAndExecute(d, sig, strength, atr, recentRange)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("pipeline: validation timed out for delivery %s (user broker %s)", d.DeliveryID, d.UserBrokerID)
		if _, err := p.validation.RejectTimeout(d, sig); err != nil {
			log.Printf("pipeline: persist timeout rejection for delivery %s: %v", d.DeliveryID, err)
		}
	}
}

func (p *pipeline) qualifyAndExecute(d *db.SignalDelivery, sig *db.Signal, strength zone.Strength, atr, recentRange float64) {
	ub, err := p.validation.UserBroker(d.UserBrokerID)
	if err != nil {
		log.Printf("pipeline: load user broker %s: %v", d.UserBrokerID, err)
		return
	}

	existingQty, existingAvg, nearest := p.validation.ExistingPosition(ub.ID, sig.Symbol)
	isRebuy := existingQty > 0

	req := validation.Request{
		Delivery:          d,
		Signal:            sig,
		UserBroker:        ub,
		Strength:          strength,
		StopPrice:         sig.EffectiveFloor,
		TargetPrice:       sig.EffectiveCeiling,
		ATR:               atr,
		RecentRange:       recentRange,
		ExistingQty:       existingQty,
		ExistingAvg:       existingAvg,
		NearestEntryPrice: nearest,
		IsRebuy:           isRebuy,
		Now:               time.Now(),
	}

	intent, err := p.validation.Validate(req)
	if err != nil {
		log.Printf("pipeline: validate delivery %s: %v", d.DeliveryID, err)
		return
	}
	if !intent.ValidationPassed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.entryExecutor.Execute(ctx, intent); err != nil {
		log.Printf("pipeline: execute entry for intent %s: %v", intent.IntentID, err)
	}
}

// runTickIngestion streams ticks from the data gateway (or the mock feed)
// and drives them through the tick cache/candle builder and exit detector.
// Ingestion is single-writer per symbol by construction: one goroutine
// reads the channel and processes ticks in arrival order.
func runTickIngestion(ctx context.Context, dataGateway broker.DataGateway, symbols []string, builder *tickcache.Builder,
	prices *cache.ShardedPriceCache, detector *exitdetect.Detector, metrics *monitor.SystemMetrics) {
	if dataGateway == nil {
		log.Printf("pipeline: no data gateway configured, tick ingestion idle")
		return
	}

	stream, err := dataGateway.StreamTicks(ctx, symbols)
	if err != nil {
		log.Printf("pipeline: stream ticks: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-stream:
			if !ok {
				return
			}
			tick := tickcache.Tick{
				Symbol: t.Symbol, LastPrice: t.LastPrice, LastQty: t.LastQty,
				ExchangeTimestamp: t.ExchangeTimestamp, ReceivedAt: time.Now(),
			}
			if err := builder.ProcessTick(tick); err != nil {
				log.Printf("pipeline: process tick %s: %v", t.Symbol, err)
				continue
			}
			prices.Set(t.Symbol, t.LastPrice)
			if metrics != nil {
				metrics.IncrementTicks()
			}
			for _, err := range detector.OnTick(exitdetect.Tick{Symbol: t.Symbol, Price: t.LastPrice, Now: tick.ReceivedAt}) {
				log.Printf("pipeline: exit detect %s: %v", t.Symbol, err)
			}
		}
	}
}

// impliedEdge derives a win probability and Kelly fraction from the
// utility-asymmetry gate's log-loss/log-gain pair: the breakeven
// probability at which the trade's log-return edge is zero, lifted by a
// margin proportional to the confluence score, then run through the
// classic full-Kelly formula on the implied payoff ratio. The spec leaves
// pWin/kelly's derivation from raw zone output unspecified beyond "fed into
// the sizer" (§4.7); this grounds both in the same asymmetry inputs the
// gate already computed rather than inventing an unrelated model.
func impliedEdge(logLoss, logGain, confluenceScore float64) (pWin, kelly float64) {
	loss := -logLoss // logLoss is negative; loss is a positive magnitude
	if loss+logGain <= 0 {
		return 0, 0
	}
	breakeven := loss / (loss + logGain)
	pWin = breakeven + 0.15*confluenceScore
	if pWin > 0.95 {
		pWin = 0.95
	}
	if pWin < 0 {
		pWin = 0
	}

	payoffRatio := logGain / loss
	kelly = pWin - (1-pWin)/payoffRatio
	if kelly < 0 {
		kelly = 0
	}
	return pWin, kelly
}

// rebuildPendingDeliveries re-drives every PENDING signal delivery found on
// disk back through validation and execution, grouped by signal (§4.6
// rebuild-on-start: "both coordinators repopulate their pending work queues
// by scanning active signals, PENDING deliveries..."). A crash between the
// delivery insert and qualifyAndExecute would otherwise strand the
// delivery forever, since nothing else in the system re-polls it.
func (p *pipeline) rebuildPendingDeliveries() {
	deliveries, err := p.signals.RebuildPendingDeliveries()
	if err != nil {
		log.Printf("pipeline: rebuild pending deliveries: %v", err)
		return
	}
	if len(deliveries) == 0 {
		return
	}
	log.Printf("pipeline: rebuilding %d pending signal deliveries", len(deliveries))

	bySignal := make(map[string][]*db.SignalDelivery)
	for _, d := range deliveries {
		bySignal[d.SignalID] = append(bySignal[d.SignalID], d)
	}
	for signalID, ds := range bySignal {
		sig, err := p.signalQueries.Get(signalID)
		if err != nil {
			log.Printf("pipeline: rebuild: load signal %s: %v", signalID, err)
			continue
		}
		atr := p.rebuildATR(sig.Symbol)
		recentRange := sig.LTFHigh - sig.LTFLow
		p.fanOutValidations(ds, sig, strengthFromConfluence(sig.ConfluenceType), atr, recentRange)
	}
}

// rebuildATR recomputes the ATR input from whatever 1-minute candles are
// currently on disk for symbol; a cold start with no candles yet yields 0,
// which the sizer's velocity term treats as no ATR-based adjustment.
func (p *pipeline) rebuildATR(symbol string) float64 {
	ltf, err := p.candles.RecentWindow(symbol, db.Timeframe1m, ltfWindow)
	if err != nil {
		return 0
	}
	return averageTrueRange(ltf)
}

// strengthFromConfluence approximates the zone strength bucket from the
// persisted confluence type alone. Only used on rebuild-on-start: the
// original composite confluence score that drives zone.Classify's strength
// bucket is never persisted on the signal row, so this is the closest
// available proxy rather than a re-derivation of the original value.
func strengthFromConfluence(ct db.ConfluenceType) zone.Strength {
	switch ct {
	case db.ConfluenceTriple:
		return zone.StrengthVeryStrong
	case db.ConfluenceDouble:
		return zone.StrengthStrong
	case db.ConfluenceSingle:
		return zone.StrengthModerate
	default:
		return zone.StrengthWeak
	}
}

// averageTrueRange approximates ATR over a candle window as the mean
// high-low range, a standard simplification that skips the gap
// (previous-close) term since the tick-driven 1-minute series has no gaps.
func averageTrueRange(candles []*db.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.High - c.Low
	}
	return sum / float64(len(candles))
}
