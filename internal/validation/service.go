// Package validation runs the ordered per-user-broker operational gates
// around the position sizer and persists the outcome as a TradeIntent
// (§4.8). Gates run in order; every failure is recorded but the earliest
// is the canonical rejection reason.
package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/sizing"
	"confluence-engine/internal/zone"
	"confluence-engine/pkg/config"
	"confluence-engine/pkg/db"
)

// Service qualifies signal deliveries into APPROVED or REJECTED trade
// intents.
type Service struct {
	userBrokers *db.UserBrokerQueries
	trades      *db.TradeQueries
	intents     *db.TradeIntentQueries
	log         *eventlog.Log
	cfg         *config.Config
}

// New builds a Service bound to storage, the event log, and runtime config.
func New(database *db.Database, log *eventlog.Log, cfg *config.Config) *Service {
	return &Service{
		userBrokers: db.NewUserBrokerQueries(database),
		trades:      db.NewTradeQueries(database),
		intents:     db.NewTradeIntentQueries(database),
		log:         log,
		cfg:         cfg,
	}
}

// Validate runs the ordered gates for req and persists the resulting
// TradeIntent, keyed by the delivery id so a retried validation is
// idempotent.
func (s *Service) Validate(req Request) (*db.TradeIntent, error) {
	if existing, err := s.intents.Get(req.Delivery.DeliveryID); err == nil {
		return existing, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("check existing intent: %w", err)
	}

	var reasons []string
	note := func(code string) {
		reasons = append(reasons, code)
	}

	ub := req.UserBroker
	signal := req.Signal

	if !ub.Enabled || ub.Status != "CONNECTED" {
		note(RejectBrokerNotReady)
	}

	whitelisted, err := s.userBrokers.SymbolWhitelisted(ub.ID, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("check whitelist: %w", err)
	}
	if !whitelisted {
		note(RejectSymbolNotWhitelisted)
	}

	minConfluence := db.ConfluenceType(s.cfg.MinConfluenceType)
	if !zone.MeetsMinimum(signal.ConfluenceType, minConfluence) {
		note(RejectConfluenceBelowMin)
	}
	if signal.PWin < s.cfg.MinWinProb {
		note(RejectWinProbBelowMin)
	}
	if signal.Kelly < s.cfg.MinKelly {
		note(RejectKellyBelowMin)
	}

	if req.IsRebuy {
		gateResult := sizing.RebuyGate(signal.RefPrice, req.NearestEntryPrice, req.ATR, s.cfg.ReentrySpacingATR)
		if !gateResult.Passed {
			note(RejectRebuyGate)
		}
	}

	openTrades, err := s.trades.OpenForUserBroker(ub.ID)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}
	currentExposure, portfolioLogLoss := exposureAndLogLoss(openTrades)
	symbolLogLoss := symbolLogLoss(openTrades, signal.Symbol)

	strengthMult := zone.StrengthMultiplier(req.Strength, s.cfg.Strength.Weak, s.cfg.Strength.Moderate, s.cfg.Strength.Strong, s.cfg.Strength.VeryStrong)

	sizeResult := sizing.Size(sizing.Input{
		Cash:             ub.Capital,
		ReservedCapital:  currentExposure,
		Price:            signal.RefPrice,
		Kelly:            signal.Kelly,
		PWin:             signal.PWin,
		StrengthMult:     strengthMult,
		KellyFraction:    s.cfg.KellyFraction,
		KellyCap:         s.cfg.KellyCap,
		ExistingQty:      req.ExistingQty,
		ExistingAvg:      req.ExistingAvg,
		PositionBudget:   s.cfg.PositionBudget,
		PortfolioLogLoss: portfolioLogLoss,
		PortfolioBudget:  s.cfg.PortfolioBudget,
		SymbolLogLoss:    symbolLogLoss,
		SymbolBudget:     s.cfg.SymbolBudget,
		StopPrice:        req.StopPrice,
		ATR:              req.ATR,
		RecentRange:      req.RecentRange,
		VelocityGamma:    s.cfg.VelocityGamma,
		VelocityMin:      s.cfg.VelocityMin,
	})
	if sizeResult.Rejected {
		note(fmt.Sprintf("%s:%s", RejectSizerRejected, sizeResult.ConstraintBinding))
	}

	value := float64(sizeResult.Qty) * signal.RefPrice
	if sizeResult.Qty < 1 {
		note(RejectQtyBelowMinimum)
	}
	if value < minTradeValue {
		note(RejectValueBelowMinimum)
	}
	if ub.MaxPerTrade > 0 && value > ub.MaxPerTrade {
		note(RejectValueExceedsMax)
	}
	if ub.MaxExposure > 0 && currentExposure+value > ub.MaxExposure {
		note(RejectExposureExceeded)
	}
	if ub.MaxOpenTrades > 0 && int64(len(openTrades)) >= int64(ub.MaxOpenTrades) {
		note(RejectOpenTradesCap)
	}

	dailyPnL, err := s.trades.RealizedPnLSince(ub.ID, startOfDay(req.Now))
	if err != nil {
		return nil, fmt.Errorf("daily pnl: %w", err)
	}
	if ub.MaxDailyLoss > 0 && dailyPnL <= -ub.MaxDailyLoss {
		note(RejectDailyLossLimit)
	}
	weeklyPnL, err := s.trades.RealizedPnLSince(ub.ID, startOfWeek(req.Now))
	if err != nil {
		return nil, fmt.Errorf("weekly pnl: %w", err)
	}
	if ub.MaxWeeklyLoss > 0 && weeklyPnL <= -ub.MaxWeeklyLoss {
		note(RejectWeeklyLossLimit)
	}

	lastExit, err := s.trades.LastClosedExitTime(ub.ID, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("last exit time: %w", err)
	}
	cooldown := time.Duration(ub.CooldownMinutes) * time.Minute
	if lastExit != nil && cooldown > 0 && req.Now.Sub(*lastExit) < cooldown {
		note(RejectCooldownActive)
	}

	intent := &db.TradeIntent{
		IntentID:         req.Delivery.DeliveryID,
		SignalID:         signal.SignalID,
		UserBrokerID:     ub.ID,
		ValidationPassed: len(reasons) == 0,
		RejectionReasons: reasons,
	}
	if intent.ValidationPassed {
		intent.ApprovedQty = sizeResult.Qty
		intent.OrderType = "MARKET"
		intent.ProductType = defaultProductType
	}

	if err := s.intents.Insert(intent); err != nil {
		if errors.Is(err, db.ErrUniquenessConflict) {
			return s.intents.Get(intent.IntentID)
		}
		return nil, fmt.Errorf("persist trade intent: %w", err)
	}

	evType := eventlog.TypeIntentApproved
	payload := fmt.Sprintf(`{"intentId":%q,"signalId":%q,"qty":%d}`, intent.IntentID, intent.SignalID, intent.ApprovedQty)
	if !intent.ValidationPassed {
		evType = eventlog.TypeIntentRejected
		payload = fmt.Sprintf(`{"intentId":%q,"signalId":%q,"reasons":%q}`, intent.IntentID, intent.SignalID, reasons)
	}
	ubID := ub.ID
	if _, err := s.log.Append(eventlog.AppendRequest{
		Type: evType, Scope: db.ScopeUserBroker, UserBrokerID: &ubID, SignalID: &signal.SignalID,
		Payload: payload,
	}); err != nil {
		return intent, fmt.Errorf("emit intent outcome: %w", err)
	}
	return intent, nil
}

// RejectTimeout persists a TIMEOUT-coded rejected intent for a delivery
// whose parallel validation fan-out deadline (§5) expired before Validate
// returned. Idempotent with Validate via the same delivery-keyed insert:
// whichever of the two settles the intent first wins.
func (s *Service) RejectTimeout(d *db.SignalDelivery, sig *db.Signal) (*db.TradeIntent, error) {
	if existing, err := s.intents.Get(d.DeliveryID); err == nil {
		return existing, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("check existing intent: %w", err)
	}

	intent := &db.TradeIntent{
		IntentID:         d.DeliveryID,
		SignalID:         sig.SignalID,
		UserBrokerID:     d.UserBrokerID,
		ValidationPassed: false,
		RejectionReasons: []string{RejectValidationTimeout},
	}
	if err := s.intents.Insert(intent); err != nil {
		if errors.Is(err, db.ErrUniquenessConflict) {
			return s.intents.Get(intent.IntentID)
		}
		return nil, fmt.Errorf("persist timeout intent: %w", err)
	}

	ubID := d.UserBrokerID
	payload := fmt.Sprintf(`{"intentId":%q,"signalId":%q,"reasons":[%q]}`, intent.IntentID, intent.SignalID, RejectValidationTimeout)
	if _, err := s.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeIntentRejected, Scope: db.ScopeUserBroker, UserBrokerID: &ubID, SignalID: &sig.SignalID,
		Payload: payload,
	}); err != nil {
		return intent, fmt.Errorf("emit timeout intent outcome: %w", err)
	}
	return intent, nil
}

// UserBroker exposes the user-broker lookup the pipeline needs to build a
// Request, so the wiring layer never has to construct its own queries.
func (s *Service) UserBroker(userBrokerID string) (*db.UserBroker, error) {
	return s.userBrokers.Get(userBrokerID)
}

// ExistingPosition reports the caller's current weighted-average position
// on symbol for userBrokerID (zero qty for a first entry) and the nearest
// existing entry price, used by the rebuy structural gate.
func (s *Service) ExistingPosition(userBrokerID, symbol string) (qty, avgPrice, nearestEntry float64) {
	open, err := s.trades.OpenForUserBroker(userBrokerID)
	if err != nil {
		return 0, 0, 0
	}
	var totalQty, totalCost float64
	var lastEntryAt time.Time
	for _, t := range open {
		if t.Symbol != symbol || t.EntryPrice == nil || t.EntryQty == nil {
			continue
		}
		totalQty += *t.EntryQty
		totalCost += *t.EntryQty * *t.EntryPrice
		if t.EntryTimestamp != nil && t.EntryTimestamp.After(lastEntryAt) {
			lastEntryAt = *t.EntryTimestamp
			nearestEntry = *t.EntryPrice
		}
	}
	if totalQty == 0 {
		return 0, 0, 0
	}
	return totalQty, totalCost / totalQty, nearestEntry
}

func exposureAndLogLoss(open []*db.Trade) (exposure, logLoss float64) {
	for _, t := range open {
		if t.EntryValue != nil {
			exposure += *t.EntryValue
		}
		logLoss += tradeRisk(t)
	}
	return exposure, logLoss
}

func symbolLogLoss(open []*db.Trade, symbol string) float64 {
	var sum float64
	for _, t := range open {
		if t.Symbol == symbol {
			sum += tradeRisk(t)
		}
	}
	return sum
}

// tradeRisk approximates a trade's contribution to log-loss exposure using
// its stored stop distance; zero for trades missing a stop.
func tradeRisk(t *db.Trade) float64 {
	if t.EntryPrice == nil || t.ExitStopPrice == nil || *t.EntryPrice <= 0 || *t.ExitStopPrice <= 0 {
		return 0
	}
	return math.Log(*t.ExitStopPrice / *t.EntryPrice)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}
