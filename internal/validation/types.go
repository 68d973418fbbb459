package validation

import (
	"time"

	"confluence-engine/internal/zone"
	"confluence-engine/pkg/db"
)

// Request is everything the validation service needs to qualify one
// signal delivery for one user-broker (§4.8).
type Request struct {
	Delivery   *db.SignalDelivery
	Signal     *db.Signal
	UserBroker *db.UserBroker

	Strength zone.Strength

	StopPrice   float64
	TargetPrice float64
	ATR         float64
	RecentRange float64

	// ExistingQty/ExistingAvg describe the current position on this symbol
	// for this user-broker, zero for a first entry. NearestEntryPrice is
	// the closest existing fill, used by the rebuy structural gate.
	ExistingQty       float64
	ExistingAvg       float64
	NearestEntryPrice float64
	IsRebuy           bool

	Now time.Time
}

// rejectCode names are deliberately stable strings: they are persisted and
// surfaced to clients, never renumbered.
const (
	RejectBrokerNotReady       = "BROKER_NOT_READY"
	RejectSymbolNotWhitelisted = "SYMBOL_NOT_WHITELISTED"
	RejectConfluenceBelowMin   = "CONFLUENCE_BELOW_MINIMUM"
	RejectWinProbBelowMin      = "WIN_PROB_BELOW_MINIMUM"
	RejectKellyBelowMin        = "KELLY_BELOW_MINIMUM"
	RejectRebuyGate            = "REBUY_GATE_FAILED"
	RejectSizerRejected        = "SIZER_REJECTED"
	RejectQtyBelowMinimum      = "QTY_BELOW_MINIMUM"
	RejectValueBelowMinimum    = "VALUE_BELOW_MINIMUM"
	RejectValueExceedsMax      = "VALUE_EXCEEDS_MAX_PER_TRADE"
	RejectExposureExceeded     = "EXPOSURE_CAP_EXCEEDED"
	RejectOpenTradesCap        = "OPEN_TRADES_CAP_REACHED"
	RejectDailyLossLimit       = "DAILY_LOSS_LIMIT_BREACHED"
	RejectWeeklyLossLimit      = "WEEKLY_LOSS_LIMIT_BREACHED"
	RejectCooldownActive       = "REENTRY_COOLDOWN_ACTIVE"
	RejectValidationTimeout    = "TIMEOUT"
)

const (
	defaultProductType = "INTRADAY"
	minTradeValue       = 1.0
)
