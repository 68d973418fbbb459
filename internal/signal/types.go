package signal

import (
	"time"

	"confluence-engine/pkg/db"
)

// Candidate is what the zone/confluence analyzer hands the signal manager
// for the entry path.
type Candidate struct {
	Symbol           string
	Direction        db.Direction
	ConfluenceType   db.ConfluenceType
	HTFLow, HTFHigh  float64
	ITFLow, ITFHigh  float64
	LTFLow, LTFHigh  float64
	EffectiveFloor   float64
	EffectiveCeiling float64
	RefPrice         float64
	PWin             float64
	Kelly            float64
	GeneratedAt      time.Time
	TTL              time.Duration
}

// ExitCandidate is what the exit detector hands the signal manager.
type ExitCandidate struct {
	TradeID string
	Reason  db.ExitReason
	Price   float64
	Now     time.Time
}

// Qualifier is implemented by internal/execution's exit qualifier; the
// signal manager calls it synchronously while holding the per-trade lock so
// the "no concurrent exit intent" invariant (§4.12) never races.
type Qualifier interface {
	Qualify(trade *db.Trade, signal *db.ExitSignal) (approved bool, orderType string, limitPrice float64, rejectCode string, err error)
}
