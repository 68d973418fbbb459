// Package sizing implements the seven-constraint position sizer (§4.7): the
// approved quantity is the floor of the minimum across log-safe, Kelly,
// fill-weighted, cash, portfolio-budget, symbol-budget, and velocity bounds.
package sizing

import "math"

// Input carries everything the sizer needs for one candidate entry.
type Input struct {
	Cash            float64
	ReservedCapital float64
	Price           float64
	Kelly           float64
	PWin            float64 // used as the fill-probability proxy
	StrengthMult    float64
	KellyFraction   float64
	KellyCap        float64

	// Existing position on this symbol, for log-safe averaging; zero values
	// mean no existing position (first entry).
	ExistingQty   float64
	ExistingAvg   float64
	PositionBudget float64 // L_pos, negative

	PortfolioLogLoss float64 // R_port, negative
	PortfolioBudget  float64 // L_port, negative
	SymbolLogLoss    float64 // R_sym, negative
	SymbolBudget     float64 // L_sym, negative

	StopPrice float64 // S_new, for ℓ_new = ln(S_new/Price)

	ATR           float64
	RecentRange   float64
	VelocityGamma float64
	VelocityMin   float64
}

// ConstraintName identifies which of the seven bounds was the binding one.
type ConstraintName string

const (
	ConstraintLogSafe     ConstraintName = "LOG_SAFE"
	ConstraintKelly       ConstraintName = "KELLY"
	ConstraintFillWeighted ConstraintName = "FILL_WEIGHTED"
	ConstraintCash        ConstraintName = "CASH"
	ConstraintPortfolio   ConstraintName = "PORTFOLIO_BUDGET"
	ConstraintSymbol      ConstraintName = "SYMBOL_BUDGET"
	ConstraintVelocity    ConstraintName = "VELOCITY"
)

// Result is the sizer's output.
type Result struct {
	Qty              int64
	ConstraintBinding ConstraintName
	Rejected         bool
	Reason           string
}

// Size runs all seven constraints and returns the floor of their minimum.
func Size(in Input) Result {
	logSafe := logSafeQty(in)
	kellyQty := kellyQty(in)
	fillQty := kellyQty * clamp01(in.PWin)
	cashQty := cashQty(in)
	portQty, portOK := budgetQty(in.PortfolioBudget, in.PortfolioLogLoss, logLoss(in.Price, in.StopPrice))
	symQty, symOK := budgetQty(in.SymbolBudget, in.SymbolLogLoss, logLoss(in.Price, in.StopPrice))
	velQty := velocityQty(in, kellyQty)

	if !portOK {
		return Result{Rejected: true, ConstraintBinding: ConstraintPortfolio, Reason: "no portfolio log-loss headroom"}
	}
	if !symOK {
		return Result{Rejected: true, ConstraintBinding: ConstraintSymbol, Reason: "no symbol log-loss headroom"}
	}

	candidates := map[ConstraintName]float64{
		ConstraintLogSafe:      logSafe,
		ConstraintKelly:        kellyQty,
		ConstraintFillWeighted: fillQty,
		ConstraintCash:         cashQty,
		ConstraintPortfolio:    portQty,
		ConstraintSymbol:       symQty,
		ConstraintVelocity:     velQty,
	}

	minName := ConstraintLogSafe
	minVal := math.Inf(1)
	for name, v := range candidates {
		if v < minVal {
			minVal = v
			minName = name
		}
	}

	qty := int64(math.Floor(minVal))
	if qty < 1 {
		return Result{Qty: qty, ConstraintBinding: minName, Rejected: true, Reason: "qty below minimum tradable size"}
	}
	return Result{Qty: qty, ConstraintBinding: minName}
}

func logLoss(price, stop float64) float64 {
	if price <= 0 || stop <= 0 {
		return 0
	}
	return math.Log(stop / price)
}

// logSafeQty finds the largest qty such that the position-weighted average
// cost after adding qty still satisfies ln(S/weightedEntry) >= L_pos. This
// is a monotone search: weightedEntry moves toward Price as qty grows, and
// the log bound is monotonic in weightedEntry, so binary search applies.
func logSafeQty(in Input) float64 {
	if in.Price <= 0 || in.StopPrice <= 0 {
		return 0
	}
	ok := func(qty float64) bool {
		weighted := weightedEntry(in.ExistingQty, in.ExistingAvg, qty, in.Price)
		if weighted <= 0 {
			return false
		}
		return math.Log(in.StopPrice/weighted) >= in.PositionBudget
	}

	if !ok(0) {
		return 0
	}
	lo, hi := 0.0, maxSearchQty(in)
	for i := 0; i < 64 && hi-lo > 0.5; i++ {
		mid := (lo + hi) / 2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func weightedEntry(existingQty, existingAvg, newQty, newPrice float64) float64 {
	totalQty := existingQty + newQty
	if totalQty <= 0 {
		return newPrice
	}
	return (existingQty*existingAvg + newQty*newPrice) / totalQty
}

func maxSearchQty(in Input) float64 {
	if in.Price <= 0 {
		return 0
	}
	bound := in.Cash / in.Price
	if bound <= 0 {
		return 1000
	}
	return bound * 4 // generous upper bound; log-safe rarely binds above cash affordability
}

func kellyQty(in Input) float64 {
	if in.Price <= 0 {
		return 0
	}
	return (in.Cash * in.Kelly * in.KellyFraction * in.StrengthMult * in.KellyCap) / in.Price
}

func cashQty(in Input) float64 {
	if in.Price <= 0 {
		return 0
	}
	available := in.Cash - in.ReservedCapital
	if available <= 0 {
		return 0
	}
	return available / in.Price
}

// budgetQty implements constraints 5 and 6: only positive headroom admits
// new size (ℓ_new is negative, so a positive quotient requires (budget -
// current) to carry the same sign as ℓ_new).
func budgetQty(budget, current, lNew float64) (float64, bool) {
	if lNew >= 0 {
		return 0, false
	}
	headroom := budget - current
	qty := headroom / lNew
	if qty <= 0 {
		return 0, false
	}
	return qty, true
}

// velocityQty implements constraint 7: a stress-and-ATR-aware throttle.
func velocityQty(in Input, kellyQty float64) float64 {
	stress := clamp01(safeDiv(in.PortfolioLogLoss, in.PortfolioBudget))
	vBase := velocityBaseLookup(safeDiv(in.RecentRange, in.ATR))
	gamma := in.VelocityGamma
	if gamma == 0 {
		gamma = 2
	}
	vMin := in.VelocityMin
	if vMin == 0 {
		vMin = 0.10
	}
	v := vBase * math.Max(vMin, math.Pow(1-stress, gamma))
	return kellyQty * v
}

// velocityBaseLookup is the range/ATR lookup table: tighter relative ranges
// (low volatility expansion) permit full size, wide ranges throttle down.
func velocityBaseLookup(ratio float64) float64 {
	switch {
	case ratio <= 1:
		return 1.0
	case ratio <= 2:
		return 0.8
	case ratio <= 3:
		return 0.6
	default:
		return 0.4
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
