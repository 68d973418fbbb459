package sizing

import "testing"

func baseInput() Input {
	return Input{
		Cash:            100000,
		ReservedCapital: 0,
		Price:           100,
		Kelly:           0.2,
		PWin:            0.6,
		StrengthMult:    1,
		KellyFraction:   0.5,
		KellyCap:        1,
		PositionBudget:  -0.5,
		PortfolioBudget: -1.0,
		SymbolBudget:    -0.5,
		StopPrice:       90,
		ATR:             2,
		RecentRange:     1,
		VelocityGamma:   2,
		VelocityMin:     0.1,
	}
}

func TestSizeReturnsPositiveQtyForHealthyInput(t *testing.T) {
	res := Size(baseInput())
	if res.Rejected {
		t.Fatalf("expected an accepted size, got rejected: %s", res.Reason)
	}
	if res.Qty < 1 {
		t.Fatalf("expected qty >= 1, got %d", res.Qty)
	}
}

func TestSizeRejectsWhenPortfolioBudgetExhausted(t *testing.T) {
	in := baseInput()
	in.PortfolioLogLoss = -1.0 // already at the budget, no headroom left
	res := Size(in)
	if !res.Rejected || res.ConstraintBinding != ConstraintPortfolio {
		t.Fatalf("expected portfolio-budget rejection, got %+v", res)
	}
}

func TestSizeRejectsWhenSymbolBudgetExhausted(t *testing.T) {
	in := baseInput()
	in.SymbolLogLoss = -0.5
	res := Size(in)
	if !res.Rejected || res.ConstraintBinding != ConstraintSymbol {
		t.Fatalf("expected symbol-budget rejection, got %+v", res)
	}
}

func TestSizeRejectsZeroCash(t *testing.T) {
	in := baseInput()
	in.Cash = 0
	res := Size(in)
	if !res.Rejected {
		t.Fatal("expected rejection when no cash is available")
	}
}

func TestSizeBindsCashConstraintWhenCashIsScarce(t *testing.T) {
	in := baseInput()
	in.ReservedCapital = in.Cash - 150 // 150 unreserved: barely affords 1 share at price 100
	res := Size(in)
	if res.Rejected {
		t.Fatalf("expected an accepted size at minimal cash, got rejected: %s", res.Reason)
	}
	if res.Qty > 1 {
		t.Fatalf("expected cash to bind qty to at most 1, got %d", res.Qty)
	}
}

func TestRebuyGatePassesWhenSpacedBelowEntry(t *testing.T) {
	res := RebuyGate(95, 100, 2, 2) // gap=5, required=4
	if !res.Passed {
		t.Fatalf("expected rebuy gate to pass, got reason %q", res.Reason)
	}
}

func TestRebuyGateFailsAboveNearestEntry(t *testing.T) {
	res := RebuyGate(105, 100, 2, 2)
	if res.Passed {
		t.Fatal("expected rebuy gate to fail when new price is above nearest entry")
	}
}

func TestRebuyGateFailsWhenSpacingTooTight(t *testing.T) {
	res := RebuyGate(99, 100, 2, 2) // gap=1, required=4
	if res.Passed {
		t.Fatal("expected rebuy gate to fail on insufficient ATR spacing")
	}
}

func TestSizeRebuyShortCircuitsOnFailedGate(t *testing.T) {
	in := baseInput()
	res := SizeRebuy(in, 95, 10) // price 100 > nearest 95: gate fails immediately
	if !res.Rejected {
		t.Fatal("expected SizeRebuy to reject on a failed structural gate")
	}
}
