package sizing

// RebuyGateResult reports whether a rebuy candidate may proceed to sizing.
type RebuyGateResult struct {
	Passed bool
	Reason string
}

// RebuyGate evaluates the two structural gates that must pass before a
// rebuy sizes at all (§4.7): the new entry must be at or below the nearest
// existing entry, and it must be spaced at least reentrySpacingATR ATRs away.
func RebuyGate(newPrice, nearestExistingPrice, atr, reentrySpacingATR float64) RebuyGateResult {
	if newPrice > nearestExistingPrice {
		return RebuyGateResult{Reason: "new price above nearest existing entry"}
	}
	gap := nearestExistingPrice - newPrice
	if gap < reentrySpacingATR*atr {
		return RebuyGateResult{Reason: "spacing below required ATR multiple"}
	}
	return RebuyGateResult{Passed: true}
}

// SizeRebuy runs the structural gates first; sizing only proceeds on a pass.
func SizeRebuy(in Input, nearestExistingPrice, reentrySpacingATR float64) Result {
	gate := RebuyGate(in.Price, nearestExistingPrice, in.ATR, reentrySpacingATR)
	if !gate.Passed {
		return Result{Rejected: true, Reason: gate.Reason}
	}
	return Size(in)
}
