// Package gate implements the utility-asymmetry reward/risk gate (§4.5):
// a candidate entry is only emitted if its upside convexity dominates its
// downside by a configured ratio.
package gate

import (
	"math"
)

// RejectCodeUtilityAsymmetry is the rejection code for a candidate the gate
// rejects.
const RejectCodeUtilityAsymmetry = "UTILITY_ASYMMETRY_FAIL"

// Check evaluates π^α ≥ λ·|ℓ|^β for entry price p, stop s, and target t,
// with ℓ = ln(s/p) and π = ln(t/p). Only the long orientation s < p < t is
// evaluated: a stop at or above entry, or a target at or below entry, fails.
// Returns true if the asymmetry gate passes.
func Check(entry, stop, target, alpha, beta, lambda float64) (pass bool, logLoss, logGain float64) {
	logLoss = math.Log(stop / entry)   // negative
	logGain = math.Log(target / entry) // positive
	if logGain <= 0 || logLoss >= 0 {
		return false, logLoss, logGain
	}
	lhs := math.Pow(logGain, alpha)
	rhs := lambda * math.Pow(math.Abs(logLoss), beta)
	return lhs >= rhs, logLoss, logGain
}
