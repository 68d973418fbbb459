// Package zone computes per-timeframe buy-zones from recent candle history
// and classifies multi-timeframe confluence (§4.4).
package zone

import (
	"confluence-engine/pkg/db"
)

// Zone is a (floor, ceiling) band for one timeframe.
type Zone struct {
	Floor   float64
	Ceiling float64
}

// InBuyZone reports whether price falls within the zone band.
func (z Zone) InBuyZone(price float64) bool {
	return z.Floor <= price && price <= z.Ceiling
}

// Strength buckets the composite confluence score.
type Strength string

const (
	StrengthWeak       Strength = "WEAK"
	StrengthModerate   Strength = "MODERATE"
	StrengthStrong     Strength = "STRONG"
	StrengthVeryStrong Strength = "VERY_STRONG"
)

// Classification is the analyzer's full output for one symbol/tick.
type Classification struct {
	Symbol           string
	Direction        db.Direction
	HTF, ITF, LTF    Zone
	ConfluenceType   db.ConfluenceType
	Score            float64
	Strength         Strength
	EffectiveFloor   float64
	EffectiveCeiling float64
	RefPrice         float64
	Rejected         bool // EffectiveFloor >= EffectiveCeiling
}

// Window computes floor=min(lows), ceiling=max(highs) over candles.
func Window(candles []*db.Candle) Zone {
	if len(candles) == 0 {
		return Zone{}
	}
	z := Zone{Floor: candles[0].Low, Ceiling: candles[0].High}
	for _, c := range candles[1:] {
		if c.Low < z.Floor {
			z.Floor = c.Low
		}
		if c.High > z.Ceiling {
			z.Ceiling = c.High
		}
	}
	return z
}

// Classify derives confluence from independently-computed HTF/ITF/LTF zones
// and the current reference price.
func Classify(symbol string, direction db.Direction, htf, itf, ltf Zone, refPrice float64) Classification {
	htfIn := htf.InBuyZone(refPrice)
	itfIn := itf.InBuyZone(refPrice)
	ltfIn := ltf.InBuyZone(refPrice)

	var conf db.ConfluenceType
	switch {
	case htfIn && itfIn && ltfIn:
		conf = db.ConfluenceTriple
	case htfIn && itfIn:
		conf = db.ConfluenceDouble
	case htfIn:
		conf = db.ConfluenceSingle
	default:
		conf = db.ConfluenceNone
	}

	score := compositeScore(htfIn, itfIn, ltfIn)
	effFloor := maxOf(htf.Floor, itf.Floor, ltf.Floor)
	effCeiling := minOf(htf.Ceiling, itf.Ceiling, ltf.Ceiling)

	return Classification{
		Symbol:           symbol,
		Direction:        direction,
		HTF:              htf,
		ITF:              itf,
		LTF:              ltf,
		ConfluenceType:   conf,
		Score:            score,
		Strength:         strengthBucket(score),
		EffectiveFloor:   effFloor,
		EffectiveCeiling: effCeiling,
		RefPrice:         refPrice,
		Rejected:         effFloor >= effCeiling,
	}
}

// compositeScore weights HTF highest, since it confirms the larger trend,
// down to LTF for fine-grained timing.
func compositeScore(htf, itf, ltf bool) float64 {
	const wHTF, wITF, wLTF = 0.5, 0.3, 0.2
	var s float64
	if htf {
		s += wHTF
	}
	if itf {
		s += wITF
	}
	if ltf {
		s += wLTF
	}
	return s
}

func strengthBucket(score float64) Strength {
	switch {
	case score >= 0.9:
		return StrengthVeryStrong
	case score >= 0.7:
		return StrengthStrong
	case score >= 0.4:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// StrengthMultiplier maps a strength bucket to the Kelly multiplier set in
// config (sizer constraint 2, §4.7).
func StrengthMultiplier(s Strength, weak, moderate, strong, veryStrong float64) float64 {
	switch s {
	case StrengthVeryStrong:
		return veryStrong
	case StrengthStrong:
		return strong
	case StrengthModerate:
		return moderate
	default:
		return weak
	}
}

// MeetsMinimum reports whether got satisfies the configured minimum
// confluence ordering NONE < SINGLE < DOUBLE < TRIPLE.
func MeetsMinimum(got, min db.ConfluenceType) bool {
	return rank(got) >= rank(min)
}

func rank(c db.ConfluenceType) int {
	switch c {
	case db.ConfluenceTriple:
		return 3
	case db.ConfluenceDouble:
		return 2
	case db.ConfluenceSingle:
		return 1
	default:
		return 0
	}
}

func maxOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
