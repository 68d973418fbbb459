package zone

import (
	"testing"
	"time"

	"confluence-engine/pkg/db"
)

func candles(ranges ...[2]float64) []*db.Candle {
	now := time.Now()
	out := make([]*db.Candle, len(ranges))
	for i, r := range ranges {
		out[i] = &db.Candle{StartTime: now.Add(time.Duration(i) * time.Minute), Low: r[0], High: r[1]}
	}
	return out
}

func TestWindowEmptyCandlesReturnsZeroZone(t *testing.T) {
	if got := Window(nil); got != (Zone{}) {
		t.Fatalf("Window(nil) = %+v, want zero value", got)
	}
}

func TestWindowTracksMinLowMaxHigh(t *testing.T) {
	z := Window(candles([2]float64{100, 110}, [2]float64{95, 105}, [2]float64{98, 115}))
	if z.Floor != 95 || z.Ceiling != 115 {
		t.Fatalf("Window = %+v, want {95 115}", z)
	}
}

func TestClassifyTripleConfluence(t *testing.T) {
	z := Zone{Floor: 95, Ceiling: 105}
	cls := Classify("BTC", db.DirectionBuy, z, z, z, 100)
	if cls.ConfluenceType != db.ConfluenceTriple {
		t.Fatalf("ConfluenceType = %v, want TRIPLE", cls.ConfluenceType)
	}
	if cls.Strength != StrengthVeryStrong {
		t.Fatalf("Strength = %v, want VERY_STRONG", cls.Strength)
	}
	if cls.Rejected {
		t.Fatal("expected a non-rejected classification when all zones agree")
	}
}

func TestClassifyNoneConfluenceWhenOutsideEveryZone(t *testing.T) {
	htf := Zone{Floor: 50, Ceiling: 60}
	itf := Zone{Floor: 50, Ceiling: 60}
	ltf := Zone{Floor: 50, Ceiling: 60}
	cls := Classify("BTC", db.DirectionBuy, htf, itf, ltf, 100)
	if cls.ConfluenceType != db.ConfluenceNone {
		t.Fatalf("ConfluenceType = %v, want NONE", cls.ConfluenceType)
	}
	if cls.Strength != StrengthWeak {
		t.Fatalf("Strength = %v, want WEAK", cls.Strength)
	}
}

func TestClassifyRejectedWhenEffectiveFloorAtOrAboveCeiling(t *testing.T) {
	htf := Zone{Floor: 90, Ceiling: 120}
	itf := Zone{Floor: 95, Ceiling: 96}
	ltf := Zone{Floor: 97, Ceiling: 120} // LTF floor 97 >= ITF ceiling 96 forces floor >= ceiling
	cls := Classify("BTC", db.DirectionBuy, htf, itf, ltf, 95)
	if !cls.Rejected {
		t.Fatalf("expected Rejected=true, got effFloor=%v effCeiling=%v", cls.EffectiveFloor, cls.EffectiveCeiling)
	}
}

func TestMeetsMinimumOrdering(t *testing.T) {
	cases := []struct {
		got, min db.ConfluenceType
		want     bool
	}{
		{db.ConfluenceTriple, db.ConfluenceDouble, true},
		{db.ConfluenceDouble, db.ConfluenceDouble, true},
		{db.ConfluenceSingle, db.ConfluenceDouble, false},
		{db.ConfluenceNone, db.ConfluenceSingle, false},
	}
	for _, c := range cases {
		if got := MeetsMinimum(c.got, c.min); got != c.want {
			t.Errorf("MeetsMinimum(%v, %v) = %v, want %v", c.got, c.min, got, c.want)
		}
	}
}

func TestStrengthMultiplierMapsEachBucket(t *testing.T) {
	if got := StrengthMultiplier(StrengthWeak, 0.5, 1, 1.5, 2); got != 0.5 {
		t.Errorf("weak multiplier = %v, want 0.5", got)
	}
	if got := StrengthMultiplier(StrengthVeryStrong, 0.5, 1, 1.5, 2); got != 2 {
		t.Errorf("very strong multiplier = %v, want 2", got)
	}
}
