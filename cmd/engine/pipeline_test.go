package main

import (
	"testing"
	"time"

	"confluence-engine/pkg/db"
)

func TestImpliedEdgeBreakevenPlusMargin(t *testing.T) {
	// logLoss = ln(0.98) ≈ -0.0202, logGain = ln(1.04) ≈ 0.0392
	pWin, kelly := impliedEdge(-0.0202, 0.0392, 0.9)
	if pWin <= 0 || pWin >= 1 {
		t.Fatalf("pWin out of range: %v", pWin)
	}
	if kelly < 0 {
		t.Fatalf("kelly should never be negative, got %v", kelly)
	}
}

func TestImpliedEdgeDegenerateInputsYieldNoEdge(t *testing.T) {
	pWin, kelly := impliedEdge(0, 0, 0.5)
	if pWin != 0 || kelly != 0 {
		t.Fatalf("expected zero edge for zero loss/gain, got pWin=%v kelly=%v", pWin, kelly)
	}
}

func TestImpliedEdgeClampsHighConfluenceScore(t *testing.T) {
	pWin, _ := impliedEdge(-0.01, 0.5, 10.0)
	if pWin > 0.95 {
		t.Fatalf("pWin must be clamped to 0.95, got %v", pWin)
	}
}

func TestAverageTrueRangeEmptyWindow(t *testing.T) {
	if got := averageTrueRange(nil); got != 0 {
		t.Fatalf("averageTrueRange(nil) = %v, want 0", got)
	}
}

func TestAverageTrueRangeMeansHighLowSpread(t *testing.T) {
	now := time.Now()
	candles := []*db.Candle{
		{Symbol: "X", StartTime: now, High: 110, Low: 100},
		{Symbol: "X", StartTime: now.Add(time.Minute), High: 120, Low: 90},
	}
	got := averageTrueRange(candles)
	want := ((110 - 100) + (120 - 90)) / 2.0
	if got != want {
		t.Fatalf("averageTrueRange = %v, want %v", got, want)
	}
}
