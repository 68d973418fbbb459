// Package tickcache owns the single-writer-per-symbol tick ingestion path:
// dedupe, last-tick bookkeeping, and partial-candle accumulation for the
// 1-minute timeframe.
package tickcache

import "time"

// Tick is one immutable trade-price update from the data broker.
type Tick struct {
	Symbol            string
	LastPrice         float64
	LastQty           float64
	ExchangeTimestamp time.Time // zero value means absent; fallback dedupe applies
	ReceivedAt        time.Time
}

// PartialCandle is the mutable accumulator for one in-progress 1-minute bar.
type PartialCandle struct {
	Symbol    string
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

func newPartial(symbol string, startTime time.Time, tick Tick) *PartialCandle {
	return &PartialCandle{
		Symbol:    symbol,
		StartTime: startTime,
		Open:      tick.LastPrice,
		High:      tick.LastPrice,
		Low:       tick.LastPrice,
		Close:     tick.LastPrice,
		Volume:    tick.LastQty,
	}
}

func (p *PartialCandle) extend(tick Tick) {
	if tick.LastPrice > p.High {
		p.High = tick.LastPrice
	}
	if tick.LastPrice < p.Low {
		p.Low = tick.LastPrice
	}
	p.Close = tick.LastPrice
	p.Volume += tick.LastQty
}

const period1m = time.Minute

func periodStart(t time.Time) time.Time {
	return t.Truncate(period1m)
}
