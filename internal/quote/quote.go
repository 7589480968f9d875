// Package quote defines the normalized candle record that every venue
// decoder produces and every downstream subscriber consumes.
package quote

import "time"

// Quote is one OHLCV observation for one symbol at one instant, already
// normalized out of whatever wire shape the originating venue used.
type Quote struct {
	Venue          string
	Symbol         string
	ContractFamily string
	// EventTime is always UTC, millisecond precision.
	EventTime  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount uint64
	// IsFinal is true for a closed (final) candle, false for a provisional
	// (still-open) one.
	IsFinal bool
}

// EventTimeMillis is the dedup/ordering key component derived from
// EventTime.
func (q Quote) EventTimeMillis() int64 {
	return q.EventTime.UnixMilli()
}

// Endpoint is the static wire target for one venue x contract family.
type Endpoint struct {
	Venue                string
	ContractFamily       string
	StreamURL            string
	RestURL              string
	DefaultInterval      string
	MaxSymbolsPerSession int
}
