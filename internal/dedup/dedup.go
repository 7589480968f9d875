// Package dedup suppresses quotes already delivered across a Session's
// reconnection seams. It is owned exclusively by one engine task.
//
// There is no sequence-number scheme here: venues disagree on sequence
// semantics or omit them entirely, while (symbol, eventTimeMillis) is
// universally available and sufficient because candle event times are
// discretized to interval boundaries.
//
// Eviction combines a hard entry cap, enforced by an LRU
// (github.com/hashicorp/golang-lru/v2, the ordered-eviction cache used
// elsewhere in the retrieval pack by ethereum-go-ethereum), with a
// sliding time window checked lazily on insert.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type key struct {
	symbol          string
	eventTimeMillis int64
}

// Deduper tracks recently emitted (symbol, eventTimeMillis) pairs for one
// Session.
type Deduper struct {
	window time.Duration

	mu    sync.Mutex
	cache *lru.Cache[key, time.Time]
}

// New constructs a Deduper with the given sliding window and hard entry
// cap.
func New(window time.Duration, maxEntries int) *Deduper {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c, _ := lru.New[key, time.Time](maxEntries)
	return &Deduper{window: window, cache: c}
}

// IsDuplicate reports whether (symbol, eventTime) has already been seen
// within the window. A pair that is not tracked, or whose entry is older
// than the window, is recorded with the current time and reported as
// new; a duplicate hit leaves the entry and its eviction position
// unchanged. It is therefore false exactly once per (symbol,
// eventTimeMillis) within the window.
func (d *Deduper) IsDuplicate(symbol string, eventTime time.Time) bool {
	k := key{symbol: symbol, eventTimeMillis: eventTime.UnixMilli()}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.cache.Peek(k); ok {
		if d.window <= 0 || now.Sub(seenAt) <= d.window {
			return true
		}
		// Entry aged out of the window; treat as a fresh observation.
	}

	d.cache.Add(k, now)
	return false
}

// Len returns the number of entries currently tracked, for tests and
// metrics.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
