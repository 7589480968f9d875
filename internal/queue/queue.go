// Package queue implements the dual-priority quote queue that a
// multi-session subscription fan-in drains from: a bounded closed-candle
// FIFO that producers block on when full, and an optionally bounded
// open-candle LIFO that drops its oldest entry on overflow.
//
// The split mirrors the non-blocking/overflow-counter pattern the pack's
// go-server-3 (internal/session/hub.go broadcastToShards) and
// src/sharded (router.go Route) use for their own bounded fan-out
// channels; closedFIFO instead blocks because final candles must never
// be silently dropped.
package queue

import (
	"context"
	"sync"
)

// Quote is duck-typed by the caller; the queue only needs ordering and
// counts, not the full domain type, to stay independent of package
// quote.
type Quote interface{}

// DualQueue ranks final candles above provisional ones for one
// multi-session subscription fan-in.
type DualQueue struct {
	closedMax int
	closed    chan Quote

	openMax int
	openMu  sync.Mutex
	open    []Quote
	openCh  chan struct{} // signaled on open-queue push

	overflowCount int64
	blockedCount  int64
	countMu       sync.Mutex
}

// New constructs a DualQueue. openMax <= 0 means the open LIFO is
// unbounded.
func New(closedMax, openMax int) *DualQueue {
	if closedMax <= 0 {
		closedMax = 1
	}
	return &DualQueue{
		closedMax: closedMax,
		closed:    make(chan Quote, closedMax),
		openMax:   openMax,
		openCh:    make(chan struct{}, 1),
	}
}

// PutClosed enqueues a final candle. It blocks if closedFIFO is full,
// which counts as a blocking event.
func (q *DualQueue) PutClosed(ctx context.Context, item Quote) error {
	select {
	case q.closed <- item:
		return nil
	default:
	}

	q.countMu.Lock()
	q.blockedCount++
	q.countMu.Unlock()

	select {
	case q.closed <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutOpen pushes a provisional candle. If openMax is set and the LIFO is
// full, the oldest (bottom) element is dropped and the overflow counter
// incremented.
func (q *DualQueue) PutOpen(item Quote) {
	q.openMu.Lock()
	q.open = append(q.open, item)
	if q.openMax > 0 && len(q.open) > q.openMax {
		q.open = q.open[1:]
		q.countMu.Lock()
		q.overflowCount++
		q.countMu.Unlock()
	}
	q.openMu.Unlock()

	select {
	case q.openCh <- struct{}{}:
	default:
	}
}

// Get drains all available closedFIFO items first, then pops from the
// top of openLIFO. If both are empty it waits for either to gain an
// item, or for ctx to be cancelled.
func (q *DualQueue) Get(ctx context.Context) (Quote, error) {
	for {
		select {
		case item := <-q.closed:
			return item, nil
		default:
		}

		if item, ok := q.popOpen(); ok {
			return item, nil
		}

		select {
		case item := <-q.closed:
			return item, nil
		case <-q.openCh:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *DualQueue) popOpen() (Quote, bool) {
	q.openMu.Lock()
	defer q.openMu.Unlock()
	n := len(q.open)
	if n == 0 {
		return nil, false
	}
	item := q.open[n-1]
	q.open = q.open[:n-1]
	return item, true
}

// Stats reports the running overflow (dropped-provisional) and
// blocking-event (full-closedFIFO) counters.
func (q *DualQueue) Stats() (overflow, blocked int64) {
	q.countMu.Lock()
	defer q.countMu.Unlock()
	return q.overflowCount, q.blockedCount
}

// Len reports the current size of each buffer, for tests.
func (q *DualQueue) Len() (closedLen, openLen int) {
	closedLen = len(q.closed)
	q.openMu.Lock()
	openLen = len(q.open)
	q.openMu.Unlock()
	return
}
