package router

import (
	"sync"

	"github.com/candlegate/gateway/internal/quote"
)

// Subscription is a local client's merged view over every
// sharedSubscription its batched symbol list required. One single
// producer-side send path guarded by mu; events is single-consumer.
type Subscription struct {
	id     uint64
	events chan quote.Quote

	mu      sync.Mutex
	shared  []*sharedSubscription
	done    bool
	lastErr error
}

func newSubscription(id uint64, mailboxSize int) *Subscription {
	return &Subscription{
		id:     id,
		events: make(chan quote.Quote, mailboxSize),
	}
}

// Events is the merged quote stream. It is closed when the Subscription
// ends, whether by explicit Close, mailbox overflow, or a fatal upstream
// error; Err reports which.
func (s *Subscription) Events() <-chan quote.Quote {
	return s.events
}

// Err reports why Events closed. Nil means the caller closed it
// themselves via Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close detaches this subscriber from every SharedSubscription it is
// attached to and closes Events. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	shared := s.shared
	close(s.events)
	s.mu.Unlock()

	for _, ss := range shared {
		ss.removeSubscriber(s.id)
	}
}

// trySend delivers q non-blockingly. It reports false if the mailbox was
// full, which the caller (sharedSubscription.fanout) treats as an
// overflow.
func (s *Subscription) trySend(q quote.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.events <- q:
		return true
	default:
		return false
	}
}

// overflow ends the subscription with ErrBackpressure and detaches it
// from every sharedSubscription other than from, which already removed
// it.
func (s *Subscription) overflow(from *sharedSubscription) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.lastErr = ErrBackpressure
	shared := s.shared
	close(s.events)
	s.mu.Unlock()

	for _, ss := range shared {
		if ss != from {
			ss.removeSubscriber(s.id)
		}
	}
}

// fatal ends the subscription with a terminal upstream error (typically
// a *decoder.SubscribeRejectedError) and detaches it from every
// sharedSubscription other than from.
func (s *Subscription) fatal(from *sharedSubscription, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.lastErr = err
	shared := s.shared
	close(s.events)
	s.mu.Unlock()

	for _, ss := range shared {
		if ss != from {
			ss.removeSubscriber(s.id)
		}
	}
}
