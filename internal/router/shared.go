package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/metrics"
	"github.com/candlegate/gateway/internal/queue"
	"github.com/candlegate/gateway/internal/quote"
	"github.com/candlegate/gateway/internal/session"
)

// sharedSubscription is one upstream Session wrapped for fan-out to
// however many local Subscriptions currently need its (venue, contract
// family, symbol batch) tuple. It owns the engine's lifetime: created on
// first subscriber, torn down when the last one detaches.
type sharedSubscription struct {
	key    subKey
	sink   *queue.DualQueue
	engine *session.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu          chan struct{} // binary mutex: see lock/unlock helpers
	subscribers map[uint64]*Subscription

	// onEmpty is invoked exactly once, after the last subscriber
	// detaches or the engine fails fatally, to remove this
	// sharedSubscription from the router's registry and release its
	// venue session slot. Set by Router.attach before start().
	onEmpty   func()
	closeOnce sync.Once

	metrics *metrics.Registry
	logger  zerolog.Logger
}

func newSharedSubscription(key subKey, endpoint quote.Endpoint, symbols []string, dec decoder.Decoder, cfg Config, reg *metrics.Registry, logger zerolog.Logger) *sharedSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sink := queue.New(cfg.ClosedQueueMax, cfg.OpenQueueMax)
	l := logger.With().Str("venue", key.venue).Str("contract", key.family).Logger()
	eng := session.New(endpoint, symbols, dec, cfg.EngineConfig, sink, reg, l)

	ss := &sharedSubscription{
		key:         key,
		sink:        sink,
		engine:      eng,
		ctx:         ctx,
		cancel:      cancel,
		mu:          make(chan struct{}, 1),
		subscribers: make(map[uint64]*Subscription),
		metrics:     reg,
		logger:      l,
	}
	return ss
}

func (ss *sharedSubscription) lock()   { ss.mu <- struct{}{} }
func (ss *sharedSubscription) unlock() { <-ss.mu }

// start launches the upstream engine and the fan-out pump. Called once,
// by Router.attach, right after registering ss in the router directory.
func (ss *sharedSubscription) start() {
	go ss.runEngine()
	go ss.pump()
}

func (ss *sharedSubscription) runEngine() {
	err := ss.engine.Run(ss.ctx)
	if err == nil {
		// ctx was cancelled by the last subscriber detaching; the pump
		// will exit on its own once the queue drains.
		return
	}

	// A *decoder.SubscribeRejectedError: terminal, never retried by the
	// engine. Every current subscriber sees it and is detached.
	ss.lock()
	subs := make([]*Subscription, 0, len(ss.subscribers))
	for _, sub := range ss.subscribers {
		subs = append(subs, sub)
	}
	ss.subscribers = make(map[uint64]*Subscription)
	ss.unlock()

	for _, sub := range subs {
		sub.fatal(ss, err)
	}
	ss.teardown()
}

func (ss *sharedSubscription) pump() {
	for {
		item, err := ss.sink.Get(ss.ctx)
		if err != nil {
			return
		}
		q, ok := item.(quote.Quote)
		if !ok {
			continue
		}
		ss.fanout(q)
	}
}

// fanout delivers q to every live subscriber, never blocking on a slow
// one: a full mailbox marks its owner overflowed and detaches it, per
// the router's fan-out discipline (spec §4.5).
func (ss *sharedSubscription) fanout(q quote.Quote) {
	ss.lock()
	overflowed := make([]*Subscription, 0)
	for id, sub := range ss.subscribers {
		if !sub.trySend(q) {
			overflowed = append(overflowed, sub)
			delete(ss.subscribers, id)
		}
	}
	empty := len(ss.subscribers) == 0
	ss.unlock()

	if ss.metrics != nil && len(overflowed) > 0 {
		ss.metrics.MailboxOverflowed.Add(float64(len(overflowed)))
	}
	for _, sub := range overflowed {
		sub.overflow(ss)
	}
	if empty {
		ss.teardown()
	}
}

func (ss *sharedSubscription) addSubscriber(sub *Subscription) {
	ss.lock()
	ss.subscribers[sub.id] = sub
	ss.unlock()
}

// removeSubscriber detaches sub. When it was the last subscriber, the
// upstream engine is cancelled and the registry entry released.
func (ss *sharedSubscription) removeSubscriber(id uint64) {
	ss.lock()
	if _, ok := ss.subscribers[id]; !ok {
		ss.unlock()
		return
	}
	delete(ss.subscribers, id)
	empty := len(ss.subscribers) == 0
	ss.unlock()

	if empty {
		ss.teardown()
	}
}

// teardown cancels the upstream engine and releases the router registry
// entry. Safe to call more than once (last-subscriber detach and a
// concurrent fatal engine error can both reach here); only the first
// call takes effect.
func (ss *sharedSubscription) teardown() {
	ss.closeOnce.Do(func() {
		ss.cancel()
		if ss.onEmpty != nil {
			ss.onEmpty()
		}
	})
}
