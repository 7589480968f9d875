// Package session implements the per-connection streaming engine (spec
// §4.1): connect -> subscribe -> receive -> idle-detect -> backfill ->
// reconnect, gated by a circuit breaker and passing survivors through a
// deduplicator into a shared dual-priority queue.
//
// The reconnect loop is grounded on the teacher's
// marketdata/stream/client.go maintainConnection, generalized from a
// single Alpaca-specific wire protocol to the venue-agnostic
// decoder.Decoder contract, and from the teacher's own retry counter to
// the spec's standalone breaker.Breaker.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/candlegate/gateway/internal/breaker"
	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/dedup"
	"github.com/candlegate/gateway/internal/metrics"
	"github.com/candlegate/gateway/internal/queue"
	"github.com/candlegate/gateway/internal/quote"
)

// State is one point in the per-session state machine.
type State int

const (
	Connecting State = iota
	Subscribing
	Streaming
	Idle
	Draining
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config carries the engine's timeouts; see spec §5 "Timeouts" and §6
// "Configuration surface".
type Config struct {
	InactivityTimeout time.Duration
	ReconnectDelay    time.Duration
	WSPingInterval    time.Duration
	WSPingTimeout     time.Duration
	DedupWindow       time.Duration
	DedupMaxEntries   int
	BreakerConfig     breaker.Config
}

// Engine drives one upstream session, scoped to one immutable symbol
// batch of one venue x contract family endpoint.
type Engine struct {
	endpoint quote.Endpoint
	symbols  []string
	dec      decoder.Decoder
	cfg      Config
	logger   zerolog.Logger

	breaker *breaker.Breaker
	dedup   *dedup.Deduper
	sink    *queue.DualQueue
	metrics *metrics.Registry

	// dialFunc defaults to dial; tests substitute a fake to avoid real
	// network I/O, mirroring the teacher's injectable connCreator
	// (marketdata/stream/options.go).
	dialFunc func(ctx context.Context, url string, headers map[string]string) (conn, error)

	state State
}

// New constructs an Engine that emits into sink. The router gives every
// Engine its own sink (one per sharedSubscription); engines serving
// different symbol batches of one subscription do not share a sink, and
// their outputs are merged only in the subscriber's mailbox. reg may be
// nil, in which case metrics are skipped (e.g. in unit tests).
func New(endpoint quote.Endpoint, symbols []string, dec decoder.Decoder, cfg Config, sink *queue.DualQueue, reg *metrics.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		endpoint: endpoint,
		symbols:  symbols,
		dec:      dec,
		cfg:      cfg,
		logger:   logger.With().Str("venue", endpoint.Venue).Str("contract", endpoint.ContractFamily).Logger(),
		breaker:  breaker.New(cfg.BreakerConfig),
		dedup:    dedup.New(cfg.DedupWindow, cfg.DedupMaxEntries),
		sink:     sink,
		metrics:  reg,
		dialFunc: dial,
		state:    Connecting,
	}
}

func (e *Engine) recordBreakerState() {
	if e.metrics == nil {
		return
	}
	e.metrics.BreakerState.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Set(float64(e.breaker.State()))
}

// Run drives the engine until ctx is cancelled or a *decoder.SubscribeRejectedError
// occurs, which is fatal and returned immediately. All other errors are
// retried under breaker control and never returned.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		allow, wait := e.breaker.Admit()
		e.recordBreakerState()
		if !allow {
			e.state = Failed
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		e.state = Connecting
		rejected, err := e.runOneConnection(ctx)
		if rejected != nil {
			e.state = Failed
			return rejected
		}
		switch {
		case err == nil:
			// Clean upstream close: reconnect without touching the
			// breaker's failure count.
		case errors.Is(err, errIdleReconnect):
			// Idle timeout + backfill: an expected reconnect, not a
			// failure.
		case ctx.Err() != nil:
			return nil
		default:
			e.logger.Warn().Err(err).Msg("session connection ended")
			e.breaker.OnFailure()
		}
		e.recordBreakerState()
		if e.metrics != nil {
			e.metrics.Reconnects.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
		}

		if e.cfg.ReconnectDelay > 0 {
			select {
			case <-time.After(e.cfg.ReconnectDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// runOneConnection runs exactly one connect/subscribe/receive cycle. A
// non-nil first return value is a terminal SubscribeRejectedError. A
// second return value of errIdleReconnect marks an idle-timeout
// reconnect; any other non-nil second value is a transient error the
// caller feeds to the breaker before retrying.
func (e *Engine) runOneConnection(ctx context.Context) (*decoder.SubscribeRejectedError, error) {
	args, err := e.dec.BuildConnectArgs(e.symbols)
	if err != nil {
		return nil, fmt.Errorf("build connect args: %w", err)
	}

	c, err := e.dialFunc(ctx, args.URL, args.Headers)
	if err != nil {
		return nil, &ConnectionError{Venue: e.endpoint.Venue, ContractFamily: e.endpoint.ContractFamily, Cause: err}
	}
	defer c.close()

	e.state = Subscribing
	sock := socketAdapter{c: c}
	var rej *decoder.SubscribeRejectedError
	if err := e.dec.OnConnected(ctx, sock, e.symbols); err != nil {
		if errors.As(err, &rej) {
			if e.metrics != nil {
				e.metrics.SubscribeRejects.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
			}
			return rej, nil
		}
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	// Reaching Streaming means the connect+subscribe probe succeeded:
	// close the breaker (or clear a HalfOpen probe) immediately, rather
	// than waiting for however long the session happens to stream.
	e.breaker.OnSuccess()

	e.state = Streaming
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go e.pingLoop(pingCtx, c)

	err = e.receiveLoop(ctx, c, sock)
	if errors.As(err, &rej) {
		// handleIdleTimeout surfaces a backfill rejection (e.g. a 429)
		// as a plain error; promote it to the same terminal path as an
		// OnConnected rejection so it reaches the client instead of
		// retrying under the breaker forever.
		if e.metrics != nil {
			e.metrics.SubscribeRejects.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
		}
		return rej, nil
	}
	return nil, err
}

func (e *Engine) pingLoop(ctx context.Context, c conn) {
	if e.cfg.WSPingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, e.cfg.WSPingTimeout)
			err := c.ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				e.logger.Debug().Err(err).Msg("upstream ping failed")
				return
			}
		}
	}
}

func (e *Engine) receiveLoop(ctx context.Context, c conn, sock socketAdapter) error {
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.InactivityTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, e.cfg.InactivityTimeout)
		}
		raw, err := c.readMessage(readCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if readCtx.Err() == context.DeadlineExceeded {
				return e.handleIdleTimeout(ctx, sock)
			}
			if isCleanClose(err) {
				return nil
			}
			return err
		}

		quotes, err := e.dec.ProcessFrame(ctx, raw, sock)
		if err != nil {
			return fmt.Errorf("process frame: %w", err)
		}
		if err := e.emit(ctx, quotes); err != nil {
			return err
		}
	}
}

func (e *Engine) handleIdleTimeout(ctx context.Context, sock decoder.Socket) error {
	e.state = Idle
	backfillCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	quotes, err := e.dec.Backfill(backfillCtx, e.symbols)
	if err != nil {
		var rej *decoder.SubscribeRejectedError
		if errors.As(err, &rej) {
			// Some decoders model a backfill failure as a
			// subscribe-rejection; propagate as fatal per §7.
			return err
		}
		e.logger.Warn().Err(err).Msg("backfill failed")
	} else if err := e.emit(ctx, quotes); err != nil {
		return err
	}

	e.state = Draining
	return errIdleReconnect
}

var errIdleReconnect = errors.New("idle timeout: reconnecting")

func (e *Engine) emit(ctx context.Context, quotes []quote.Quote) error {
	for _, q := range quotes {
		if e.dedup.IsDuplicate(q.Symbol, q.EventTime) {
			if e.metrics != nil {
				e.metrics.QuotesDeduped.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
			}
			continue
		}
		if q.IsFinal {
			_, blockedBefore := e.sink.Stats()
			if err := e.sink.PutClosed(ctx, q); err != nil {
				return err
			}
			if _, blockedAfter := e.sink.Stats(); blockedAfter > blockedBefore && e.metrics != nil {
				e.metrics.QueueBlocked.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
			}
		} else {
			e.sink.PutOpen(q)
		}
		if e.metrics != nil {
			e.metrics.QuotesEmitted.WithLabelValues(e.endpoint.Venue, e.endpoint.ContractFamily).Inc()
		}
	}
	return nil
}

