// Package endpoint implements the local subscription endpoint (spec
// §4.6): one WebSocket connection per client, exactly one inbound
// subscribe envelope, then a push-only stream of candle events
// translated from the router's merged Subscription.
//
// The raw net.Listener + gobwas/ws upgrade + wsutil frame read/write
// loop is grounded on the pack's
// adred-codev-ws_poc/go-server-3/internal/transport/server.go, adapted
// from a broadcast chat hub to a per-connection subscribe-then-stream
// protocol.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/candlegate/gateway/internal/router"
)

// Config carries the endpoint's listen address and the timeouts from
// spec §5 ("Timeouts") that are this layer's responsibility.
type Config struct {
	Host              string
	Port              int
	SubscribeTimeout  time.Duration
	StreamIdleTimeout time.Duration
	DefaultInterval   string
}

// Server accepts local subscriber connections and drives each one
// through Router.Subscribe.
type Server struct {
	cfg    Config
	router *router.Router
	logger zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg Config, r *router.Router, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, router: r, logger: logger}
}

// Start begins accepting connections in the background. It returns once
// the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", addr).Msg("subscription endpoint listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and waits for every in-flight connection
// handler to return.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if _, err := ws.Upgrade(conn); err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	env, err := s.readEnvelope(conn)
	if err != nil {
		s.writeError(conn, errorEvent{Code: CodeWSProtocolError, Message: err.Error()})
		return
	}

	if env.Exchange == "" || len(env.Symbols) == 0 {
		s.writeError(conn, errorEvent{
			Code:     CodeWSSubscribeRejected,
			Message:  "exchange and at least one symbol are required",
			Exchange: env.Exchange,
		})
		return
	}

	sub, err := s.router.Subscribe(env.Exchange, env.contractType(), env.Symbols)
	if err != nil {
		code, msg := classify(err)
		s.writeError(conn, errorEvent{
			Code: code, Message: msg,
			Exchange: env.Exchange, ContractType: env.contractType(), Symbols: env.Symbols,
		})
		return
	}
	defer sub.Close()

	ack := ackEvent{
		Type: "subscribed", Exchange: env.Exchange, ContractType: env.contractType(),
		Symbols: env.Symbols, Limit: env.limit(),
	}
	if err := s.writeJSON(conn, ack); err != nil {
		return
	}

	s.streamLoop(ctx, conn, sub, env)
}
