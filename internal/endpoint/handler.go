package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/candlegate/gateway/internal/quote"
	"github.com/candlegate/gateway/internal/router"
)

func (s *Server) readEnvelope(conn net.Conn) (subscribeEnvelope, error) {
	if s.cfg.SubscribeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SubscribeTimeout))
	}
	msg, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return subscribeEnvelope{}, fmt.Errorf("read subscribe envelope: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env subscribeEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return subscribeEnvelope{}, fmt.Errorf("decode subscribe envelope: %w", err)
	}
	return env, nil
}

// streamLoop pushes candle events until the subscription ends, the
// client disconnects, streamIdleTimeout elapses with no delivery, or
// limit (if set) is reached.
func (s *Server) streamLoop(ctx context.Context, conn net.Conn, sub *router.Subscription, env subscribeEnvelope) {
	disconnected := s.watchForDisconnect(conn)

	limit := env.limit()
	delivered := 0

	var timeoutC <-chan time.Time
	var timer *time.Timer
	if s.cfg.StreamIdleTimeout > 0 {
		timer = time.NewTimer(s.cfg.StreamIdleTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-disconnected:
			return

		case <-timeoutC:
			s.writeError(conn, errorEvent{
				Code: CodeWSStreamTimeout, Message: "no quotes delivered within streamIdleTimeout",
				Exchange: env.Exchange, ContractType: env.contractType(), Symbols: env.Symbols,
			})
			return

		case q, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					code, msg := classify(err)
					s.writeError(conn, errorEvent{
						Code: code, Message: msg,
						Exchange: env.Exchange, ContractType: env.contractType(), Symbols: env.Symbols,
					})
				}
				return
			}

			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.cfg.StreamIdleTimeout)
			}

			if err := s.writeJSON(conn, toWireCandleEvent(q, s.cfg.DefaultInterval)); err != nil {
				return
			}

			delivered++
			if limit > 0 && delivered >= limit {
				return
			}
		}
	}
}

// watchForDisconnect runs a background reader that only exists to
// notice the client going away (close frame or read error); the
// subscribe-then-stream protocol never expects another inbound message.
func (s *Server) watchForDisconnect(conn net.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, op, err := wsutil.ReadClientData(conn)
			if err != nil || op == ws.OpClose {
				return
			}
		}
	}()
	return done
}

func (s *Server) writeJSON(conn net.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return wsutil.WriteServerMessage(conn, ws.OpText, data)
}

func (s *Server) writeError(conn net.Conn, ev errorEvent) {
	ev.Type = "error"
	_ = s.writeJSON(conn, ev)
}

func toWireCandleEvent(q quote.Quote, defaultInterval string) candleEvent {
	openMs := q.EventTimeMillis()
	return candleEvent{
		Event:     "candle",
		EventTime: time.Now().UnixMilli(),
		Symbol:    q.Symbol,
		Candle: candleData{
			OpenMs:   openMs,
			CloseMs:  openMs,
			Symbol:   q.Symbol,
			Interval: defaultInterval,
			Open:     q.Open,
			Close:    q.Close,
			High:     q.High,
			Low:      q.Low,
			Volume:   q.Volume,
			IsFinal:  q.IsFinal,
		},
	}
}
