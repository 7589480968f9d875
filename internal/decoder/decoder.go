// Package decoder defines the VenueDecoder contract (spec §6): the thin,
// per venue x contract family payload codec that the streaming engine
// drives. Reference implementations live in the binance and okx
// subpackages.
package decoder

import (
	"context"

	"github.com/candlegate/gateway/internal/quote"
)

// Socket is the subset of the engine's upstream connection a decoder
// needs: enough to send a subscribe frame or a keepalive reply. Decoders
// never read from the socket directly; the engine owns the receive
// loop.
type Socket interface {
	Write(ctx context.Context, data []byte) error
}

// ConnectArgs is what a decoder wants the engine to dial.
type ConnectArgs struct {
	URL     string
	Headers map[string]string
}

// Decoder is the per venue x contract family payload codec.
type Decoder interface {
	// BuildConnectArgs returns the dial target for the given symbol
	// batch.
	BuildConnectArgs(symbols []string) (ConnectArgs, error)
	// OnConnected sends whatever subscribe frame(s) the venue expects.
	// A SubscribeRejected-shaped error aborts the whole session; it is
	// never retried.
	OnConnected(ctx context.Context, sock Socket, symbols []string) error
	// ProcessFrame decodes one inbound frame into zero or more Quotes.
	// Ping frames, acks and unknown topics decode to zero quotes. Any
	// required keepalive reply is written to sock synchronously before
	// ProcessFrame returns.
	ProcessFrame(ctx context.Context, raw []byte, sock Socket) ([]quote.Quote, error)
	// Backfill returns a REST snapshot of the most recent candle per
	// symbol, used to close gaps after an idle timeout.
	Backfill(ctx context.Context, symbols []string) ([]quote.Quote, error)
}
