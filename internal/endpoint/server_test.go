package endpoint

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/candlegate/gateway/internal/breaker"
	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/quote"
	"github.com/candlegate/gateway/internal/router"
	"github.com/candlegate/gateway/internal/session"
)

// fakeFactory resolves "spot" only and its decoder never completes a
// real handshake; these tests only exercise envelope validation and
// acking, not streamed quotes.
type fakeFactory struct{}

func (fakeFactory) ResolveContract(contractType string) (string, bool) {
	if contractType == "" || contractType == "spot" {
		return "spot", true
	}
	return "", false
}

func (fakeFactory) NewDecoder(family string, symbols []string) (decoder.Decoder, quote.Endpoint, error) {
	return &fakeDecoder{}, quote.Endpoint{Venue: "fakevenue", ContractFamily: family}, nil
}

type fakeDecoder struct{}

func (fakeDecoder) BuildConnectArgs(symbols []string) (decoder.ConnectArgs, error) {
	return decoder.ConnectArgs{URL: "wss://fakevenue.invalid/stream"}, nil
}
func (fakeDecoder) OnConnected(ctx context.Context, sock decoder.Socket, symbols []string) error {
	return nil
}
func (fakeDecoder) ProcessFrame(ctx context.Context, raw []byte, sock decoder.Socket) ([]quote.Quote, error) {
	return nil, nil
}
func (fakeDecoder) Backfill(ctx context.Context, symbols []string) ([]quote.Quote, error) {
	return nil, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	rt := router.New(router.Config{
		MaxSymbolsPerSession:   50,
		MaxConnectionsPerVenue: 5,
		ClosedQueueMax:         10,
		MailboxSize:            4,
		EngineConfig: session.Config{
			ReconnectDelay: time.Hour,
			BreakerConfig:  breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour},
		},
	}, nil, zerolog.Nop())
	rt.RegisterVenue("fakevenue", fakeFactory{})

	return NewServer(Config{
		SubscribeTimeout:  time.Second,
		StreamIdleTimeout: 50 * time.Millisecond,
		DefaultInterval:   "1m",
	}, rt, zerolog.Nop())
}

// clientUpgrade performs the client side of the WebSocket handshake
// directly over an already-connected net.Conn (net.Pipe has no network
// address for a real dial), grounded on gobwas/ws's Dialer.Upgrade,
// which accepts a pre-connected conn for exactly this purpose.
func clientUpgrade(t *testing.T, conn net.Conn) {
	t.Helper()
	u, err := url.Parse("ws://test/")
	require.NoError(t, err)
	_, _, err = (ws.Dialer{}).Upgrade(conn, u)
	require.NoError(t, err)
}

func readClientEvent(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	msg, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, v))
}

func TestHandleConn_RejectsMissingSymbols(t *testing.T) {
	s := testServer(t)
	client, serverConn := net.Pipe()
	defer client.Close()

	go s.handleConn(context.Background(), serverConn)
	clientUpgrade(t, client)

	envelope := map[string]interface{}{"exchange": "fakevenue"}
	data, _ := json.Marshal(envelope)
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, data))

	var ev errorEvent
	readClientEvent(t, client, &ev)
	require.Equal(t, "error", ev.Type)
	require.Equal(t, CodeWSSubscribeRejected, ev.Code)
}

func TestHandleConn_RejectsUnsupportedExchange(t *testing.T) {
	s := testServer(t)
	client, serverConn := net.Pipe()
	defer client.Close()

	go s.handleConn(context.Background(), serverConn)
	clientUpgrade(t, client)

	envelope := map[string]interface{}{"exchange": "notregistered", "symbols": []string{"X"}}
	data, _ := json.Marshal(envelope)
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, data))

	var ev errorEvent
	readClientEvent(t, client, &ev)
	require.Equal(t, "error", ev.Type)
	require.Equal(t, CodeUnsupportedContract, ev.Code)
}

func TestHandleConn_AcksValidSubscribe(t *testing.T) {
	s := testServer(t)
	client, serverConn := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.handleConn(ctx, serverConn)
	clientUpgrade(t, client)

	envelope := map[string]interface{}{"exchange": "fakevenue", "symbols": []string{"BTC"}}
	data, _ := json.Marshal(envelope)
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, data))

	var ack ackEvent
	readClientEvent(t, client, &ack)
	require.Equal(t, "subscribed", ack.Type)
	require.Equal(t, "fakevenue", ack.Exchange)
	require.Equal(t, []string{"BTC"}, ack.Symbols)
}

func TestHandleConn_StreamIdleTimeoutEmitsErrorEvent(t *testing.T) {
	s := testServer(t)
	client, serverConn := net.Pipe()
	defer client.Close()

	go s.handleConn(context.Background(), serverConn)
	clientUpgrade(t, client)

	envelope := map[string]interface{}{"exchange": "fakevenue", "symbols": []string{"BTC"}}
	data, _ := json.Marshal(envelope)
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, data))

	var ack ackEvent
	readClientEvent(t, client, &ack)

	var ev errorEvent
	readClientEvent(t, client, &ev)
	require.Equal(t, CodeWSStreamTimeout, ev.Code)
}
