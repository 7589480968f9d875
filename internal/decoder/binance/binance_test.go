package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/quote"
)

func endpointFor(restURL string) quote.Endpoint {
	return quote.Endpoint{Venue: "binance", ContractFamily: "spot", RestURL: restURL}
}

type fakeSocket struct {
	writes [][]byte
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	s.writes = append(s.writes, data)
	return nil
}

func TestFactory_ResolveContract(t *testing.T) {
	f := &Factory{}

	fam, ok := f.ResolveContract("")
	require.True(t, ok)
	assert.Equal(t, "spot", fam)

	fam, ok = f.ResolveContract("spot")
	require.True(t, ok)
	assert.Equal(t, "spot", fam)

	_, ok = f.ResolveContract("futures")
	assert.False(t, ok)
}

func TestDecoder_OnConnectedSendsSubscribeFrame(t *testing.T) {
	dec := &Decoder{interval: "1m"}
	sock := &fakeSocket{}
	require.NoError(t, dec.OnConnected(context.Background(), sock, []string{"BTCUSDT", "ETHUSDT"}))
	require.Len(t, sock.writes, 1)
	assert.Contains(t, string(sock.writes[0]), `"btcusdt@kline_1m"`)
	assert.Contains(t, string(sock.writes[0]), `"SUBSCRIBE"`)
}

func TestDecoder_ProcessFrame_KlineEvent(t *testing.T) {
	dec := &Decoder{interval: "1m"}
	frame := []byte(`{"e":"kline","E":123456789,"s":"BTCUSDT","k":{"t":123456000,"T":123456999,"s":"BTCUSDT","i":"1m","o":"100.5","c":"101.5","h":"102.0","l":"99.5","v":"10.0","n":5,"x":true}}`)

	quotes, err := dec.ProcessFrame(context.Background(), frame, &fakeSocket{})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, "spot", q.ContractFamily)
	assert.Equal(t, 100.5, q.Open)
	assert.Equal(t, 101.5, q.Close)
	assert.True(t, q.IsFinal)
	assert.Equal(t, int64(123456000), q.EventTimeMillis())
}

func TestDecoder_ProcessFrame_IgnoresNonKlineEvents(t *testing.T) {
	dec := &Decoder{interval: "1m"}
	frame := []byte(`{"result":null,"id":1}`)

	quotes, err := dec.ProcessFrame(context.Background(), frame, &fakeSocket{})
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestDecoder_Backfill_RateLimitMapsToSubscribeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	dec := &Decoder{
		endpoint:   endpointFor(server.URL),
		interval:   "1m",
		httpClient: server.Client(),
	}

	_, err := dec.Backfill(context.Background(), []string{"BTCUSDT"})
	require.Error(t, err)
	var rej *decoder.SubscribeRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, decoder.RejectRateLimited, rej.Code)
}

func TestDecoder_Backfill_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1600000000000,"100.0","105.0","99.0","102.0","50.0",1600000059999,"0","0","0","0","0"]]`))
	}))
	defer server.Close()

	dec := &Decoder{
		endpoint:   endpointFor(server.URL),
		interval:   "1m",
		httpClient: server.Client(),
	}

	quotes, err := dec.Backfill(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 102.0, quotes[0].Close)
	assert.True(t, quotes[0].IsFinal)
}
