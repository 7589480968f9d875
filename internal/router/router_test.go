package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlegate/gateway/internal/breaker"
	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/quote"
	"github.com/candlegate/gateway/internal/session"
)

var breakerConfigForTests = breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}

// fakeVenueFactory builds *fakeVenueDecoder instances for whichever
// contract families it was constructed with; "" resolves to "spot".
type fakeVenueFactory struct {
	families map[string]bool
}

func newFakeVenueFactory(families ...string) *fakeVenueFactory {
	m := make(map[string]bool, len(families))
	for _, f := range families {
		m[f] = true
	}
	return &fakeVenueFactory{families: m}
}

func (f *fakeVenueFactory) ResolveContract(contractType string) (string, bool) {
	if contractType == "" {
		contractType = "spot"
	}
	ok := f.families[contractType]
	return contractType, ok
}

func (f *fakeVenueFactory) NewDecoder(family string, symbols []string) (decoder.Decoder, quote.Endpoint, error) {
	ep := quote.Endpoint{Venue: "fakevenue", ContractFamily: family}
	return &fakeVenueDecoder{family: family}, ep, nil
}

// fakeVenueDecoder's BuildConnectArgs points at a host that does not
// exist, so the engine's real dial fails and it retries under the
// breaker; router tests only exercise registry and fan-out behavior, not
// wire decoding. OnConnected returns rejectOnce when it is set, and
// ProcessFrame decodes a JSON-encoded quote.Quote.
type fakeVenueDecoder struct {
	family     string
	rejectOnce *decoder.SubscribeRejectedError
}

func (d *fakeVenueDecoder) BuildConnectArgs(symbols []string) (decoder.ConnectArgs, error) {
	return decoder.ConnectArgs{URL: "wss://fakevenue/" + d.family}, nil
}

func (d *fakeVenueDecoder) OnConnected(ctx context.Context, sock decoder.Socket, symbols []string) error {
	if d.rejectOnce != nil {
		return d.rejectOnce
	}
	return nil
}

func (d *fakeVenueDecoder) ProcessFrame(ctx context.Context, raw []byte, sock decoder.Socket) ([]quote.Quote, error) {
	var q quote.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return []quote.Quote{q}, nil
}

func (d *fakeVenueDecoder) Backfill(ctx context.Context, symbols []string) ([]quote.Quote, error) {
	return nil, nil
}

func testRouter(cfg Config) *Router {
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 4
	}
	if cfg.ClosedQueueMax == 0 {
		cfg.ClosedQueueMax = 10
	}
	if cfg.MaxConnectionsPerVenue == 0 {
		cfg.MaxConnectionsPerVenue = 2
	}
	// A tight failure threshold and long recovery timeout keep the
	// background engine (which dials a host that doesn't exist) from
	// hammering retries while these router-level tests run; none of
	// them depend on the engine actually reaching Streaming.
	cfg.EngineConfig = session.Config{
		ReconnectDelay: 50 * time.Millisecond,
		BreakerConfig:  breakerConfigForTests,
	}
	return New(cfg, nil, zerolog.Nop())
}

func TestRouter_UnknownVenueIsUnsupported(t *testing.T) {
	r := testRouter(Config{})
	_, err := r.Subscribe("nosuchvenue", "spot", []string{"X"})
	assert.ErrorIs(t, err, ErrUnsupportedContract)
}

func TestRouter_UnknownContractTypeIsUnsupported(t *testing.T) {
	r := testRouter(Config{})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))
	_, err := r.Subscribe("fakevenue", "futures", []string{"X"})
	assert.ErrorIs(t, err, ErrUnsupportedContract)
}

func TestRouter_EmptySymbolListIsInvalid(t *testing.T) {
	r := testRouter(Config{})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))
	_, err := r.Subscribe("fakevenue", "spot", []string{"  ", ""})
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestRouter_SameBatchSharesOneSession(t *testing.T) {
	r := testRouter(Config{})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))

	sub1, err := r.Subscribe("fakevenue", "spot", []string{"BTC", "ETH"})
	require.NoError(t, err)
	defer sub1.Close()

	sub2, err := r.Subscribe("fakevenue", "spot", []string{"ETH", "BTC"})
	require.NoError(t, err)
	defer sub2.Close()

	assert.Equal(t, 1, r.VenueSessionCount("fakevenue"), "identical normalized symbol sets should share one upstream session")
}

func TestRouter_DistinctBatchesGetDistinctSessions(t *testing.T) {
	r := testRouter(Config{})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))

	sub1, err := r.Subscribe("fakevenue", "spot", []string{"BTC"})
	require.NoError(t, err)
	defer sub1.Close()

	sub2, err := r.Subscribe("fakevenue", "spot", []string{"ETH"})
	require.NoError(t, err)
	defer sub2.Close()

	assert.Equal(t, 2, r.VenueSessionCount("fakevenue"))
}

func TestRouter_VenueConnectionCapIsEnforced(t *testing.T) {
	r := testRouter(Config{MaxConnectionsPerVenue: 1})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))

	sub1, err := r.Subscribe("fakevenue", "spot", []string{"BTC"})
	require.NoError(t, err)
	defer sub1.Close()

	_, err = r.Subscribe("fakevenue", "spot", []string{"ETH"})
	assert.ErrorIs(t, err, ErrPoolBusy)
}

func TestRouter_CloseDetachesSubscriber(t *testing.T) {
	r := testRouter(Config{})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))

	sub, err := r.Subscribe("fakevenue", "spot", []string{"BTC"})
	require.NoError(t, err)

	sub.Close()

	assert.Eventually(t, func() bool {
		return r.VenueSessionCount("fakevenue") == 0
	}, time.Second, 10*time.Millisecond, "last subscriber detaching should tear down the shared session")

	_, ok := <-sub.Events()
	assert.False(t, ok, "Events channel should be closed after Close")
}

func TestRouter_MailboxOverflowDetachesSubscriberWithBackpressureError(t *testing.T) {
	r := testRouter(Config{MailboxSize: 1})
	r.RegisterVenue("fakevenue", newFakeVenueFactory("spot"))

	sub, err := r.Subscribe("fakevenue", "spot", []string{"BTC"})
	require.NoError(t, err)
	defer sub.Close()

	r.mu.Lock()
	var ss *sharedSubscription
	for _, v := range r.subs {
		ss = v
	}
	r.mu.Unlock()
	require.NotNil(t, ss)

	for i := 0; i < 10; i++ {
		ss.fanout(quote.Quote{Symbol: "BTC"})
	}

	assert.Eventually(t, func() bool {
		return sub.Err() == ErrBackpressure
	}, time.Second, 10*time.Millisecond)
}
