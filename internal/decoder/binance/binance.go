// Package binance is a reference VenueDecoder for Binance's combined
// kline WebSocket stream and REST klines endpoint: spot contracts only.
//
// The SUBSCRIBE/UNSUBSCRIBE request envelope and the
// stream-multiplexing-by-raw-frame-shape style are grounded on the
// retrieval pack's other_examples Binance clients (the
// gorilla/websocket-based combined-streams client and the kline
// manager), re-expressed against the decoder.Decoder contract instead of
// a bespoke pub/sub client.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/quote"
)

// Factory builds Decoders for the "spot" contract family, the only one
// Binance's public kline stream exposes.
type Factory struct {
	WSHost               string // e.g. "stream.binance.com:9443"
	RESTHost             string // e.g. "https://api.binance.com"
	Interval             string // e.g. "1m"
	MaxSymbolsPerSession int
	HTTPClient           *http.Client
	Limiter              *rate.Limiter
}

func (f *Factory) ResolveContract(contractType string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(contractType))
	if c == "" {
		c = "spot"
	}
	if c != "spot" {
		return "", false
	}
	return "spot", true
}

func (f *Factory) NewDecoder(family string, symbols []string) (decoder.Decoder, quote.Endpoint, error) {
	ep := quote.Endpoint{
		Venue:                "binance",
		ContractFamily:       family,
		StreamURL:            "wss://" + f.WSHost + "/stream",
		RestURL:              f.RESTHost,
		DefaultInterval:      f.Interval,
		MaxSymbolsPerSession: f.MaxSymbolsPerSession,
	}
	dec := &Decoder{
		endpoint:   ep,
		interval:   f.Interval,
		httpClient: f.HTTPClient,
		limiter:    f.Limiter,
	}
	return dec, ep, nil
}

// Decoder is the per-session codec; one is constructed per symbol
// batch.
type Decoder struct {
	endpoint   quote.Endpoint
	interval   string
	httpClient *http.Client
	limiter    *rate.Limiter

	subID int64
}

func (d *Decoder) BuildConnectArgs(symbols []string) (decoder.ConnectArgs, error) {
	return decoder.ConnectArgs{URL: d.endpoint.StreamURL}, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (d *Decoder) OnConnected(ctx context.Context, sock decoder.Socket, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@kline_"+d.interval)
	}
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     atomic.AddInt64(&d.subID, 1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	return sock.Write(ctx, data)
}

type klineFrame struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	OpenTime   int64  `json:"t"`
	CloseTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	Interval   string `json:"i"`
	Open       string `json:"o"`
	Close      string `json:"c"`
	High       string `json:"h"`
	Low        string `json:"l"`
	Volume     string `json:"v"`
	TradeCount uint64 `json:"n"`
	IsFinal    bool   `json:"x"`
}

// ProcessFrame decodes one combined-stream frame. Subscribe acks
// (`{"result":null,"id":N}`) and anything that isn't a kline event
// decode to zero quotes; ping/pong are handled transparently by the
// WebSocket transport and never reach here.
func (d *Decoder) ProcessFrame(ctx context.Context, raw []byte, sock decoder.Socket) ([]quote.Quote, error) {
	var frame klineFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event != "kline" {
		return nil, nil
	}

	q, err := klineToQuote(frame.Kline)
	if err != nil {
		return nil, fmt.Errorf("decode kline payload: %w", err)
	}
	return []quote.Quote{q}, nil
}

func klineToQuote(k klineData) (quote.Quote, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse volume: %w", err)
	}

	return quote.Quote{
		Venue:          "binance",
		Symbol:         k.Symbol,
		ContractFamily: "spot",
		EventTime:      decoder.MillisToTime(k.OpenTime),
		Open:           open,
		High:           high,
		Low:            low,
		Close:          closePrice,
		Volume:         volume,
		TradeCount:     k.TradeCount,
		IsFinal:        k.IsFinal,
	}, nil
}

// restKline is one element of the /api/v3/klines array response:
// [openTime, open, high, low, close, volume, closeTime, ...].
type restKline [12]interface{}

func (d *Decoder) Backfill(ctx context.Context, symbols []string) ([]quote.Quote, error) {
	out := make([]quote.Quote, 0, len(symbols))
	for _, sym := range symbols {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return out, err
			}
		}
		q, err := d.backfillOne(ctx, sym)
		if err != nil {
			return out, fmt.Errorf("backfill %s: %w", sym, err)
		}
		out = append(out, q)
	}
	return out, nil
}

func (d *Decoder) backfillOne(ctx context.Context, symbol string) (quote.Quote, error) {
	u := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=1",
		strings.TrimRight(d.endpoint.RestURL, "/"), url.QueryEscape(symbol), url.QueryEscape(d.interval))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return quote.Quote{}, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return quote.Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return quote.Quote{}, decoder.NewSubscribeRejected("binance", "spot", "rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return quote.Quote{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rows []restKline
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return quote.Quote{}, fmt.Errorf("decode klines response: %w", err)
	}
	if len(rows) == 0 {
		return quote.Quote{}, fmt.Errorf("empty klines response")
	}
	return restRowToQuote(symbol, rows[0])
}

func restRowToQuote(symbol string, row restKline) (quote.Quote, error) {
	openTime, ok := row[0].(float64)
	if !ok {
		return quote.Quote{}, fmt.Errorf("malformed open time")
	}
	open, err := parseAny(row[1])
	if err != nil {
		return quote.Quote{}, err
	}
	high, err := parseAny(row[2])
	if err != nil {
		return quote.Quote{}, err
	}
	low, err := parseAny(row[3])
	if err != nil {
		return quote.Quote{}, err
	}
	closePrice, err := parseAny(row[4])
	if err != nil {
		return quote.Quote{}, err
	}
	volume, err := parseAny(row[5])
	if err != nil {
		return quote.Quote{}, err
	}

	return quote.Quote{
		Venue:          "binance",
		Symbol:         symbol,
		ContractFamily: "spot",
		EventTime:      decoder.MillisToTime(int64(openTime)),
		Open:           open,
		High:           high,
		Low:            low,
		Close:          closePrice,
		Volume:         volume,
		IsFinal:        true,
	}, nil
}

func parseAny(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
