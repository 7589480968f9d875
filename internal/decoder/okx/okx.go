// Package okx is a reference VenueDecoder for OKX's public candlestick
// WebSocket channel and REST candles endpoint, across three contract
// families: spot, USDT-margined perpetual swap, and coin-margined
// perpetual swap.
//
// OKX's own wire payload reports instType case-normalized to "SWAP" for
// both margin flavors, collapsing a router-level distinction the rest of
// this gateway depends on (spec §9 open question: "router lookups must
// use the router-level contract family, not the decoder's echoed
// value"). ResolveContract is therefore the only place that
// distinguishes swap_usdt from swap_coinm; Quote.ContractFamily below
// carries the coarser wire value for logging only and is never used for
// routing.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/quote"
)

// Factory builds Decoders for OKX's three contract families.
type Factory struct {
	WSHost               string // e.g. "ws.okx.com:8443"
	RESTHost             string // e.g. "https://www.okx.com"
	Interval             string // e.g. "1m", translated to OKX's own token
	MaxSymbolsPerSession int
	HTTPClient           *http.Client
	Limiter              *rate.Limiter
}

// router-level contract families; distinct keys even though OKX's own
// wire instType only distinguishes "SPOT" vs "SWAP".
const (
	FamilySpot      = "spot"
	FamilySwapUSDT  = "swap_usdt"
	FamilySwapCoinM = "swap_coinm"
)

func (f *Factory) ResolveContract(contractType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(contractType)) {
	case "", "spot":
		return FamilySpot, true
	case "swap_usdt", "linear_swap", "usdt_swap":
		return FamilySwapUSDT, true
	case "swap_coinm", "inverse_swap", "coinm_swap":
		return FamilySwapCoinM, true
	default:
		return "", false
	}
}

func (f *Factory) NewDecoder(family string, symbols []string) (decoder.Decoder, quote.Endpoint, error) {
	channel, err := candleChannel(f.Interval)
	if err != nil {
		return nil, quote.Endpoint{}, err
	}

	ep := quote.Endpoint{
		Venue:                "okx",
		ContractFamily:       family,
		StreamURL:            "wss://" + f.WSHost + "/ws/v5/business",
		RestURL:              f.RESTHost,
		DefaultInterval:      f.Interval,
		MaxSymbolsPerSession: f.MaxSymbolsPerSession,
	}
	dec := &Decoder{
		endpoint:   ep,
		family:     family,
		channel:    channel,
		httpClient: f.HTTPClient,
		limiter:    f.Limiter,
	}
	return dec, ep, nil
}

// candleChannel translates a gateway interval label to OKX's own
// candle-channel token. Only the intervals the gateway actually offers
// by default need a mapping.
func candleChannel(interval string) (string, error) {
	switch interval {
	case "1m":
		return "candle1m", nil
	case "5m":
		return "candle5m", nil
	case "15m":
		return "candle15m", nil
	case "1H", "1h":
		return "candle1H", nil
	default:
		return "", fmt.Errorf("okx: unsupported interval %q", interval)
	}
}

// Decoder is the per-session codec; one is constructed per symbol
// batch within one contract family.
type Decoder struct {
	endpoint   quote.Endpoint
	family     string
	channel    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func (d *Decoder) BuildConnectArgs(symbols []string) (decoder.ConnectArgs, error) {
	return decoder.ConnectArgs{URL: d.endpoint.StreamURL}, nil
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeResponse struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

func (d *Decoder) OnConnected(ctx context.Context, sock decoder.Socket, symbols []string) error {
	args := make([]subscribeArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, subscribeArg{Channel: d.channel, InstID: s})
	}
	req := subscribeRequest{Op: "subscribe", Args: args}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	return sock.Write(ctx, data)
}

type candleFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data [][]string `json:"data"`
}

// ProcessFrame decodes one business-channel frame. OKX's keepalive is a
// bare "ping" text frame requiring a bare "pong" text reply, handled
// synchronously here rather than at the transport level because OKX
// does not use WebSocket control frames for it.
func (d *Decoder) ProcessFrame(ctx context.Context, raw []byte, sock decoder.Socket) ([]quote.Quote, error) {
	if string(raw) == "ping" {
		return nil, sock.Write(ctx, []byte("pong"))
	}

	var resp subscribeResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Event != "" {
		if resp.Event == "error" {
			return nil, decoder.NewSubscribeRejected("okx", d.family, resp.Msg)
		}
		return nil, nil
	}

	var frame candleFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Arg.Channel != d.channel || len(frame.Data) == 0 {
		return nil, nil
	}

	quotes := make([]quote.Quote, 0, len(frame.Data))
	for _, row := range frame.Data {
		q, err := candleRowToQuote(frame.Arg.InstID, d.family, row)
		if err != nil {
			return nil, fmt.Errorf("decode candle row: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// candleRowToQuote parses one OKX candle row:
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func candleRowToQuote(instID, family string, row []string) (quote.Quote, error) {
	if len(row) < 9 {
		return quote.Quote{}, fmt.Errorf("short candle row: %d fields", len(row))
	}
	tsMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse ts: %w", err)
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("parse volume: %w", err)
	}
	confirm := row[8] == "1"

	return quote.Quote{
		Venue:          "okx",
		Symbol:         instID,
		ContractFamily: wireContractFamily(family),
		EventTime:      decoder.MillisToTime(tsMs),
		Open:           open,
		High:           high,
		Low:            low,
		Close:          closePrice,
		Volume:         volume,
		IsFinal:        confirm,
	}, nil
}

// wireContractFamily is what OKX itself would call this family if asked
// (its own instType), distinct from the router-level family string that
// disambiguates swap_usdt from swap_coinm. Never fed back into routing.
func wireContractFamily(routerFamily string) string {
	if routerFamily == FamilySpot {
		return "spot"
	}
	return "swap"
}

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

type restCandlesResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

func (d *Decoder) backfillOne(ctx context.Context, symbol string) (quote.Quote, error) {
	bar := strings.TrimPrefix(d.channel, "candle")
	u := fmt.Sprintf("%s/api/v5/market/candles?instId=%s&bar=%s&limit=1",
		strings.TrimRight(d.endpoint.RestURL, "/"), url.QueryEscape(symbol), url.QueryEscape(bar))

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
		return quote.Quote{}, decoder.NewSubscribeRejected("okx", d.family, "rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return quote.Quote{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body restCandlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return quote.Quote{}, fmt.Errorf("decode candles response: %w", err)
	}
	if body.Code != "0" {
		return quote.Quote{}, decoder.NewSubscribeRejected("okx", d.family, body.Msg)
	}
	if len(body.Data) == 0 {
		return quote.Quote{}, fmt.Errorf("empty candles response")
	}
	return candleRowToQuote(symbol, d.family, body.Data[0])
}
