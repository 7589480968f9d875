// Package router implements the subscription router and fan-out
// component: it resolves a client subscribe request into one or more
// shared upstream sessions, keyed by (venue, contract family, exact
// symbol batch), and attaches a bounded mailbox per local subscriber.
//
// The non-blocking broadcast-to-many-receivers discipline and the
// registry-guarded-by-one-short-held-lock pattern are grounded on the
// pack's adred-codev-ws_poc: src/sharded/router.go (channel→shard
// mapping, select/default broadcast, shard registry) and
// go-server-3/internal/session/hub.go (per-hub client map with the same
// broadcast-or-drop contract), generalized from a pub/sub fan-out of
// raw bytes to a dedup'd Quote fan-out keyed by upstream session rather
// than by chat room.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/metrics"
	"github.com/candlegate/gateway/internal/quote"
	"github.com/candlegate/gateway/internal/session"
)

// Config carries the router's pooling limits and the per-session engine
// defaults every SharedSubscription is built with.
type Config struct {
	MaxSymbolsPerSession   int
	MaxConnectionsPerVenue int
	ClosedQueueMax         int
	OpenQueueMax           int
	MailboxSize            int
	EngineConfig           session.Config
}

// VenueFactory resolves contract-family aliases and builds decoders for
// one venue. Implementations live alongside each venue's decoder
// package; see internal/decoder/binance and internal/decoder/okx.
type VenueFactory interface {
	// ResolveContract maps a client-supplied (possibly empty or
	// venue-specific) contract type string to the venue's canonical
	// contract family. ok is false for an unrecognized family.
	ResolveContract(contractType string) (family string, ok bool)
	// NewDecoder builds the Decoder and resolves the upstream Endpoint
	// for one symbol batch of the given, already-resolved contract
	// family.
	NewDecoder(family string, symbols []string) (decoder.Decoder, quote.Endpoint, error)
}

type subKey struct {
	venue  string
	family string
	batch  string
}

// Router is the process-wide subscription router. One Router is shared
// across every local subscriber connection.
type Router struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu         sync.Mutex
	venues     map[string]VenueFactory
	subs       map[subKey]*sharedSubscription
	venueCount map[string]int

	nextID uint64
}

// New constructs a Router. Venues are registered afterward with
// RegisterVenue. reg may be nil, in which case metrics are skipped.
func New(cfg Config, reg *metrics.Registry, logger zerolog.Logger) *Router {
	return &Router{
		cfg:        cfg,
		logger:     logger,
		metrics:    reg,
		venues:     make(map[string]VenueFactory),
		subs:       make(map[subKey]*sharedSubscription),
		venueCount: make(map[string]int),
	}
}

// RegisterVenue wires a venue's decoder factory into the router. Called
// once per venue at process start.
func (r *Router) RegisterVenue(venue string, vf VenueFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[venue] = vf
}

// Subscribe resolves (venue, contractType, symbols) into a client-facing
// Subscription: a merged iterator over every SharedSubscription the
// batched symbol list requires, per spec §4.5.
func (r *Router) Subscribe(venue, contractType string, symbols []string) (*Subscription, error) {
	r.mu.Lock()
	vf, ok := r.venues[venue]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnsupportedContract
	}

	family, ok := vf.ResolveContract(contractType)
	if !ok {
		return nil, ErrUnsupportedContract
	}

	norm := normalizeSymbols(symbols)
	if len(norm) == 0 {
		return nil, ErrInvalidSymbol
	}
	batches := batchSymbols(norm, r.cfg.MaxSymbolsPerSession)

	mailboxSize := r.cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	sub := newSubscription(atomic.AddUint64(&r.nextID, 1), mailboxSize)

	attached := make([]*sharedSubscription, 0, len(batches))
	for _, batch := range batches {
		ss, err := r.attach(venue, family, batch, vf, sub)
		if err != nil {
			for _, a := range attached {
				a.removeSubscriber(sub.id)
			}
			return nil, err
		}
		attached = append(attached, ss)
		// Record incrementally, not just once at the end, so a fatal
		// error or overflow on an already-attached batch can cascade
		// into detaching the others even while this loop is still
		// attaching later batches.
		sub.mu.Lock()
		sub.shared = append([]*sharedSubscription(nil), attached...)
		sub.mu.Unlock()
	}

	return sub, nil
}

// attach finds or creates the SharedSubscription for (venue, family,
// batch) and registers sub against it, enforcing the venue's session
// cap on creation.
func (r *Router) attach(venue, family string, batch []string, vf VenueFactory, sub *Subscription) (*sharedSubscription, error) {
	key := subKey{venue: venue, family: family, batch: strings.Join(batch, ",")}

	r.mu.Lock()
	if ss, ok := r.subs[key]; ok {
		r.mu.Unlock()
		ss.addSubscriber(sub)
		return ss, nil
	}

	if r.venueCount[venue] >= r.cfg.MaxConnectionsPerVenue {
		r.mu.Unlock()
		return nil, ErrPoolBusy
	}

	dec, endpoint, err := vf.NewDecoder(family, batch)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("build decoder: %w", err)
	}

	ss := newSharedSubscription(key, endpoint, batch, dec, r.cfg, r.metrics, r.logger)
	ss.onEmpty = func() {
		r.mu.Lock()
		delete(r.subs, key)
		r.venueCount[venue]--
		count := r.venueCount[venue]
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.VenueSessions.WithLabelValues(venue).Set(float64(count))
		}
	}
	r.subs[key] = ss
	r.venueCount[venue]++
	venueCount := r.venueCount[venue]
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.VenueSessions.WithLabelValues(venue).Set(float64(venueCount))
	}

	ss.addSubscriber(sub)
	ss.start()
	return ss, nil
}

// VenueSessionCount reports the number of registered SharedSubscriptions
// for venue, used by tests asserting property 6 (§8).
func (r *Router) VenueSessionCount(venue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.venueCount[venue]
}

// ActiveSessionCount reports the number of registered SharedSubscriptions
// across every venue, used by the process readiness check: the gateway
// is ready once at least one upstream session exists.
func (r *Router) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.venueCount {
		total += n
	}
	return total
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func batchSymbols(symbols []string, maxPerBatch int) [][]string {
	if maxPerBatch <= 0 || len(symbols) <= maxPerBatch {
		return [][]string{symbols}
	}
	var batches [][]string
	for i := 0; i < len(symbols); i += maxPerBatch {
		end := i + maxPerBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[i:end])
	}
	return batches
}
