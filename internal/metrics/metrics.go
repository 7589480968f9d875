// Package metrics wraps the gateway's Prometheus collectors, grounded on
// go-server-3/internal/metrics/metrics.go's Registry/NewRegistry/Handler
// shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the gateway exports.
type Registry struct {
	VenueSessions     *prometheus.GaugeVec
	BreakerState      *prometheus.GaugeVec
	QuotesEmitted     *prometheus.CounterVec
	QuotesDeduped     *prometheus.CounterVec
	QueueBlocked      *prometheus.CounterVec
	MailboxOverflowed prometheus.Counter
	Reconnects        *prometheus.CounterVec
	SubscribeRejects  *prometheus.CounterVec
}

// NewRegistry creates the gateway's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		VenueSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlegate_venue_sessions_active",
			Help: "Number of active upstream sessions per venue",
		}, []string{"venue"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlegate_breaker_state",
			Help: "Circuit breaker state per venue/contract family (0=closed, 1=open, 2=half_open)",
		}, []string{"venue", "contract_family"}),
		QuotesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "candlegate_quotes_emitted_total",
			Help: "Total quotes emitted into the router's shared queues",
		}, []string{"venue", "contract_family"}),
		QuotesDeduped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "candlegate_quotes_deduped_total",
			Help: "Total quotes discarded as duplicates",
		}, []string{"venue", "contract_family"}),
		QueueBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "candlegate_queue_blocked_total",
			Help: "Total times a producer blocked on the closed-candle queue",
		}, []string{"venue", "contract_family"}),
		MailboxOverflowed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "candlegate_subscriber_mailbox_overflowed_total",
			Help: "Total subscriber mailboxes dropped for backpressure",
		}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "candlegate_session_reconnects_total",
			Help: "Total upstream reconnect attempts per venue/contract family",
		}, []string{"venue", "contract_family"}),
		SubscribeRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "candlegate_subscribe_rejected_total",
			Help: "Total terminal subscribe rejections from upstream venues",
		}, []string{"venue", "contract_family"}),
	}
}

// Handler exposes the registry over HTTP for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
