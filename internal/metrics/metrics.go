package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privrelay_connected_sessions",
		Help: "Current number of live WebSocket sessions in the registry.",
	})

	PrekeysDispensed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privrelay_prekeys_dispensed_total",
		Help: "Total one-time prekeys dispensed by fetch_bundle.",
	})

	BundleFetchesEmpty = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privrelay_bundle_fetches_empty_total",
		Help: "Total fetch_bundle calls that found no unused prekey.",
	})

	EnvelopesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privrelay_envelopes_queued_total",
		Help: "Total encrypted_message envelopes persisted for offline delivery.",
	})

	EnvelopesDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privrelay_envelopes_drained_total",
		Help: "Total queued envelopes delivered and deleted during a drain phase.",
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privrelay_rate_limit_rejections_total",
		Help: "Total requests rejected by a rate limiter, by route.",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		ConnectedSessions,
		PrekeysDispensed,
		BundleFetchesEmpty,
		EnvelopesQueued,
		EnvelopesDrained,
		RateLimitRejections,
	)
}

// Handler exposes the registered metrics at GET /metrics, unauthenticated.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
