package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the backend exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sales           *prometheus.CounterVec
	saleFailures    *prometheus.CounterVec
	atomicRetries   prometheus.Counter
	intents         *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	watches         *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration panics.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		sales: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_sales_finalized_total",
			Help: "Sales written to the ledger, by payment method",
		}, []string{"payment_method"}),
		saleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_sale_failures_total",
			Help: "Sale finalizations that left the ledger untouched, by reason",
		}, []string{"reason"}),
		atomicRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pos_atomic_retries_total",
			Help: "Atomic ledger units retried after a write conflict",
		}),
		intents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_payment_intents_total",
			Help: "QR payment intents, by result",
		}, []string{"result"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_payment_webhooks_total",
			Help: "Payment provider notifications, by outcome",
		}, []string{"outcome"}),
		watches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_payment_watch_outcomes_total",
			Help: "Payment watches that ended, by final status",
		}, []string{"status"}),
	}
}

func (m *Metrics) SaleFinalized(paymentMethod string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(paymentMethod).Inc()
}

func (m *Metrics) SaleFailed(reason string) {
	if m == nil {
		return
	}
	m.saleFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) AtomicRetried() {
	if m == nil {
		return
	}
	m.atomicRetries.Inc()
}

func (m *Metrics) IntentCreated(result string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookHandled(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WatchEnded(status string) {
	if m == nil {
		return
	}
	m.watches.WithLabelValues(status).Inc()
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
