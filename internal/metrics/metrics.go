// Package metrics exposes Prometheus collectors for the ledger and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spendcap"

// LedgerMetrics records ledger outcomes. It satisfies ledger.Instrumentation.
type LedgerMetrics struct {
	PurchasesTotal         prometheus.Counter
	PurchaseAmountTotal    prometheus.Counter
	CommissionEntriesTotal *prometheus.CounterVec
	CommissionAmountTotal  *prometheus.CounterVec
	PurchaseDuration       prometheus.Histogram
	BusyRetriesTotal       *prometheus.CounterVec
	FailuresTotal          *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors with registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	factory := promauto.With(registerer)
	return &LedgerMetrics{
		PurchasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Committed purchases.",
		}),
		PurchaseAmountTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_amount_total",
			Help:      "Sum of committed purchase amounts.",
		}),
		CommissionEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_entries_total",
			Help:      "Commission entries appended, by referral depth.",
		}, []string{"depth"}),
		CommissionAmountTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_amount_total",
			Help:      "Commission generated, by referral depth.",
		}, []string{"depth"}),
		PurchaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "purchase_duration_seconds",
			Help:      "Time to commit a purchase including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		BusyRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_busy_retries_total",
			Help:      "Transactions retried after store contention.",
		}, []string{"operation"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_failures_total",
			Help:      "Ledger operations that returned an error.",
		}, []string{"operation", "reason"}),
	}
}

func (m *LedgerMetrics) ObservePurchase(receipt ledger.PurchaseReceipt, elapsed time.Duration) {
	m.PurchasesTotal.Inc()
	m.PurchaseAmountTotal.Add(receipt.Purchase.Amount.InexactFloat64())
	for _, entry := range receipt.Entries {
		depth := strconv.Itoa(entry.Depth)
		m.CommissionEntriesTotal.WithLabelValues(depth).Inc()
		m.CommissionAmountTotal.WithLabelValues(depth).Add(entry.Amount.InexactFloat64())
	}
	m.PurchaseDuration.Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) ObserveBusy(operation string) {
	m.BusyRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) ObserveFailure(operation, reason string) {
	m.FailuresTotal.WithLabelValues(operation, reason).Inc()
}

// HTTPMetrics counts requests and latency per route.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP collectors with registerer.
func NewHTTPMetrics(registerer prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(registerer)
	return &HTTPMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Middleware records every request under its route template, not the raw path.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the collectors gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
