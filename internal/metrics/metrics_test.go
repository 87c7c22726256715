package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestLedgerMetricsObservePurchase(t *testing.T) {
	registry := prometheus.NewRegistry()
	collectors := NewLedgerMetrics(registry)

	var instrumentation ledger.Instrumentation = collectors
	instrumentation.ObservePurchase(ledger.PurchaseReceipt{
		Purchase: ledger.Purchase{ID: "p-1", BuyerID: 3, Amount: ledger.NewNumeric(decimal.NewFromInt(100))},
		Entries: []ledger.CommissionEntry{
			{ID: "e-1", BeneficiaryID: 2, Depth: 1, Amount: ledger.NewNumeric(decimal.NewFromInt(10))},
			{ID: "e-2", BeneficiaryID: 1, Depth: 2, Amount: ledger.NewNumeric(decimal.NewFromInt(5))},
		},
	}, 20*time.Millisecond)
	instrumentation.ObserveBusy("ledger.record_purchase")
	instrumentation.ObserveFailure("ledger.record_purchase", "unknown_account")

	if got := testutil.ToFloat64(collectors.PurchasesTotal); got != 1 {
		t.Fatalf("expected 1 purchase, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.PurchaseAmountTotal); got != 100 {
		t.Fatalf("expected amount 100, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.CommissionAmountTotal.WithLabelValues("2")); got != 5 {
		t.Fatalf("expected depth 2 commission 5, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.BusyRetriesTotal.WithLabelValues("ledger.record_purchase")); got != 1 {
		t.Fatalf("expected 1 busy retry, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.FailuresTotal.WithLabelValues("ledger.record_purchase", "unknown_account")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestHTTPMiddlewareLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	collectors := NewHTTPMetrics(registry)

	router := gin.New()
	router.Use(collectors.Middleware())
	router.GET("/user/:id/balance", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(Handler(registry)))

	for _, path := range []string{"/user/1/balance", "/user/2/balance", "/missing"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(collectors.RequestsTotal.WithLabelValues(http.MethodGet, "/user/:id/balance", "200")); got != 2 {
		t.Fatalf("expected 2 balance requests, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.RequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")); got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "spendcap_http_requests_total") {
		t.Fatalf("expected exposition output, got %d %s", recorder.Code, recorder.Body.String())
	}
}
