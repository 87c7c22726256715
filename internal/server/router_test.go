package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newDetachedHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{LedgerService: &ledger.Service{}})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeErrorBody(t *testing.T, recorder *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return body.Error, body.Code
}

func TestNewHTTPHandlerRequiresLedgerService(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingLedgerService) {
		t.Fatalf("expected missing ledger service error, got %v", err)
	}
}

func TestRequestValidationRejectsBadInput(t *testing.T) {
	handler := newDetachedHandler(t)

	testCases := []struct {
		name      string
		method    string
		target    string
		body      string
		wantError string
		wantCode  string
	}{
		{name: "malformed order", method: http.MethodPost, target: "/orders", body: `{"user_id":`, wantError: "invalid_request"},
		{name: "order without amount", method: http.MethodPost, target: "/orders", body: `{"user_id":3}`, wantError: "invalid_request"},
		{name: "order without buyer", method: http.MethodPost, target: "/orders", body: `{"amount":"5"}`, wantError: "invalid_account_id"},
		{name: "zero amount", method: http.MethodPost, target: "/orders", body: `{"user_id":3,"amount":0}`, wantError: "invalid_amount", wantCode: "ledger.record_purchase.invalid_amount"},
		{name: "negative amount", method: http.MethodPost, target: "/orders", body: `{"user_id":3,"amount":"-1.50"}`, wantError: "invalid_amount", wantCode: "ledger.record_purchase.invalid_amount"},
		{name: "non numeric account", method: http.MethodGet, target: "/user/abc/balance", wantError: "invalid_account_id"},
		{name: "zero account", method: http.MethodGet, target: "/user/0/descendants", wantError: "invalid_account_id"},
		{name: "non numeric depth", method: http.MethodGet, target: "/user/1/descendants?depth=deep", wantError: "invalid_depth"},
		{name: "depth beyond limit", method: http.MethodGet, target: "/user/1/descendants?depth=3", wantError: "invalid_depth", wantCode: "ledger.build_subtree.invalid_depth"},
		{name: "bad limit", method: http.MethodGet, target: "/user/1/commissions?limit=-2", wantError: "invalid_limit"},
		{name: "blank username", method: http.MethodPost, target: "/accounts", body: `{"username":"  "}`, wantError: "invalid_username", wantCode: "ledger.register_account.invalid_username"},
		{name: "bad referrer", method: http.MethodPost, target: "/accounts", body: `{"username":"ann","referrer_id":-4}`, wantError: "invalid_account_id"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := serve(handler, testCase.method, testCase.target, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d (%s)", recorder.Code, recorder.Body.String())
			}
			reason, code := decodeErrorBody(t, recorder)
			if reason != testCase.wantError {
				t.Fatalf("expected error %q, got %q", testCase.wantError, reason)
			}
			if code != testCase.wantCode {
				t.Fatalf("expected code %q, got %q", testCase.wantCode, code)
			}
		})
	}
}

func TestHandlersReportMissingDatabase(t *testing.T) {
	handler := newDetachedHandler(t)

	testCases := []struct {
		method   string
		target   string
		body     string
		wantCode string
	}{
		{method: http.MethodPost, target: "/orders", body: `{"user_id":3,"amount":"12.5"}`, wantCode: "ledger.record_purchase.missing_database"},
		{method: http.MethodPost, target: "/orders", body: `{"userId":"3","amount":12.5}`, wantCode: "ledger.record_purchase.missing_database"},
		{method: http.MethodGet, target: "/user/7/balance", wantCode: "ledger.evaluate.missing_database"},
		{method: http.MethodGet, target: "/user/7/balance/stream", wantCode: "ledger.evaluate.missing_database"},
		{method: http.MethodGet, target: "/user/7/descendants?depth=0", wantCode: "ledger.build_subtree.missing_database"},
		{method: http.MethodGet, target: "/user/7/commissions", wantCode: "ledger.list_commissions.missing_database"},
		{method: http.MethodGet, target: "/accounts/7", wantCode: "ledger.get_account.missing_database"},
		{method: http.MethodPost, target: "/accounts", body: `{"username":"ann"}`, wantCode: "ledger.register_account.missing_database"},
	}

	for _, testCase := range testCases {
		recorder := serve(handler, testCase.method, testCase.target, testCase.body)
		if recorder.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s: expected status 500, got %d", testCase.method, testCase.target, recorder.Code)
		}
		reason, code := decodeErrorBody(t, recorder)
		if reason != "internal_error" || code != testCase.wantCode {
			t.Fatalf("%s %s: unexpected body error=%q code=%q", testCase.method, testCase.target, reason, code)
		}
	}
}

func TestMeIsMountedOnlyWithSessionValidator(t *testing.T) {
	handler := newDetachedHandler(t)
	recorder := serve(handler, http.MethodGet, "/me", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected /me to be absent without a validator, got %d", recorder.Code)
	}
}

func TestHealthReportsCheckFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checkErr := errors.New("connection refused")
	handler, err := NewHTTPHandler(Dependencies{
		LedgerService: &ledger.Service{},
		HealthCheck: func(context.Context) error {
			return checkErr
		},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	recorder := serve(handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", recorder.Code)
	}

	checkErr = nil
	recorder = serve(handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
}

func TestClassifyErrorMapsSentinels(t *testing.T) {
	testCases := []struct {
		err        error
		wantStatus int
		wantReason string
	}{
		{err: ledger.ErrInvalidAmount, wantStatus: http.StatusBadRequest, wantReason: "invalid_amount"},
		{err: fmt.Errorf("wrapped: %w", ledger.ErrInvalidDepth), wantStatus: http.StatusBadRequest, wantReason: "invalid_depth"},
		{err: ledger.ErrUnknownAccount, wantStatus: http.StatusNotFound, wantReason: "unknown_account"},
		{err: ledger.ErrDuplicateUsername, wantStatus: http.StatusConflict, wantReason: "duplicate_username"},
		{err: ledger.ErrDuplicateAccount, wantStatus: http.StatusConflict, wantReason: "duplicate_account"},
		{err: ledger.ErrRootExists, wantStatus: http.StatusConflict, wantReason: "root_exists"},
		{err: ledger.ErrCyclicReferral, wantStatus: http.StatusConflict, wantReason: "cyclic_referral"},
		{err: ledger.ErrLedgerBusy, wantStatus: http.StatusServiceUnavailable, wantReason: "ledger_busy"},
		{err: errors.New("disk full"), wantStatus: http.StatusInternalServerError, wantReason: "internal_error"},
	}
	for _, testCase := range testCases {
		status, reason := classifyError(testCase.err)
		if status != testCase.wantStatus || reason != testCase.wantReason {
			t.Fatalf("classifyError(%v) = %d %q, want %d %q", testCase.err, status, reason, testCase.wantStatus, testCase.wantReason)
		}
	}
}

func TestRespondErrorSetsRetryAfterForBusyLedger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/orders", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{logger: zap.New(core)}
	handler.respondError(ctx, fmt.Errorf("attempts exhausted: %w", ledger.ErrLedgerBusy))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") != retryAfterSeconds {
		t.Fatalf("expected Retry-After header, got %q", recorder.Header().Get("Retry-After"))
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error log entry, got %v", entries)
	}
}

func TestRespondErrorDoesNotLogClientErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/user/9/balance", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{logger: zap.New(core)}
	handler.respondError(ctx, ledger.ErrUnknownAccount)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
	reason, code := decodeErrorBody(t, recorder)
	if reason != "unknown_account" || code != "" {
		t.Fatalf("unexpected body error=%q code=%q", reason, code)
	}
}

func TestCORSMiddlewareAllowsCredentialedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/orders", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/orders", http.NoBody)
	request.Header.Set("Origin", "https://shop.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://shop.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCollectAffectedAccountIDs(t *testing.T) {
	receipt := ledger.PurchaseReceipt{
		Purchase: ledger.Purchase{ID: "p-1", BuyerID: 5},
		Entries: []ledger.CommissionEntry{
			{ID: "e-1", BeneficiaryID: 4, Depth: 1},
			{ID: "e-2", BeneficiaryID: 1, Depth: 2},
			{ID: "e-3", BeneficiaryID: 4, Depth: 3},
			{ID: "e-4", BeneficiaryID: 0, Depth: 4},
		},
	}

	ids := collectAffectedAccountIDs(receipt)
	expected := []int64{1, 4, 5}
	if len(ids) != len(expected) {
		t.Fatalf("expected %d identifiers, got %v", len(expected), ids)
	}
	for index, expectedID := range expected {
		if ids[index] != expectedID {
			t.Fatalf("expected identifier %d at index %d, got %d", expectedID, index, ids[index])
		}
	}
}

func TestBalancePayloadRoundsCapUsage(t *testing.T) {
	balance := ledger.Balance{
		PersonalSpend:  decimal.NewFromInt(3),
		TotalGenerated: decimal.NewFromInt(5),
		Claimable:      decimal.NewFromInt(2),
		Locked:         decimal.NewFromInt(3),
	}
	payload := newBalancePayload(ledger.AccountID(9), balance)
	if payload.CapUsagePercent != "66.67" {
		t.Fatalf("expected cap usage 66.67, got %s", payload.CapUsagePercent)
	}
	if payload.TotalEarned != "2" || payload.PendingPool != "3" || payload.TotalSpent != "3" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
