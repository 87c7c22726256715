package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/auth"
	"github.com/MarcoPoloResearchLab/spendcap/internal/events"
	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/MarcoPoloResearchLab/spendcap/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultDescendantsDepth  = 3
	defaultHeartbeatInterval = 25 * time.Second
	retryAfterSeconds        = "1"
)

var errMissingLedgerService = errors.New("ledger service dependency required")

// Dependencies wires the HTTP surface to the ledger and its optional collaborators.
type Dependencies struct {
	LedgerService    *ledger.Service
	Realtime         *RealtimeDispatcher
	Events           events.Publisher
	SessionValidator *auth.SessionValidator
	HTTPMetrics      *metrics.HTTPMetrics
	MetricsHandler   http.Handler
	HealthCheck      func(context.Context) error
	// DefaultDepth applies to /descendants requests without a depth parameter.
	DefaultDepth      int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.LedgerService == nil {
		return nil, errMissingLedgerService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	defaultDepth := deps.DefaultDepth
	if defaultDepth <= 0 {
		defaultDepth = defaultDescendantsDepth
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.HTTPMetrics != nil {
		router.Use(deps.HTTPMetrics.Middleware())
	}
	router.Use(corsMiddleware())

	handler := &httpHandler{
		ledgerService: deps.LedgerService,
		realtime:      realtime,
		events:        publisher,
		sessions:      deps.SessionValidator,
		healthCheck:   deps.HealthCheck,
		defaultDepth:  defaultDepth,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.POST("/orders", handler.handleCreateOrder)
	router.POST("/accounts", handler.handleRegisterAccount)
	router.GET("/accounts/:id", handler.handleGetAccount)

	user := router.Group("/user/:id")
	user.GET("/balance", handler.handleBalance)
	user.GET("/balance/stream", handler.handleBalanceStream)
	user.GET("/descendants", handler.handleDescendants)
	user.GET("/commissions", handler.handleCommissions)

	if deps.SessionValidator != nil {
		router.GET("/me", handler.handleMe)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	ledgerService *ledger.Service
	realtime      *RealtimeDispatcher
	events        events.Publisher
	sessions      *auth.SessionValidator
	healthCheck   func(context.Context) error
	defaultDepth  int
	heartbeat     time.Duration
	logger        *zap.Logger
}

// respondError maps ledger errors onto HTTP statuses. Service errors carry their code in the body.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"error": reason}
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidAccountID):
		return http.StatusBadRequest, "invalid_account_id"
	case errors.Is(err, ledger.ErrInvalidUsername):
		return http.StatusBadRequest, "invalid_username"
	case errors.Is(err, ledger.ErrInvalidDepth):
		return http.StatusBadRequest, "invalid_depth"
	case errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound, "unknown_account"
	case errors.Is(err, ledger.ErrDuplicateUsername):
		return http.StatusConflict, "duplicate_username"
	case errors.Is(err, ledger.ErrDuplicateAccount):
		return http.StatusConflict, "duplicate_account"
	case errors.Is(err, ledger.ErrRootExists):
		return http.StatusConflict, "root_exists"
	case errors.Is(err, ledger.ErrCyclicReferral):
		return http.StatusConflict, "cyclic_referral"
	case errors.Is(err, ledger.ErrLedgerBusy):
		return http.StatusServiceUnavailable, "ledger_busy"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) accountIDParam(c *gin.Context) (ledger.AccountID, bool) {
	accountID, err := ledger.ParseAccountID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_id"})
		return 0, false
	}
	return accountID, true
}
