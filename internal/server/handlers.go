package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var request orderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Amount == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	buyerID, err := ledger.ParseAccountID(request.userID())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_id"})
		return
	}

	receipt, err := h.ledgerService.RecordPurchase(c.Request.Context(), buyerID, *request.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	for _, accountID := range collectAffectedAccountIDs(receipt) {
		h.realtime.Publish(RealtimeMessage{
			AccountID:  accountID,
			EventType:  RealtimeEventBalance,
			PurchaseID: receipt.Purchase.ID,
			Timestamp:  receipt.Purchase.CreatedAt,
		})
	}
	// The purchase is committed; a failed notification does not undo it.
	if err := h.events.PublishPurchase(c.Request.Context(), receipt); err != nil {
		h.logger.Warn("purchase event publish failed",
			zap.String("purchase_id", receipt.Purchase.ID),
			zap.Error(err))
	}

	c.JSON(http.StatusCreated, newOrderResponse(receipt))
}

func (h *httpHandler) handleBalance(c *gin.Context) {
	accountID, ok := h.accountIDParam(c)
	if !ok {
		return
	}
	balance, err := h.ledgerService.Evaluate(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBalancePayload(accountID, balance))
}

func (h *httpHandler) handleDescendants(c *gin.Context) {
	accountID, ok := h.accountIDParam(c)
	if !ok {
		return
	}
	depth := h.defaultDepth
	if raw := strings.TrimSpace(c.Query("depth")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_depth"})
			return
		}
		depth = parsed
	}

	root, err := h.ledgerService.BuildSubtree(c.Request.Context(), accountID, depth)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNodePayloads(root.Children))
}

func (h *httpHandler) handleCommissions(c *gin.Context) {
	accountID, ok := h.accountIDParam(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.ledgerService.ListCommissions(c.Request.Context(), accountID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCommissionPayloads(entries))
}

func (h *httpHandler) handleRegisterAccount(c *gin.Context) {
	var request registerAccountPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	registration := ledger.AccountRegistration{
		ID:              request.ID,
		Username:        request.Username,
		ExternalSubject: request.ExternalSubject,
	}
	if request.ReferrerID != nil {
		referrerID, err := ledger.NewAccountID(*request.ReferrerID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_id"})
			return
		}
		registration.ReferrerID = &referrerID
	}

	account, err := h.ledgerService.RegisterAccount(c.Request.Context(), registration)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAccountPayload(account))
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	accountID, ok := h.accountIDParam(c)
	if !ok {
		return
	}
	account, err := h.ledgerService.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) handleMe(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.ledgerService.FindAccountBySubject(c.Request.Context(), claims.Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}
