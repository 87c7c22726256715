package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleBalanceStream sends the current balance, then a fresh evaluation after every purchase
// that touches the account.
func (h *httpHandler) handleBalanceStream(c *gin.Context) {
	accountID, ok := h.accountIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	initial, err := h.ledgerService.Evaluate(ctx, accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	messages, cleanup := h.realtime.Subscribe(ctx, accountID.Int64())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(RealtimeEventBalance, newBalancePayload(accountID, initial))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-messages:
			if !open {
				return false
			}
			return h.writeBalanceEvent(c, accountID, message)
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: now.UTC()})
			return true
		}
	})
}

func (h *httpHandler) writeBalanceEvent(c *gin.Context, accountID ledger.AccountID, message RealtimeMessage) bool {
	balance, err := h.ledgerService.Evaluate(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Warn("balance stream evaluation failed",
			zap.Int64("account_id", accountID.Int64()),
			zap.String("purchase_id", message.PurchaseID),
			zap.Error(err))
		return c.Request.Context().Err() == nil
	}
	payload := newBalancePayload(accountID, balance)
	payload.PurchaseID = message.PurchaseID
	c.SSEvent(RealtimeEventBalance, payload)
	return true
}
