// Package events publishes committed purchases to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	// EventTypePurchaseRecorded marks a committed purchase and its commission entries.
	EventTypePurchaseRecorded = "purchase.recorded"

	defaultWriteTimeout = 5 * time.Second
	// Each purchase is written on its own, so the writer should not hold it back to fill a batch.
	publishBatchTimeout = 10 * time.Millisecond
)

// CommissionEvent is one commission entry inside a PurchaseEvent.
type CommissionEvent struct {
	EntryID       string          `json:"entry_id"`
	BeneficiaryID int64           `json:"beneficiary_id"`
	Depth         int             `json:"depth"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
}

// PurchaseEvent is the message body written for every committed purchase.
type PurchaseEvent struct {
	Type        string            `json:"type"`
	PurchaseID  string            `json:"purchase_id"`
	BuyerID     int64             `json:"buyer_id"`
	Amount      decimal.Decimal   `json:"amount"`
	CreatedAt   time.Time         `json:"created_at"`
	Commissions []CommissionEvent `json:"commissions"`
}

// NewPurchaseEvent converts a receipt into its wire form.
func NewPurchaseEvent(receipt ledger.PurchaseReceipt) PurchaseEvent {
	commissions := make([]CommissionEvent, 0, len(receipt.Entries))
	for _, entry := range receipt.Entries {
		commissions = append(commissions, CommissionEvent{
			EntryID:       entry.ID,
			BeneficiaryID: entry.BeneficiaryID,
			Depth:         entry.Depth,
			Rate:          entry.Rate.Decimal,
			Amount:        entry.Amount.Decimal,
		})
	}
	return PurchaseEvent{
		Type:        EventTypePurchaseRecorded,
		PurchaseID:  receipt.Purchase.ID,
		BuyerID:     receipt.Purchase.BuyerID,
		Amount:      receipt.Purchase.Amount.Decimal,
		CreatedAt:   receipt.Purchase.CreatedAt,
		Commissions: commissions,
	}
}

// Publisher delivers purchase events.
type Publisher interface {
	PublishPurchase(ctx context.Context, receipt ledger.PurchaseReceipt) error
	Close() error
}

// NopPublisher discards events; it is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishPurchase(context.Context, ledger.PurchaseReceipt) error { return nil }
func (NopPublisher) Close() error                                                  { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes purchase events keyed by buyer so one buyer's events stay ordered.
type KafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
}

// NewKafkaPublisher builds a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: publishBatchTimeout,
	})
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, writeTimeout: defaultWriteTimeout}
}

func (p *KafkaPublisher) PublishPurchase(ctx context.Context, receipt ledger.PurchaseReceipt) error {
	payload, err := json.Marshal(NewPurchaseEvent(receipt))
	if err != nil {
		return fmt.Errorf("encode purchase event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(strconv.FormatInt(receipt.Purchase.BuyerID, 10)),
		Value: payload,
		Time:  receipt.Purchase.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypePurchaseRecorded)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
