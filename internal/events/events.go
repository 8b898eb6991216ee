// Package events announces completed sales to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/xid"
)

const TypeSaleFinalized = "sale.finalized"

type SoldItem struct {
	ISBN     string `json:"isbn"`
	Quantity int    `json:"quantity"`
}

type SaleFinalized struct {
	EventID     string               `json:"event_id"`
	SaleID      string               `json:"sale_id"`
	TerminalID  string               `json:"terminal_id"`
	AttemptID   string               `json:"attempt_id"`
	Method      domain.PaymentMethod `json:"payment_method"`
	TotalAmount decimal.Decimal      `json:"total_amount"`
	Items       []SoldItem           `json:"items"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

func NewSaleFinalized(saleID, terminalID string, req domain.SaleRequest, at time.Time) SaleFinalized {
	items := make([]SoldItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, SoldItem{ISBN: item.ISBN, Quantity: item.Quantity})
	}
	return SaleFinalized{
		EventID:     xid.New("evt"),
		SaleID:      saleID,
		TerminalID:  terminalID,
		AttemptID:   req.IdempotencyKey,
		Method:      req.Payment.Method,
		TotalAmount: req.TotalAmount,
		Items:       items,
		OccurredAt:  at.UTC(),
	}
}

type Publisher interface {
	PublishSaleFinalized(ctx context.Context, ev SaleFinalized) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSaleFinalized(context.Context, SaleFinalized) error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishSaleFinalized(ctx context.Context, ev SaleFinalized) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message keys by sale id so every event for one sale lands on one partition.
func Message(ev SaleFinalized) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.SaleID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(TypeSaleFinalized)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}, nil
}
