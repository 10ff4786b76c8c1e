package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/outreachly/campd/internal/model"
)

// Sink receives run lifecycle and per-recipient outcome events for the
// external analytics pipeline. Publishing is best-effort: the scheduler logs
// failures and carries on, the ledger stays the source of truth.
type Sink interface {
	Publish(ctx context.Context, ev model.RunEvent) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaSink publishes run events keyed by campaign id so one campaign's
// events stay ordered within a partition.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(c Config) *KafkaSink {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 100 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{w: w}
}

func (s *KafkaSink) Publish(ctx context.Context, ev model.RunEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.CampaignID, 10)),
		Value: payload,
	})
}

func (s *KafkaSink) Close() error { return s.w.Close() }

// NopSink is used when no brokers are configured (dev, tests).
type NopSink struct{}

func (NopSink) Publish(context.Context, model.RunEvent) error { return nil }
func (NopSink) Close() error                                  { return nil }
