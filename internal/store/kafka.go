package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"comboval/internal/domain"
)

var _ ReportSink = (*KafkaSink)(nil)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one JSON message per report, keyed by combo name so a
// combination's history lands on one partition.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a synchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaSink{w: w, topic: topic}, nil
}

// WriteReports publishes every report of runID in one batch.
func (k *KafkaSink) WriteReports(ctx context.Context, runID string, reports []domain.ComboReport) error {
	if len(reports) == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]kafka.Message, 0, len(reports))
	for i := range reports {
		r := &reports[i]
		msg := *r
		msg.RunID = runID
		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal report %s: %w", r.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.ComboName),
			Value: v,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "run_id", Value: []byte(runID)},
				{Key: "combo_type", Value: []byte(r.ComboType)},
			},
		})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing %d reports to %s: %w", len(msgs), k.topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
