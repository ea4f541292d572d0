// Package events buffers and publishes the status events the engine emits
// for verifications, trust transitions and warm-scan lifecycle changes.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"presenceguard/internal/config"
	"presenceguard/internal/model"
)

const (
	TypeVerification    = "verification"
	TypeTrustTransition = "trust_transition"
	TypeWarmScanStarted = "warm_scan_started"
	TypeWarmScanStopped = "warm_scan_stopped"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.StatusEvent) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, model.StatusEvent) error { return nil }
func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by student id so one student's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewPublisher(cfg config.KafkaWriterConfig, logger *slog.Logger) Publisher {
	if !cfg.Enabled {
		return Nop{}
	}
	if logger != nil {
		logger.Info("kafka event publisher enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev model.StatusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.StudentID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
	if err != nil && p.logger != nil {
		p.logger.Warn("kafka publish failed", "type", ev.Type, "student_id", ev.StudentID, "err", err)
	}
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
