package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"presenceguard/internal/config"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes admin decisions from the configured topic and sends
// them to out. The message key names the student when the body does not.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- Decision, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka decision ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka decision ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go consume(ctx, reader, out, logger)
}

func consume(ctx context.Context, reader messageReader, out chan<- Decision, logger *slog.Logger) {
	defer reader.Close()
	backoff := 200 * time.Millisecond
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 200 * time.Millisecond
		d, err := ParseDecisionBytes(m.Value, string(m.Key))
		if err != nil {
			if logger != nil {
				logger.Warn("kafka decision parse error", "offset", m.Offset, "err", err)
			}
			continue
		}
		d.Source = "kafka"
		SendNonBlocking(ctx, out, d, logger)
	}
}
