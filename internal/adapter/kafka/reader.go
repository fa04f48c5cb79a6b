// Package kafka adapts the kafka-go client to the ingest pipeline's
// extractor contract. Readings arrive as JSON messages on the readings topic;
// offsets are committed explicitly after the pipeline records a message.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/fieldsense/weather-engine/internal/config"
	"github.com/fieldsense/weather-engine/internal/ingest"
)

// drainWait bounds how long ExtractBatch keeps collecting messages beyond the
// first one, so a quiet topic still yields small batches promptly.
const drainWait = 100 * time.Millisecond

// Reader consumes raw reading messages from the readings topic.
// It implements ingest.BatchExtractor.
type Reader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReader creates a Kafka consumer for the configured readings topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaReadingsTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &Reader{reader: r, logger: logger}
}

// ExtractBatch blocks for the first message, then drains up to batchSize
// messages that are already available. Each envelope carries a commit closure
// bound to its own message so the pipeline can acknowledge per message.
func (r *Reader) ExtractBatch(ctx context.Context, batchSize int) ([]ingest.Envelope, error) {
	first, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	batch := []ingest.Envelope{r.toEnvelope(first)}

	drainCtx, cancel := context.WithTimeout(ctx, drainWait)
	defer cancel()
	for len(batch) < batchSize {
		msg, err := r.reader.FetchMessage(drainCtx)
		if err != nil {
			break // drain window closed or stream ended
		}
		batch = append(batch, r.toEnvelope(msg))
	}
	return batch, nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func (r *Reader) toEnvelope(msg kafkago.Message) ingest.Envelope {
	return ingest.Envelope{
		Value:     msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Commit: func(ctx context.Context) error {
			return r.reader.CommitMessages(ctx, msg)
		},
	}
}
