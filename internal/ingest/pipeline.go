// Package ingest runs the reading ingest loop: pull batches of raw reading
// messages from the source, validate and record them through the repository,
// then re-evaluate alerts for the touched locations.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/observability"
)

// Envelope is one raw message from the ingest source. Commit acknowledges the
// message; nil when the source does not track offsets.
type Envelope struct {
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Commit    func(ctx context.Context) error
}

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]Envelope, error)
}

// Recorder persists validated readings.
type Recorder interface {
	RecordReading(ctx context.Context, reading domain.Reading) error
}

// AlertEvaluator re-runs the alert rules for a location after new data lands.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, locationID, crop string) ([]domain.Alert, error)
}

// Pipeline orchestrates the extract-record-evaluate loop.
type Pipeline struct {
	extractor BatchExtractor
	recorder  Recorder
	evaluator AlertEvaluator
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, r Recorder, a AlertEvaluator, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		recorder:  r,
		evaluator: a,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once the pipeline has recorded at least one
// reading, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("ingest has not recorded any readings yet")
	}
	return nil
}

// Run executes the ingest loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("ingest started", "batch_size", p.batchSize)
	p.metrics.IngestRunning.Set(1)
	defer p.metrics.IngestRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ingest stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-record-evaluate cycle. Returns false if the
// pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	batch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(batch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.IngestBatchSize.Observe(float64(len(batch)))
	*backoff = 200 * time.Millisecond

	touched, ok := p.recordBatch(ctx, batch, backoff, maxBackoff)
	if !ok {
		return false
	}

	if len(touched) > 0 {
		p.ready.Store(true)
		p.evaluateTouched(ctx, touched)
	}
	return true
}

// recordBatch parses and records each message. A message that fails to parse
// or validate is counted, committed, and skipped; a backend failure stops the
// batch without committing the remaining messages so they are redelivered.
// Returns the set of locations that received new readings.
func (p *Pipeline) recordBatch(ctx context.Context, batch []Envelope, backoff *time.Duration, maxBackoff time.Duration) (map[string]struct{}, bool) {
	touched := make(map[string]struct{})

	for _, env := range batch {
		var reading domain.Reading
		if err := json.Unmarshal(env.Value, &reading); err != nil {
			p.logger.Warn("unparseable reading, skipping message",
				"error", err,
				"topic", env.Topic,
				"partition", env.Partition,
				"offset", env.Offset,
			)
			p.metrics.IngestErrors.Inc()
			p.commitOffset(ctx, env)
			continue
		}

		if err := p.recorder.RecordReading(ctx, reading); err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) || errors.Is(err, domain.ErrTimeout) {
				p.logger.Error("record reading failed", "error", err, "location_id", reading.LocationID)
				return touched, p.backoffOrStop(ctx, backoff, maxBackoff)
			}
			// Validation failure: the message will never become recordable.
			p.logger.Warn("invalid reading, skipping message",
				"error", err,
				"location_id", reading.LocationID,
				"offset", env.Offset,
			)
			p.metrics.IngestErrors.Inc()
			p.commitOffset(ctx, env)
			continue
		}

		p.metrics.ReadingsIngested.Inc()
		touched[reading.LocationID] = struct{}{}
		p.commitOffset(ctx, env)
	}

	return touched, true
}

// evaluateTouched re-runs the alert rules for each location that received
// data. Best effort: a failed evaluation is retried on the next batch.
func (p *Pipeline) evaluateTouched(ctx context.Context, touched map[string]struct{}) {
	for locationID := range touched {
		if _, err := p.evaluator.Evaluate(ctx, locationID, ""); err != nil {
			p.logger.Warn("alert evaluation failed", "error", err, "location_id", locationID)
		}
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current
// backoff, and advances it. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func (p *Pipeline) commitOffset(ctx context.Context, env Envelope) {
	if env.Commit == nil {
		return
	}
	if err := env.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", env.Topic, "partition", env.Partition, "offset", env.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
