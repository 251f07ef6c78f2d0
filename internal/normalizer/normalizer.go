// Package normalizer turns captured raw payloads into structured readings.
// It walks the raw record log behind a persisted cursor, parses each record,
// and commits readings, parse failures, device sightings, and the cursor
// advance as one transaction. A crash between commit and the next read costs
// duplicate work, never duplicate rows: the readings' uniqueness constraint
// absorbs the replay.
package normalizer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/forecast"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

// RawSource supplies the cursor and the raw records past it.
type RawSource interface {
	Cursor(ctx context.Context, source string) (int64, error)
	ReadRawAfter(ctx context.Context, afterID int64, limit int) ([]domain.RawRecord, error)
}

// BatchCommitter applies one normalized batch atomically.
type BatchCommitter interface {
	CommitNormalizedBatch(ctx context.Context, batch store.NormalizedBatch) (store.BatchResult, error)
}

// ForecastUpdater folds landed readings into per-device forecast state.
type ForecastUpdater interface {
	Update(ctx context.Context, deviceID string, metric domain.Metric, eventTime time.Time, value float64) error
}

// Exporter publishes landed readings downstream. A nil Exporter disables the
// export.
type Exporter interface {
	Export(ctx context.Context, readings []domain.Reading) error
}

// Normalizer orchestrates the read-parse-commit loop.
type Normalizer struct {
	source    RawSource
	committer BatchCommitter
	forecasts ForecastUpdater
	exporter  Exporter
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
	interval  time.Duration
}

// New creates a Normalizer that polls for new raw records at interval and
// processes them in batches of at most batchSize. exporter may be nil.
func New(source RawSource, committer BatchCommitter, forecasts ForecastUpdater, exporter Exporter, logger *slog.Logger, metrics *observability.Metrics, batchSize int, interval time.Duration) *Normalizer {
	return &Normalizer{
		source:    source,
		committer: committer,
		forecasts: forecasts,
		exporter:  exporter,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		interval:  interval,
	}
}

// CheckReadiness returns nil once the normalizer has completed a cycle, or an
// error describing why the service is not yet ready.
func (n *Normalizer) CheckReadiness(_ context.Context) error {
	if !n.ready.Load() {
		return errors.New("normalizer has not completed a cycle yet")
	}
	return nil
}

// Run executes the normalization loop until the context is cancelled.
func (n *Normalizer) Run(ctx context.Context) error {
	n.logger.Info("normalizer started", "batch_size", n.batchSize, "poll_interval", n.interval)
	n.metrics.PipelineRunning.Set(1)
	defer n.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	// Keeps retry storms short while avoiding tight loops during store trouble.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("normalizer stopping", "reason", ctx.Err())
			return nil
		default:
		}

		res, err := n.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Error("normalize batch failed", "error", err)
			if !n.backoffOrStop(ctx, &backoff, maxBackoff) {
				return nil
			}
			continue
		}

		backoff = 200 * time.Millisecond
		if res.Processed == 0 {
			if !sleepWithContext(ctx, n.interval) {
				return nil
			}
		}
	}
}

// Result summarizes one normalization pass.
type Result struct {
	Processed  int // raw records covered by the pass
	Inserted   int // readings newly written
	Duplicates int // readings that already existed
	Failed     int // parse failures recorded
}

// RunOnce processes one batch. A zero Result with a nil error means the log
// had nothing new.
func (n *Normalizer) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()

	cursor, err := n.source.Cursor(ctx, store.CaptureSource)
	if err != nil {
		return Result{}, err
	}
	raws, err := n.source.ReadRawAfter(ctx, cursor, n.batchSize)
	if err != nil {
		return Result{}, err
	}
	if len(raws) == 0 {
		n.ready.Store(true)
		return Result{}, nil
	}

	batch := n.buildBatch(cursor, raws)
	committed, err := n.committer.CommitNormalizedBatch(ctx, batch)
	if err != nil {
		return Result{}, err
	}

	n.metrics.BatchSize.Observe(float64(len(raws)))
	n.metrics.ReadingsNormalized.Add(float64(committed.Inserted))
	n.metrics.DuplicatesSkipped.Add(float64(committed.Duplicates))
	n.metrics.ParseFailures.Add(float64(len(batch.Failures)))

	n.feedForecasts(ctx, committed.Landed)
	n.export(ctx, committed.Landed)

	n.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	n.ready.Store(true)
	n.logger.Debug("batch normalized",
		"records", len(raws),
		"inserted", committed.Inserted,
		"duplicates", committed.Duplicates,
		"failures", len(batch.Failures),
		"cursor", batch.NextCursor)
	return Result{
		Processed:  len(raws),
		Inserted:   committed.Inserted,
		Duplicates: committed.Duplicates,
		Failed:     len(batch.Failures),
	}, nil
}

// buildBatch parses every raw record in order and assembles the batch effect.
// Parse failures become failure records; they never stall the cursor.
func (n *Normalizer) buildBatch(cursor int64, raws []domain.RawRecord) store.NormalizedBatch {
	batch := store.NormalizedBatch{
		Source:     store.CaptureSource,
		PrevCursor: cursor,
		NextCursor: raws[len(raws)-1].ID,
	}

	for _, raw := range raws {
		reading, err := domain.ParseRaw(raw)
		if err != nil {
			var parseErr *domain.ParseError
			if errors.As(err, &parseErr) {
				batch.Failures = append(batch.Failures, *parseErr)
			} else {
				batch.Failures = append(batch.Failures, domain.ParseError{RawID: raw.ID, Reason: err.Error()})
			}
			n.logger.Warn("parse failed, skipping record",
				"raw_id", raw.ID,
				"topic", raw.Topic,
				"error", err)
			continue
		}
		batch.Readings = append(batch.Readings, reading)
		batch.Sightings = append(batch.Sightings, store.DeviceSighting{
			DeviceID: reading.DeviceID,
			Topic:    raw.Topic,
			Seen:     raw.ReceivedAt,
		})
	}
	return batch
}

// feedForecasts folds landed readings into the forecaster, one update per
// present metric. Rejections never fail the batch; the reading is already
// durable.
func (n *Normalizer) feedForecasts(ctx context.Context, landed []domain.Reading) {
	for _, r := range landed {
		for _, metric := range []domain.Metric{domain.MetricTemperature, domain.MetricHumidity} {
			value := r.Value(metric)
			if value == nil {
				continue
			}
			err := n.forecasts.Update(ctx, r.DeviceID, metric, r.EventTime, *value)
			switch {
			case err == nil:
				n.metrics.ForecastUpdates.Inc()
			case errors.Is(err, forecast.ErrOutOfOrder):
				n.metrics.OutOfOrderDropped.Inc()
				n.logger.Debug("out-of-order reading not folded",
					"device_id", r.DeviceID,
					"metric", metric,
					"event_time", r.EventTime)
			default:
				n.logger.Warn("forecast update failed",
					"device_id", r.DeviceID,
					"metric", metric,
					"error", err)
			}
		}
	}
}

// export publishes landed readings when an exporter is configured. Export
// failures are logged and dropped.
func (n *Normalizer) export(ctx context.Context, landed []domain.Reading) {
	if n.exporter == nil || len(landed) == 0 {
		return
	}
	if err := n.exporter.Export(ctx, landed); err != nil {
		n.logger.Warn("export failed", "count", len(landed), "error", err)
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the loop should stop.
func (n *Normalizer) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
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
