package actuator

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/control"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
	"github.com/couchcryptid/climate-control-etl/internal/retry"
)

const defaultQueueSize = 64

// Sender delivers one command to a device's toggle server.
type Sender interface {
	Send(ctx context.Context, deviceID string, command domain.ActuatorCommand) error
}

// AckRecorder receives the final delivery outcome of a command.
type AckRecorder interface {
	RecordAck(deviceID string, command domain.ActuatorCommand, acked bool)
}

// Worker drains the command queue in the background, retrying each delivery
// with bounded exponential backoff. A dead toggle server costs at most the
// retry budget of its own commands.
type Worker struct {
	sender  Sender
	acks    AckRecorder
	retry   retry.Config
	queue   chan control.Command
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWorker creates a Worker with the given delivery policy. A queueSize of
// zero or less falls back to the default.
func NewWorker(sender Sender, acks AckRecorder, retryCfg retry.Config, queueSize int, logger *slog.Logger, metrics *observability.Metrics) *Worker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Worker{
		sender:  sender,
		acks:    acks,
		retry:   retryCfg,
		queue:   make(chan control.Command, queueSize),
		logger:  logger,
		metrics: metrics,
	}
}

// Submit enqueues a command without blocking and reports whether it was
// accepted. Worker implements control.CommandSink.
func (w *Worker) Submit(cmd control.Command) bool {
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

// Run delivers queued commands until the context is cancelled. Commands
// still queued at shutdown are dropped; the next control cycle re-derives
// the desired state from scratch.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("actuation worker started",
		"queue_capacity", cap(w.queue),
		"max_attempts", w.retry.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("actuation worker stopping", "reason", ctx.Err())
			return nil
		case cmd := <-w.queue:
			w.deliver(ctx, cmd)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, cmd control.Command) {
	err := retry.Do(ctx, w.retry, func() error {
		start := time.Now()
		err := w.sender.Send(ctx, cmd.DeviceID, cmd.Command)
		w.metrics.ActuatorRequestDuration.WithLabelValues(cmd.DeviceID).Observe(time.Since(start).Seconds())
		if err != nil {
			w.metrics.ActuationAttempts.WithLabelValues(cmd.DeviceID, "failed").Inc()
			w.logger.Warn("actuator attempt failed",
				"device_id", cmd.DeviceID,
				"command", cmd.Command,
				"error", err)
		}
		return err
	})
	if err != nil {
		w.metrics.ActuationAttempts.WithLabelValues(cmd.DeviceID, "exhausted").Inc()
		w.acks.RecordAck(cmd.DeviceID, cmd.Command, false)
		w.logger.Error("actuation failed, giving up until the next control cycle",
			"device_id", cmd.DeviceID,
			"command", cmd.Command,
			"error", err)
		return
	}

	w.metrics.ActuationAttempts.WithLabelValues(cmd.DeviceID, "accepted").Inc()
	w.acks.RecordAck(cmd.DeviceID, cmd.Command, true)
	w.logger.Info("actuator command accepted", "device_id", cmd.DeviceID, "command", cmd.Command)
}
