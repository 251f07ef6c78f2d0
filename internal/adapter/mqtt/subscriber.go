// Package mqtt captures inbound telemetry messages into the raw log.
//
// The paho message handler never blocks and never writes to the store
// directly: it stamps the arrival time and enqueues the record on a bounded
// buffer that a single writer goroutine drains into SQLite. A store outage
// therefore backs messages up in the buffer while the writer retries, and a
// full buffer is a fatal condition rather than a silent drop.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
)

const (
	defaultBufferSize   = 1024
	disconnectQuiesceMs = 250
)

// RawAppender lands captured messages in the raw log.
type RawAppender interface {
	AppendRaw(ctx context.Context, rec domain.RawRecord) (int64, error)
}

// Subscriber consumes a telemetry topic filter and appends every message to
// the raw capture store.
type Subscriber struct {
	opts     *mqtt.ClientOptions
	appender RawAppender
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock

	topic string
	qos   byte

	buffer       chan domain.RawRecord
	overflow     chan struct{}
	overflowOnce sync.Once

	// Append retry pacing, shortened in tests.
	retryBase time.Duration
	retryMax  time.Duration
}

// NewSubscriber builds a Subscriber from the MQTT settings in cfg. A nil
// clock means wall time. bufferSize <= 0 selects the default capture buffer.
func NewSubscriber(cfg *config.Config, appender RawAppender, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, bufferSize int) *Subscriber {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	s := &Subscriber{
		appender:  appender,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
		topic:     cfg.MQTTTopic,
		qos:       cfg.MQTTQoS,
		buffer:    make(chan domain.RawRecord, bufferSize),
		overflow:  make(chan struct{}),
		retryBase: 200 * time.Millisecond,
		retryMax:  5 * time.Second,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true)
	// Subscriptions do not survive a clean-session reconnect, so they are
	// re-established on every connect.
	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(s.topic, s.qos, s.handleMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", token.Error())
			return
		}
		s.logger.Info("mqtt subscribed", "topic", s.topic, "qos", s.qos)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}
	s.opts = opts

	return s
}

// Run connects to the broker and drains captured messages into the store
// until the context is cancelled. It returns an error only when capture can
// no longer be trusted, which the caller should treat as fatal.
func (s *Subscriber) Run(ctx context.Context) error {
	client := mqtt.NewClient(s.opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	defer client.Disconnect(disconnectQuiesceMs)

	s.logger.Info("capture started", "topic", s.topic, "qos", s.qos)
	return s.consume(ctx)
}

// handleMessage runs on the paho router goroutine. It must not block, so the
// only failure mode is a full buffer, which trips the overflow signal.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	rec := domain.RawRecord{
		ReceivedAt: s.clock.Now().UTC(),
		Topic:      msg.Topic(),
		QoS:        msg.Qos(),
		Retained:   msg.Retained(),
		Payload:    append([]byte(nil), msg.Payload()...),
	}

	select {
	case s.buffer <- rec:
	default:
		s.overflowOnce.Do(func() { close(s.overflow) })
		s.logger.Error("capture buffer full, message lost", "topic", rec.Topic)
	}
}

// consume is the writer loop behind the capture buffer.
func (s *Subscriber) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("capture stopping", "reason", ctx.Err())
			s.drainRemaining()
			return nil
		case <-s.overflow:
			return errors.New("capture buffer overflowed, raw messages were lost")
		case rec := <-s.buffer:
			if err := s.persist(ctx, rec); err != nil {
				s.logger.Info("capture stopping", "reason", err)
				s.drainRemaining()
				return nil
			}
		}
	}
}

// persist appends one record, retrying with exponential backoff until the
// store accepts it. It returns an error only when ctx is cancelled while a
// record is still in hand; the record is then retried by drainRemaining.
func (s *Subscriber) persist(ctx context.Context, rec domain.RawRecord) error {
	backoff := s.retryBase
	for {
		id, err := s.appender.AppendRaw(ctx, rec)
		if err == nil {
			s.metrics.RawCaptured.Inc()
			s.logger.Debug("raw message captured", "raw_id", id, "topic", rec.Topic, "bytes", len(rec.Payload))
			return nil
		}
		if ctx.Err() != nil {
			s.requeue(rec)
			return ctx.Err()
		}

		s.logger.Error("raw append failed, retrying", "topic", rec.Topic, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			s.requeue(rec)
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.retryMax {
			backoff = s.retryMax
		}
	}
}

// requeue puts an unpersisted record back at the front of the shutdown drain.
func (s *Subscriber) requeue(rec domain.RawRecord) {
	select {
	case s.buffer <- rec:
	default:
		s.logger.Error("capture buffer full during shutdown, message lost", "topic", rec.Topic)
	}
}

// drainRemaining makes a final, time-bounded attempt to land whatever is
// still buffered when the subscriber stops, so a clean shutdown does not
// lose acked messages.
func (s *Subscriber) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case rec := <-s.buffer:
			id, err := s.appender.AppendRaw(ctx, rec)
			if err != nil {
				s.logger.Error("raw append failed during shutdown, message lost", "topic", rec.Topic, "error", err)
				continue
			}
			s.metrics.RawCaptured.Inc()
			s.logger.Debug("raw message captured", "raw_id", id, "topic", rec.Topic, "bytes", len(rec.Payload))
		default:
			return
		}
	}
}
