package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes normalized readings to a Kafka topic.
// It implements normalizer.Exporter.
type Writer struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWriter creates a Kafka producer for the configured export topic.
func NewWriter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaExportTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	metrics.ExportEnabled.Set(1)
	return &Writer{writer: w, logger: logger, metrics: metrics}
}

// Export serializes and publishes a batch of readings to the export topic in
// a single WriteMessages call for efficiency. The normalizer only hands over
// newly inserted readings, so replayed captures are never exported twice.
func (w *Writer) Export(ctx context.Context, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(readings))
	for i := range readings {
		msg, err := serializeToMessage(readings[i])
		if err != nil {
			w.metrics.ExportErrors.Inc()
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		w.metrics.ExportErrors.Inc()
		return fmt.Errorf("write readings to kafka: %w", err)
	}
	w.metrics.ReadingsExported.Add(float64(len(readings)))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Reading into a Kafka message keyed by device
// so one device's readings stay in partition order.
func serializeToMessage(reading domain.Reading) (kafkago.Message, error) {
	data, err := json.Marshal(reading)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(reading.DeviceID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_time", Value: []byte(reading.EventTime.Format(time.RFC3339))},
			{Key: "provenance", Value: []byte(reading.Provenance)},
		},
	}, nil
}
