//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	kafkaadapter "github.com/couchcryptid/climate-control-etl/internal/adapter/kafka"
	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/forecast"
	"github.com/couchcryptid/climate-control-etl/internal/normalizer"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

const testExportTopic = "test-normalized-readings"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node Kafka container and returns its broker address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "resolve kafka brokers")
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err, "dial kafka")
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// exportedMessage holds a deserialized message read from the export topic.
type exportedMessage struct {
	Reading domain.Reading
	Key     string
	Headers map[string]string
}

// readExported reads a single message from the export topic and deserializes it.
func readExported(ctx context.Context, t *testing.T, consumer *kafkago.Reader) exportedMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from export topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var reading domain.Reading
	require.NoError(t, json.Unmarshal(msg.Value, &reading), "unmarshal exported reading")

	return exportedMessage{
		Reading: reading,
		Key:     string(msg.Key),
		Headers: headers,
	}
}

func captureJSON(t *testing.T, device string, ts time.Time, temp, hum float64) domain.RawRecord {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"device_id":   device,
		"temperature": temp,
		"humidity":    hum,
		"ts":          ts.UnixMilli(),
	})
	require.NoError(t, err)
	return domain.RawRecord{
		ReceivedAt: ts,
		Topic:      "MSN/group6/sensors/" + device,
		Payload:    payload,
	}
}

// TestExportRoundTrip runs raw captures through the normalizer with a real
// Kafka broker behind the exporter and verifies that each reading is
// published exactly once, keyed by device, even when captures are replayed.
func TestExportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testExportTopic)

	db, err := store.Open(filepath.Join(t.TempDir(), "climate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		KafkaBrokers:     []string{broker},
		KafkaExportTopic: testExportTopic,
		ExportEnabled:    true,
	}

	metrics := observability.NewMetricsForTesting()
	writer := kafkaadapter.NewWriter(cfg, discardLogger(), metrics)
	t.Cleanup(func() { _ = writer.Close() })

	forecaster, err := forecast.New(db, "ses", forecast.Params{
		Alpha: 0.5,
		Step:  time.Minute,
	}, discardLogger())
	require.NoError(t, err)

	norm := normalizer.New(db, db, forecaster, writer, discardLogger(), metrics, 50, time.Second)

	// Two distinct readings, one broker-level redelivery of the first, and
	// one garbage payload.
	base := time.Date(2026, time.February, 11, 9, 0, 0, 0, time.UTC)
	first := captureJSON(t, "rpi-cellar", base, 21.5, 62.0)
	second := captureJSON(t, "rpi-cellar", base.Add(time.Minute), 21.6, 63.5)
	garbage := domain.RawRecord{
		ReceivedAt: base,
		Topic:      "MSN/group6/sensors/rpi-cellar",
		Payload:    []byte("### not a payload ###"),
	}
	for _, rec := range []domain.RawRecord{first, second, first, garbage} {
		_, err := db.AppendRaw(ctx, rec)
		require.NoError(t, err)
	}

	res, err := norm.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, normalizer.Result{Processed: 4, Inserted: 2, Duplicates: 1, Failed: 1}, res)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testExportTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	got := []exportedMessage{
		readExported(ctx, t, consumer),
		readExported(ctx, t, consumer),
	}
	for _, m := range got {
		assert.Equal(t, "rpi-cellar", m.Key)
		assert.Equal(t, "rpi-cellar", m.Reading.DeviceID)
		require.Contains(t, m.Headers, "event_time")
		_, err := time.Parse(time.RFC3339, m.Headers["event_time"])
		assert.NoError(t, err, "event_time header should be RFC3339")
		assert.Contains(t, m.Headers, "provenance")
	}
	require.NotNil(t, got[0].Reading.Humidity)
	assert.Equal(t, 62.0, *got[0].Reading.Humidity)
	assert.Equal(t, base, got[0].Reading.EventTime)
	require.NotNil(t, got[1].Reading.Humidity)
	assert.Equal(t, 63.5, *got[1].Reading.Humidity)

	// The redelivered capture deduplicated inside the store, so no third
	// message may appear.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no message for the redelivered capture")

	// The garbage payload became a parse failure, not an export.
	failures, err := db.ListParseFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	// A full replay of the same captures lands nothing new and exports
	// nothing new.
	for _, rec := range []domain.RawRecord{first, second} {
		_, err := db.AppendRaw(ctx, rec)
		require.NoError(t, err)
	}
	res, err = norm.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, normalizer.Result{Processed: 2, Duplicates: 2}, res)

	readCtx, readCancel = context.WithTimeout(ctx, 5*time.Second)
	_, err = consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no exports from a replayed batch")
}
