package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type stubAppender struct {
	mu       sync.Mutex
	failures int
	calls    int
	records  []domain.RawRecord
}

func (a *stubAppender) AppendRaw(_ context.Context, rec domain.RawRecord) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return 0, errors.New("disk full")
	}
	a.records = append(a.records, rec)
	return int64(len(a.records)), nil
}

func (a *stubAppender) stored() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func newTestSubscriber(appender RawAppender, clock clockwork.Clock, bufferSize int) *Subscriber {
	cfg := &config.Config{
		MQTTBroker:   "tcp://localhost:1883",
		MQTTTopic:    "MSN/group6/#",
		MQTTClientID: "capture-test",
		MQTTQoS:      1,
	}
	s := NewSubscriber(cfg, appender, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting(), clock, bufferSize)
	s.retryBase = time.Millisecond
	s.retryMax = 5 * time.Millisecond
	return s
}

func TestHandleMessage_CapturesDeliveryMetadata(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	payload := []byte(`{"device_id":"rpi-cellar","humidity":55}`)
	s := newTestSubscriber(&stubAppender{}, clock, 4)

	s.handleMessage(nil, fakeMessage{
		topic:    "MSN/group6/sensors/rpi-cellar",
		qos:      1,
		retained: true,
		payload:  payload,
	})

	var rec domain.RawRecord
	select {
	case rec = <-s.buffer:
	default:
		t.Fatal("no record buffered")
	}

	assert.Equal(t, "MSN/group6/sensors/rpi-cellar", rec.Topic)
	assert.Equal(t, byte(1), rec.QoS)
	assert.True(t, rec.Retained)
	assert.Equal(t, testBase, rec.ReceivedAt)
	assert.Equal(t, string(payload), string(rec.Payload))

	// The record owns its bytes.
	payload[0] = 'X'
	assert.Equal(t, byte('{'), rec.Payload[0])
}

func TestConsume_PersistsBufferedMessages(t *testing.T) {
	appender := &stubAppender{}
	s := newTestSubscriber(appender, nil, 8)

	for i := 0; i < 3; i++ {
		s.handleMessage(nil, fakeMessage{topic: "MSN/group6/sensors/rpi-cellar", payload: []byte(`{}`)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.consume(ctx) }()

	require.Eventually(t, func() bool { return appender.stored() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestConsume_BufferOverflowIsFatal(t *testing.T) {
	s := newTestSubscriber(&stubAppender{}, nil, 1)

	s.handleMessage(nil, fakeMessage{topic: "a", payload: []byte("1")})
	s.handleMessage(nil, fakeMessage{topic: "b", payload: []byte("2")})

	err := s.consume(context.Background())
	require.ErrorContains(t, err, "capture buffer overflowed")
}

func TestConsume_DrainsBufferOnCancel(t *testing.T) {
	appender := &stubAppender{}
	s := newTestSubscriber(appender, nil, 8)

	s.handleMessage(nil, fakeMessage{topic: "a", payload: []byte("1")})
	s.handleMessage(nil, fakeMessage{topic: "b", payload: []byte("2")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.consume(ctx))
	assert.Equal(t, 2, appender.stored(), "buffered messages must land during shutdown")
}

func TestPersist_RetriesUntilStoreAccepts(t *testing.T) {
	appender := &stubAppender{failures: 2}
	s := newTestSubscriber(appender, nil, 4)

	err := s.persist(context.Background(), domain.RawRecord{Topic: "a", Payload: []byte("1")})

	require.NoError(t, err)
	assert.Equal(t, 3, appender.calls)
	assert.Equal(t, 1, appender.stored())
}

func TestNewSubscriber_Defaults(t *testing.T) {
	s := newTestSubscriber(&stubAppender{}, nil, 0)

	assert.Equal(t, defaultBufferSize, cap(s.buffer))
	assert.NotNil(t, s.clock)
}
