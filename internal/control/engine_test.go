package control_test

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

	"github.com/couchcryptid/climate-control-etl/internal/control"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
)

const testDevice = "rpi-cellar"

type stubReadings struct {
	mu      sync.Mutex
	reading *domain.Reading
	err     error
}

func (s *stubReadings) LatestReading(_ context.Context, _ string) (*domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading, s.err
}

func (s *stubReadings) set(r *domain.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
}

type stubForecasts struct {
	value float64
	err   error
}

func (s *stubForecasts) Next(_ context.Context, _ string, _ domain.Metric) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.value, nil
}

type recordingSink struct {
	mu   sync.Mutex
	cmds []control.Command
	full bool
}

func (s *recordingSink) Submit(cmd control.Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.cmds = append(s.cmds, cmd)
	return true
}

func (s *recordingSink) commands() []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Command(nil), s.cmds...)
}

func humidityReading(ts time.Time, pct float64) *domain.Reading {
	return &domain.Reading{
		DeviceID:  testDevice,
		EventTime: ts,
		Humidity:  &pct,
	}
}

func testThresholds() control.Thresholds {
	return control.Thresholds{UpperPct: 60, LowerPct: 40, MinDwell: 5 * time.Minute, MaxAge: 5 * time.Minute}
}

func newTestEngine(t *testing.T, readings *stubReadings, forecasts *stubForecasts, sink *recordingSink, clock clockwork.Clock) *control.Engine {
	t.Helper()
	eng, err := control.New(readings, forecasts, sink, control.Params{
		Devices:    []string{testDevice},
		Thresholds: testThresholds(),
		Interval:   15 * time.Second,
		Clock:      clock,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	require.NoError(t, err)
	return eng
}

func TestNew_Validation(t *testing.T) {
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	_, err := control.New(readings, forecasts, sink, control.Params{
		Devices:    nil,
		Thresholds: testThresholds(),
		Interval:   time.Second,
	}, logger, metrics)
	assert.Error(t, err, "no devices")

	bad := testThresholds()
	bad.LowerPct, bad.UpperPct = 60, 40
	_, err = control.New(readings, forecasts, sink, control.Params{
		Devices:    []string{testDevice},
		Thresholds: bad,
		Interval:   time.Second,
	}, logger, metrics)
	assert.Error(t, err, "inverted band")

	_, err = control.New(readings, forecasts, sink, control.Params{
		Devices:    []string{testDevice},
		Thresholds: testThresholds(),
		Interval:   0,
	}, logger, metrics)
	assert.Error(t, err, "zero interval")
}

// Upper 60, lower 40, dwell 5m, readings one minute apart: 55, 61, 58, 39,
// 41. The 61 switches the fan on; the 39 wants it off but lands inside the
// dwell window and is rejected; the 41 is inside the band. Exactly one
// command leaves the engine and the fan stays on.
func TestHysteresisWithDwell(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	for i, pct := range []float64{55, 61, 58, 39, 41} {
		if i > 0 {
			clock.Advance(time.Minute)
		}
		readings.set(humidityReading(clock.Now(), pct))
		require.NoError(t, eng.Evaluate(ctx, testDevice))
	}

	cmds := sink.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, domain.CommandOn, cmds[0].Command)
	assert.Contains(t, cmds[0].Reason, "61.0%")

	st, err := eng.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandOn, st.Commanded)

	// Two more minutes puts the last transition a full dwell in the past,
	// so the same low reading now switches the fan off.
	clock.Advance(2 * time.Minute)
	readings.set(humidityReading(clock.Now(), 39))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	cmds = sink.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, domain.CommandOff, cmds[1].Command)
}

func TestForecastTriggersPreemptiveOn(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{value: 65}
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	readings.set(humidityReading(clock.Now(), 50))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	cmds := sink.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, domain.CommandOn, cmds[0].Command)
	assert.Contains(t, cmds[0].Reason, "forecast")
}

func TestForecastDoesNotTriggerOff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{value: 10} // predicted dry
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	readings.set(humidityReading(clock.Now(), 70))
	require.NoError(t, eng.Evaluate(ctx, testDevice))
	require.Len(t, sink.commands(), 1)

	// Observed humidity is still inside the band: a dry forecast alone must
	// not switch the fan off.
	clock.Advance(10 * time.Minute)
	readings.set(humidityReading(clock.Now(), 50))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	assert.Len(t, sink.commands(), 1)
	st, err := eng.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandOn, st.Commanded)
}

func TestStaleReadingHoldsState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	stale := humidityReading(clock.Now(), 90)
	clock.Advance(10 * time.Minute)
	readings.set(stale)
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	assert.Empty(t, sink.commands(), "stale readings must not actuate")

	// A reading without humidity holds the state too.
	readings.set(&domain.Reading{DeviceID: testDevice, EventTime: clock.Now()})
	require.NoError(t, eng.Evaluate(ctx, testDevice))
	assert.Empty(t, sink.commands())
}

func TestOverridePinsState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	readings.set(humidityReading(clock.Now(), 80))
	require.NoError(t, eng.Evaluate(ctx, testDevice))
	require.Len(t, sink.commands(), 1)

	// Forcing the fan off right after the automatic ON ignores the dwell.
	require.NoError(t, eng.SetOverride(testDevice, domain.OverrideOff))
	cmds := sink.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, domain.CommandOff, cmds[1].Command)
	assert.Equal(t, "operator override", cmds[1].Reason)

	// High humidity cannot fight the override.
	clock.Advance(time.Hour)
	readings.set(humidityReading(clock.Now(), 95))
	require.NoError(t, eng.Evaluate(ctx, testDevice))
	assert.Len(t, sink.commands(), 2)

	st, err := eng.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, domain.OverrideOff, st.Override)

	// Clearing the override resumes automatic control; the override change
	// started a fresh dwell window, so move past it first.
	require.NoError(t, eng.SetOverride(testDevice, domain.OverrideNone))
	clock.Advance(time.Hour)
	readings.set(humidityReading(clock.Now(), 95))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	cmds = sink.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, domain.CommandOn, cmds[2].Command)
}

func TestSetOverride_Validation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := newTestEngine(t, &stubReadings{}, &stubForecasts{}, &recordingSink{}, clock)

	assert.ErrorIs(t, eng.SetOverride("ghost", domain.OverrideOn), control.ErrUnknownDevice)
	assert.Error(t, eng.SetOverride(testDevice, domain.OverrideMode("auto")))
}

func TestRecordAck(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	readings.set(humidityReading(clock.Now(), 80))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	st, err := eng.State(testDevice)
	require.NoError(t, err)
	assert.False(t, st.LastAck, "new command starts unacked")

	// An outcome for a superseded command is discarded.
	eng.RecordAck(testDevice, domain.CommandOff, true)
	st, _ = eng.State(testDevice)
	assert.False(t, st.LastAck)

	eng.RecordAck(testDevice, domain.CommandOn, true)
	st, _ = eng.State(testDevice)
	assert.True(t, st.LastAck)
}

func TestFullQueueStillTransitions(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{full: true}
	eng := newTestEngine(t, readings, forecasts, sink, clock)

	readings.set(humidityReading(clock.Now(), 80))
	require.NoError(t, eng.Evaluate(ctx, testDevice))

	assert.Empty(t, sink.commands())
	st, err := eng.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandOn, st.Commanded, "decision stands even when the queue is full")
}

func TestEvaluate_UnknownDevice(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := newTestEngine(t, &stubReadings{}, &stubForecasts{}, &recordingSink{}, clock)

	assert.ErrorIs(t, eng.Evaluate(context.Background(), "ghost"), control.ErrUnknownDevice)
}

func TestStates_AllDevices(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := newTestEngine(t, &stubReadings{}, &stubForecasts{}, &recordingSink{}, clock)

	states := eng.States()
	require.Len(t, states, 1)
	assert.Equal(t, testDevice, states[0].DeviceID)
	assert.Equal(t, domain.CommandOff, states[0].Commanded)
	assert.True(t, states[0].LastChangeAt.IsZero())
}

func TestRun_EvaluatesOnTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readings := &stubReadings{}
	forecasts := &stubForecasts{err: errors.New("no state")}
	sink := &recordingSink{}
	readings.set(humidityReading(time.Now(), 80))

	eng, err := control.New(readings, forecasts, sink, control.Params{
		Devices:    []string{testDevice},
		Thresholds: testThresholds(),
		Interval:   10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.commands()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
