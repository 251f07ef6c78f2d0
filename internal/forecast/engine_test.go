package forecast_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/forecast"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func desParams() forecast.Params {
	return forecast.Params{Alpha: 0.5, Beta: 0.5, Step: time.Minute}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forecast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s *store.Store) *forecast.Engine {
	t.Helper()
	eng, err := forecast.New(s, forecast.ModelDES, desParams(), testLogger())
	require.NoError(t, err)
	return eng
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	_, err := forecast.New(newTestStore(t), forecast.ModelDES, forecast.Params{Alpha: 0}, testLogger())
	assert.Error(t, err)

	_, err = forecast.New(newTestStore(t), "arima", desParams(), testLogger())
	assert.Error(t, err)
}

func TestUpdateAndForecast(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, newTestStore(t))

	for i, v := range []float64{10, 14, 20} {
		err := eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Duration(i)*time.Minute), v)
		require.NoError(t, err)
	}

	points, err := eng.Forecast(ctx, "rpi-1", domain.MetricHumidity, 2)
	require.NoError(t, err)
	require.Len(t, points, 2)

	// Holt state after 10, 14, 20 with alpha=beta=0.5: level 19, trend 4.5.
	last := testBase.Add(2 * time.Minute)
	assert.Equal(t, last.Add(time.Minute), points[0].Time)
	assert.InDelta(t, 23.5, points[0].Value, 1e-9)
	assert.Equal(t, last.Add(2*time.Minute), points[1].Time)
	assert.InDelta(t, 28.0, points[1].Value, 1e-9)

	next, err := eng.Next(ctx, "rpi-1", domain.MetricHumidity)
	require.NoError(t, err)
	assert.InDelta(t, 23.5, next, 1e-9)
}

func TestUpdate_RejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, newTestStore(t))

	require.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase, 50))
	require.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Minute), 52))

	before, err := eng.Forecast(ctx, "rpi-1", domain.MetricHumidity, 3)
	require.NoError(t, err)

	err = eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(-time.Second), 99)
	require.ErrorIs(t, err, forecast.ErrOutOfOrder)

	after, err := eng.Forecast(ctx, "rpi-1", domain.MetricHumidity, 3)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected reading must leave state untouched")

	// Equal event times are in order: repeated reads at the same tick fold.
	assert.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Minute), 52))
}

func TestUpdate_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, newTestStore(t))

	require.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Hour), 50))

	// A reading far older than rpi-1's history is fine for another device,
	// and for another metric of the same device.
	assert.NoError(t, eng.Update(ctx, "rpi-2", domain.MetricHumidity, testBase, 40))
	assert.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricTemperature, testBase, 21.5))
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "forecast.db")

	s1, err := store.Open(path)
	require.NoError(t, err)
	eng1, err := forecast.New(s1, forecast.ModelDES, desParams(), testLogger())
	require.NoError(t, err)

	require.NoError(t, eng1.Update(ctx, "rpi-1", domain.MetricHumidity, testBase, 10))
	require.NoError(t, eng1.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Minute), 14))
	require.NoError(t, s1.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })
	eng2, err := forecast.New(s2, forecast.ModelDES, desParams(), testLogger())
	require.NoError(t, err)

	// The fresh engine picks up where the old one stopped.
	require.NoError(t, eng2.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(2*time.Minute), 20))
	next, err := eng2.Next(ctx, "rpi-1", domain.MetricHumidity)
	require.NoError(t, err)
	assert.InDelta(t, 23.5, next, 1e-9)

	err = eng2.Update(ctx, "rpi-1", domain.MetricHumidity, testBase.Add(time.Minute), 12)
	assert.ErrorIs(t, err, forecast.ErrOutOfOrder, "ordering survives restart too")
}

func TestForecast_NoState(t *testing.T) {
	eng := newTestEngine(t, newTestStore(t))

	_, err := eng.Forecast(context.Background(), "ghost", domain.MetricHumidity, 1)
	assert.ErrorIs(t, err, forecast.ErrNoState)

	_, err = eng.Next(context.Background(), "ghost", domain.MetricHumidity)
	assert.ErrorIs(t, err, forecast.ErrNoState)
}

func TestForecast_StepsValidated(t *testing.T) {
	eng := newTestEngine(t, newTestStore(t))

	_, err := eng.Forecast(context.Background(), "rpi-1", domain.MetricHumidity, 0)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	eng := newTestEngine(t, s)

	require.NoError(t, eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase, 50))
	require.NoError(t, eng.Reset(ctx, "rpi-1", domain.MetricHumidity))

	_, err := eng.Forecast(ctx, "rpi-1", domain.MetricHumidity, 1)
	assert.ErrorIs(t, err, forecast.ErrNoState)

	// Gone from the store as well, not just the cache.
	other := newTestEngine(t, s)
	_, err = other.Forecast(ctx, "rpi-1", domain.MetricHumidity, 1)
	assert.ErrorIs(t, err, forecast.ErrNoState)
}

type failingStateStore struct {
	saveErr error
}

func (f *failingStateStore) LoadForecastState(context.Context, string, domain.Metric, string) (*domain.ForecastState, error) {
	return nil, nil
}

func (f *failingStateStore) SaveForecastState(context.Context, domain.ForecastState) error {
	return f.saveErr
}

func (f *failingStateStore) DeleteForecastState(context.Context, string, domain.Metric, string) error {
	return nil
}

func TestUpdate_SaveFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	eng, err := forecast.New(&failingStateStore{saveErr: boom}, forecast.ModelDES, desParams(), testLogger())
	require.NoError(t, err)

	err = eng.Update(ctx, "rpi-1", domain.MetricHumidity, testBase, 50)
	require.ErrorIs(t, err, boom)

	// The failed fold must not linger in memory as if it had been persisted.
	_, err = eng.Forecast(ctx, "rpi-1", domain.MetricHumidity, 1)
	assert.ErrorIs(t, err, forecast.ErrNoState)
}
