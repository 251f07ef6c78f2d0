package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// ErrOutOfOrder reports a reading older than the last folded observation for
// its key. Exponential smoothing has no way to insert into the past, so the
// reading is rejected and the state left untouched.
var ErrOutOfOrder = errors.New("reading older than last folded observation")

// ErrNoState reports that no observations have been folded for a key yet.
var ErrNoState = errors.New("no forecast state for device and metric")

// StateStore persists smoothing state across restarts.
type StateStore interface {
	LoadForecastState(ctx context.Context, deviceID string, metric domain.Metric, model string) (*domain.ForecastState, error)
	SaveForecastState(ctx context.Context, st domain.ForecastState) error
	DeleteForecastState(ctx context.Context, deviceID string, metric domain.Metric, model string) error
}

// Point is one forecast step: the projected time and predicted value.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Engine maintains one smoothing state per (device, metric) under the
// configured model, persisting every fold so state survives restart. Updates
// for the same key are serialized; different keys proceed in parallel.
type Engine struct {
	store  StateStore
	model  string
	params Params
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*domain.ForecastState
}

// New validates the model and parameters and returns an Engine.
func New(store StateStore, model string, params Params, logger *slog.Logger) (*Engine, error) {
	if err := params.Validate(model); err != nil {
		return nil, err
	}
	if params.Step <= 0 {
		params.Step = time.Minute
	}
	return &Engine{
		store:  store,
		model:  model,
		params: params,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		states: make(map[string]*domain.ForecastState),
	}, nil
}

// Model returns the configured model name.
func (e *Engine) Model() string { return e.model }

// Update folds one observation into the state for (deviceID, metric) and
// persists the result. Observations must arrive in non-decreasing event-time
// order per key; an older reading returns ErrOutOfOrder without mutating
// anything.
func (e *Engine) Update(ctx context.Context, deviceID string, metric domain.Metric, eventTime time.Time, value float64) error {
	lock := e.keyLock(deviceID, metric)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, deviceID, metric)
	if err != nil {
		return err
	}
	if st == nil {
		st = &domain.ForecastState{
			DeviceID: deviceID,
			Metric:   metric,
			Model:    e.model,
		}
	}
	if st.Observations > 0 && eventTime.Before(st.LastEventTime) {
		return fmt.Errorf("%w: %s %s at %s, last %s", ErrOutOfOrder,
			deviceID, metric, eventTime.Format(time.RFC3339), st.LastEventTime.Format(time.RFC3339))
	}

	next := Fold(*st, e.params, value)
	next.LastEventTime = eventTime.UTC()

	if err := e.store.SaveForecastState(ctx, next); err != nil {
		return fmt.Errorf("persist forecast state: %w", err)
	}
	e.cacheState(deviceID, metric, &next)
	return nil
}

// Forecast returns steps point forecasts for (deviceID, metric), one per
// step interval past the last folded observation.
func (e *Engine) Forecast(ctx context.Context, deviceID string, metric domain.Metric, steps int) ([]Point, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}

	lock := e.keyLock(deviceID, metric)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, deviceID, metric)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoState, deviceID, metric)
	}

	points := make([]Point, steps)
	for h := 1; h <= steps; h++ {
		points[h-1] = Point{
			Time:  st.LastEventTime.Add(time.Duration(h) * e.params.Step),
			Value: PointValue(*st, e.params, h),
		}
	}
	return points, nil
}

// Next is shorthand for the one-step-ahead forecast value, used by the
// control loop.
func (e *Engine) Next(ctx context.Context, deviceID string, metric domain.Metric) (float64, error) {
	points, err := e.Forecast(ctx, deviceID, metric, 1)
	if err != nil {
		return 0, err
	}
	return points[0].Value, nil
}

// Reset deletes the persisted and cached state for a key. The only sanctioned
// rollback of forecast state.
func (e *Engine) Reset(ctx context.Context, deviceID string, metric domain.Metric) error {
	lock := e.keyLock(deviceID, metric)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.DeleteForecastState(ctx, deviceID, metric, e.model); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.states, stateKey(deviceID, metric))
	e.mu.Unlock()
	e.logger.Info("forecast state reset", "device_id", deviceID, "metric", metric, "model", e.model)
	return nil
}

// loadState returns the cached state or falls through to the store. Callers
// hold the key lock, so per-key loads never race.
func (e *Engine) loadState(ctx context.Context, deviceID string, metric domain.Metric) (*domain.ForecastState, error) {
	e.mu.Lock()
	cached, ok := e.states[stateKey(deviceID, metric)]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	st, err := e.store.LoadForecastState(ctx, deviceID, metric, e.model)
	if err != nil {
		return nil, fmt.Errorf("load forecast state: %w", err)
	}
	if st != nil {
		e.cacheState(deviceID, metric, st)
	}
	return st, nil
}

func (e *Engine) cacheState(deviceID string, metric domain.Metric, st *domain.ForecastState) {
	e.mu.Lock()
	e.states[stateKey(deviceID, metric)] = st
	e.mu.Unlock()
}

func (e *Engine) keyLock(deviceID string, metric domain.Metric) *sync.Mutex {
	key := stateKey(deviceID, metric)
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

func stateKey(deviceID string, metric domain.Metric) string {
	return deviceID + "|" + string(metric)
}
