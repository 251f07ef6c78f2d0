// Package control decides when each device's fan turns on or off. It runs a
// bang-bang state machine with hysteresis over observed and forecast
// humidity: ON at or above the upper threshold, OFF at or below the lower
// one, with a minimum dwell between transitions so the fan never flaps.
// Commands are edge-triggered: one command per accepted transition, handed to
// the actuation queue without blocking.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/observability"
)

// ErrUnknownDevice is returned for device ids outside the configured set.
var ErrUnknownDevice = errors.New("device is not controlled")

// Command is one actuation order, emitted on an accepted transition.
type Command struct {
	DeviceID string
	Command  domain.ActuatorCommand
	IssuedAt time.Time
	Reason   string
}

// CommandSink accepts commands without blocking. Submit reports whether the
// command was queued; a false return means the command was dropped and the
// next control cycle must re-derive it.
type CommandSink interface {
	Submit(cmd Command) bool
}

// LatestReader supplies the newest structured reading for a device.
type LatestReader interface {
	LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error)
}

// Forecaster supplies the one-step-ahead forecast for a device metric.
type Forecaster interface {
	Next(ctx context.Context, deviceID string, metric domain.Metric) (float64, error)
}

// Thresholds holds the hysteresis band and the guards around it.
type Thresholds struct {
	UpperPct float64       // at or above: fan on
	LowerPct float64       // at or below: fan off
	MinDwell time.Duration // minimum time between transitions
	MaxAge   time.Duration // readings older than this are stale
}

// Validate checks the band ordering and the guard durations.
func (t Thresholds) Validate() error {
	if t.LowerPct < 0 || t.UpperPct > 100 || t.LowerPct >= t.UpperPct {
		return fmt.Errorf("thresholds must satisfy 0 <= lower < upper <= 100, got %g/%g", t.LowerPct, t.UpperPct)
	}
	if t.MinDwell <= 0 {
		return fmt.Errorf("min dwell must be positive, got %s", t.MinDwell)
	}
	if t.MaxAge <= 0 {
		return fmt.Errorf("reading max age must be positive, got %s", t.MaxAge)
	}
	return nil
}

// Params holds the engine knobs. A nil Clock means wall-clock time.
type Params struct {
	Devices    []string
	Thresholds Thresholds
	Interval   time.Duration
	Clock      clockwork.Clock
}

type deviceState struct {
	commanded    domain.ActuatorCommand
	lastChangeAt time.Time // zero until the first transition
	lastAck      bool
	override     domain.OverrideMode
}

// Engine evaluates all controlled devices once per interval. Every device
// starts commanded OFF: after a restart the actual fan state is unknown, and
// off is the safe assumption until the hysteresis asks for more.
type Engine struct {
	readings  LatestReader
	forecasts Forecaster
	sink      CommandSink
	devices   []string
	th        Thresholds
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	states map[string]*deviceState
}

// New creates an Engine for the configured devices.
func New(readings LatestReader, forecasts Forecaster, sink CommandSink, p Params, logger *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if err := p.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if len(p.Devices) == 0 {
		return nil, fmt.Errorf("no devices to control")
	}
	if p.Interval <= 0 {
		return nil, fmt.Errorf("control interval must be positive, got %s", p.Interval)
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	states := make(map[string]*deviceState, len(p.Devices))
	for _, device := range p.Devices {
		states[device] = &deviceState{commanded: domain.CommandOff}
	}

	return &Engine{
		readings:  readings,
		forecasts: forecasts,
		sink:      sink,
		devices:   p.Devices,
		th:        p.Thresholds,
		interval:  p.Interval,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		states:    states,
	}, nil
}

// Run evaluates every device once per interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("control loop started",
		"devices", e.devices,
		"interval", e.interval,
		"upper_pct", e.th.UpperPct,
		"lower_pct", e.th.LowerPct,
		"min_dwell", e.th.MinDwell)

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("control loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			for _, device := range e.devices {
				if err := e.Evaluate(ctx, device); err != nil {
					e.logger.Error("control evaluation failed", "device_id", device, "error", err)
				}
			}
		}
	}
}

// Evaluate runs one decision cycle for a device: fetch the latest reading and
// the one-step forecast, then apply the hysteresis.
func (e *Engine) Evaluate(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	_, known := e.states[deviceID]
	e.mu.Unlock()
	if !known {
		return fmt.Errorf("device %q: %w", deviceID, ErrUnknownDevice)
	}

	reading, err := e.readings.LatestReading(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("latest reading for %s: %w", deviceID, err)
	}

	var predicted *float64
	if v, err := e.forecasts.Next(ctx, deviceID, domain.MetricHumidity); err == nil {
		predicted = &v
	}

	e.decide(deviceID, reading, predicted)
	return nil
}

// decide applies the state machine for one device given its inputs.
func (e *Engine) decide(deviceID string, reading *domain.Reading, predicted *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[deviceID]
	now := e.clock.Now()

	// An operator override pins the commanded state until cleared.
	if st.override != domain.OverrideNone {
		return
	}

	if reading == nil || reading.Humidity == nil {
		e.reject(deviceID, "no_data", "no humidity reading available")
		return
	}
	if age := now.Sub(reading.EventTime); age > e.th.MaxAge {
		e.reject(deviceID, "stale", fmt.Sprintf("latest reading is %s old", age.Round(time.Second)))
		return
	}

	observed := *reading.Humidity
	desired := st.commanded
	var reason string

	switch st.commanded {
	case domain.CommandOff:
		if observed >= e.th.UpperPct {
			desired = domain.CommandOn
			reason = fmt.Sprintf("humidity %.1f%% at or above upper %.1f%%", observed, e.th.UpperPct)
		} else if predicted != nil && *predicted >= e.th.UpperPct {
			desired = domain.CommandOn
			reason = fmt.Sprintf("forecast humidity %.1f%% at or above upper %.1f%%", *predicted, e.th.UpperPct)
		}
	case domain.CommandOn:
		if observed <= e.th.LowerPct {
			desired = domain.CommandOff
			reason = fmt.Sprintf("humidity %.1f%% at or below lower %.1f%%", observed, e.th.LowerPct)
		}
	}

	if desired == st.commanded {
		return
	}

	if !st.lastChangeAt.IsZero() {
		if held := now.Sub(st.lastChangeAt); held < e.th.MinDwell {
			e.metrics.ControlRejections.WithLabelValues(deviceID, "dwell").Inc()
			e.logger.Warn("transition rejected by dwell guard",
				"device_id", deviceID,
				"desired", desired,
				"held_for", held.Round(time.Second),
				"min_dwell", e.th.MinDwell,
				"reason", reason)
			return
		}
	}

	e.transition(st, deviceID, desired, now, reason)
}

// reject logs and counts an evaluation that could not produce a decision.
func (e *Engine) reject(deviceID, label, detail string) {
	e.metrics.ControlRejections.WithLabelValues(deviceID, label).Inc()
	e.logger.Warn("control evaluation skipped", "device_id", deviceID, "cause", label, "detail", detail)
}

// transition flips the commanded state and queues the command. Callers hold e.mu.
func (e *Engine) transition(st *deviceState, deviceID string, desired domain.ActuatorCommand, now time.Time, reason string) {
	st.commanded = desired
	st.lastChangeAt = now
	st.lastAck = false

	e.metrics.ControlTransitions.WithLabelValues(deviceID, string(desired)).Inc()
	e.logger.Info("fan state transition",
		"device_id", deviceID,
		"command", desired,
		"reason", reason)

	cmd := Command{DeviceID: deviceID, Command: desired, IssuedAt: now, Reason: reason}
	if !e.sink.Submit(cmd) {
		e.metrics.ActuationDroppedCommand.Inc()
		e.logger.Warn("actuation queue full, command dropped", "device_id", deviceID, "command", desired)
	}
}

// SetOverride pins a device on or off, or returns it to automatic control
// with OverrideNone. Override transitions skip the dwell guard.
func (e *Engine) SetOverride(deviceID string, mode domain.OverrideMode) error {
	switch mode {
	case domain.OverrideNone, domain.OverrideOn, domain.OverrideOff:
	default:
		return fmt.Errorf("unknown override mode %q", mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[deviceID]
	if !ok {
		return fmt.Errorf("device %q: %w", deviceID, ErrUnknownDevice)
	}

	st.override = mode
	e.logger.Info("override changed", "device_id", deviceID, "mode", overrideLabel(mode))

	var desired domain.ActuatorCommand
	switch mode {
	case domain.OverrideOn:
		desired = domain.CommandOn
	case domain.OverrideOff:
		desired = domain.CommandOff
	default:
		// Back to automatic: the next evaluation decides.
		return nil
	}

	if desired != st.commanded {
		e.transition(st, deviceID, desired, e.clock.Now(), "operator override")
	}
	return nil
}

// RecordAck notes the delivery outcome for the most recent command of a
// device. Outcomes for superseded commands are discarded.
func (e *Engine) RecordAck(deviceID string, command domain.ActuatorCommand, acked bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[deviceID]
	if !ok || st.commanded != command {
		return
	}
	st.lastAck = acked
}

// State returns the actuator view of one device.
func (e *Engine) State(deviceID string) (domain.ActuatorState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[deviceID]
	if !ok {
		return domain.ActuatorState{}, fmt.Errorf("device %q: %w", deviceID, ErrUnknownDevice)
	}
	return e.snapshot(deviceID, st), nil
}

// States returns the actuator view of every controlled device, in the
// configured device order.
func (e *Engine) States() []domain.ActuatorState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.ActuatorState, 0, len(e.devices))
	for _, device := range e.devices {
		out = append(out, e.snapshot(device, e.states[device]))
	}
	return out
}

func (e *Engine) snapshot(deviceID string, st *deviceState) domain.ActuatorState {
	return domain.ActuatorState{
		DeviceID:     deviceID,
		Commanded:    st.commanded,
		LastChangeAt: st.lastChangeAt,
		LastAck:      st.lastAck,
		Override:     st.override,
	}
}

func overrideLabel(mode domain.OverrideMode) string {
	if mode == domain.OverrideNone {
		return "none"
	}
	return string(mode)
}
