package domain

import (
	"fmt"
	"time"
)

// RawRecord is one inbound telemetry message exactly as received, plus its
// delivery metadata. Rows are append-only: the capture store assigns ID on
// insert and nothing updates or deletes a row afterwards. Ascending ID is
// the order the normalizer consumes.
type RawRecord struct {
	ID         int64
	ReceivedAt time.Time
	LocalTime  string // device-reported wall time, unparsed and possibly wrong
	Topic      string
	QoS        byte
	Retained   bool
	Payload    []byte

	// Set only for records loaded from capture files by the backfill
	// command; live captures leave both zero.
	SourceFile string
	SourceLine int
}

// Metric names a measured quantity in the structured series.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// Valid reports whether m is a known metric name.
func (m Metric) Valid() bool {
	return m == MetricTemperature || m == MetricHumidity
}

// Provenance identifies the raw capture a reading came from: "raw:<id>" for
// live captures, "<file>:<line>" for backfilled ones.
type Provenance string

// RawProvenance builds the provenance for a live-captured raw record.
func RawProvenance(rawID int64) Provenance {
	return Provenance(fmt.Sprintf("raw:%d", rawID))
}

// FileProvenance builds the provenance for a record loaded from a capture file.
func FileProvenance(file string, line int) Provenance {
	return Provenance(fmt.Sprintf("%s:%d", file, line))
}

// ProvenanceFor derives the provenance of a raw record from how it was captured.
func ProvenanceFor(raw RawRecord) Provenance {
	if raw.SourceFile != "" {
		return FileProvenance(raw.SourceFile, raw.SourceLine)
	}
	return RawProvenance(raw.ID)
}

// Reading is a parsed, device-scoped time-series sample. Either metric may be
// absent (nil) when the source payload omitted it, but never both.
type Reading struct {
	DeviceID    string     `json:"device_id"`
	EventTime   time.Time  `json:"event_time"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// Value returns the reading's value for the given metric, or nil if absent.
func (r Reading) Value(m Metric) *float64 {
	switch m {
	case MetricTemperature:
		return r.Temperature
	case MetricHumidity:
		return r.Humidity
	default:
		return nil
	}
}

// Device is a registry entry for a sensor observed in the telemetry stream.
type Device struct {
	DeviceID  string    `json:"device_id"`
	Topic     string    `json:"topic"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ForecastState is the persisted exponential-smoothing state for one
// (device, metric, model) key. Seasonal is empty except under the
// triple-smoothing model, where its length is the season period.
type ForecastState struct {
	DeviceID      string
	Metric        Metric
	Model         string
	Level         float64
	Trend         float64
	Seasonal      []float64
	LastEventTime time.Time
	Observations  int64
}

// ActuatorCommand is the verb delivered to a fan relay endpoint.
type ActuatorCommand string

const (
	CommandOn  ActuatorCommand = "on"
	CommandOff ActuatorCommand = "off"
)

// OverrideMode pins an actuator on or off regardless of sensor readings.
// Empty means automatic control.
type OverrideMode string

const (
	OverrideNone OverrideMode = ""
	OverrideOn   OverrideMode = "on"
	OverrideOff  OverrideMode = "off"
)

// ActuatorState tracks the last commanded state for one device's fan relay.
// Commanded and LastChangeAt are owned by the control engine, LastAck by the
// actuation gateway. Not persisted: every restart begins fail-safe OFF.
type ActuatorState struct {
	DeviceID     string          `json:"device_id"`
	Commanded    ActuatorCommand `json:"commanded"`
	LastChangeAt time.Time       `json:"last_change_at"`
	LastAck      bool            `json:"last_ack"`
	Override     OverrideMode    `json:"override,omitempty"`
}

// ParseError describes a raw record that could not be converted into a
// Reading. It is recorded and skipped; it never halts the pipeline.
type ParseError struct {
	RawID  int64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse raw record %d: %s", e.RawID, e.Reason)
}
