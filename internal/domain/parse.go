package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Acceptable sensor ranges. Values outside are rejected rather than clamped
// so a faulty sensor cannot fabricate plausible-looking data.
const (
	MinTemperatureC = -40.0
	MaxTemperatureC = 85.0
	MinHumidityPct  = 0.0
	MaxHumidityPct  = 100.0
)

// Key aliases accepted by the JSON payload variant. Devices in the field
// disagree on field names; the aliases cover every publisher observed so far.
var (
	deviceKeys      = []string{"device_id", "id", "device"}
	timestampKeys   = []string{"ts", "timestamp", "time"}
	temperatureKeys = []string{"temperature", "temp", "t"}
	humidityKeys    = []string{"humidity", "hum", "h"}
)

// PayloadKind identifies which telemetry schema variant a payload uses.
type PayloadKind int

const (
	PayloadUnknown PayloadKind = iota
	PayloadJSON
	PayloadDelimited
)

// ClassifyPayload determines the schema variant of a payload by structure,
// not by topic or string prefix: a JSON object dispatches to the named-field
// parser, a semicolon-separated line with a numeric tail to the positional
// parser, anything else is unparseable.
func ClassifyPayload(payload []byte) PayloadKind {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return PayloadUnknown
	}

	var obj map[string]any
	if json.Unmarshal(trimmed, &obj) == nil {
		return PayloadJSON
	}

	if isDelimitedLine(string(trimmed)) {
		return PayloadDelimited
	}

	return PayloadUnknown
}

// ParseRaw converts a raw capture into a structured Reading. It is pure and
// deterministic: the same record always yields the same result. Failures are
// *ParseError carrying the raw record's id and a reason.
func ParseRaw(raw RawRecord) (Reading, error) {
	switch ClassifyPayload(raw.Payload) {
	case PayloadJSON:
		return parseJSONVariant(raw)
	case PayloadDelimited:
		return parseDelimitedVariant(raw)
	default:
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "unrecognized payload shape"}
	}
}

// parseJSONVariant handles JSON object payloads with named fields, e.g.
//
//	{"device_id":"rpi-livingroom","temperature":24.1,"humidity":48.2,"ts":1712345678901}
//
// Field names are matched against the alias lists above. A missing device id
// falls back to the last topic segment. Timestamps are epoch milliseconds,
// as a JSON number or numeric string.
func parseJSONVariant(raw RawRecord) (Reading, error) {
	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw.Payload), &obj); err != nil {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "malformed JSON: " + err.Error()}
	}

	device := ""
	if v, ok := lookupField(obj, deviceKeys); ok {
		device, _ = asString(v)
	}
	if device == "" {
		device = deviceFromTopic(raw.Topic)
	}
	if device == "" {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "missing device id"}
	}

	tsVal, ok := lookupField(obj, timestampKeys)
	if !ok {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "missing timestamp"}
	}
	ms, ok := asFloat(tsVal)
	if !ok || ms <= 0 {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid timestamp"}
	}

	reading := Reading{
		DeviceID:   device,
		EventTime:  time.UnixMilli(int64(ms)).UTC(),
		Provenance: ProvenanceFor(raw),
	}

	if v, ok := lookupField(obj, temperatureKeys); ok {
		f, ok := asFloat(v)
		if !ok {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid temperature"}
		}
		if reason := checkRange(MetricTemperature, f); reason != "" {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: reason}
		}
		reading.Temperature = &f
	}

	if v, ok := lookupField(obj, humidityKeys); ok {
		f, ok := asFloat(v)
		if !ok {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid humidity"}
		}
		if reason := checkRange(MetricHumidity, f); reason != "" {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: reason}
		}
		reading.Humidity = &f
	}

	if reading.Temperature == nil && reading.Humidity == nil {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "no measurements present"}
	}

	return reading, nil
}

// parseDelimitedVariant handles the positional text lines produced by the
// web-scraping poller:
//
//	<device>;<epoch-ms>;<temperature>;<humidity>
//
// Either measurement field may be empty, but not both. An empty device field
// falls back to the last topic segment.
func parseDelimitedVariant(raw RawRecord) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(string(raw.Payload)), ";")
	if len(fields) != 4 {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "delimited line does not have 4 fields"}
	}

	device := strings.TrimSpace(fields[0])
	if device == "" {
		device = deviceFromTopic(raw.Topic)
	}
	if device == "" {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "missing device id"}
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil || ms <= 0 {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid timestamp"}
	}

	reading := Reading{
		DeviceID:   device,
		EventTime:  time.UnixMilli(ms).UTC(),
		Provenance: ProvenanceFor(raw),
	}

	if s := strings.TrimSpace(fields[2]); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid temperature"}
		}
		if reason := checkRange(MetricTemperature, f); reason != "" {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: reason}
		}
		reading.Temperature = &f
	}

	if s := strings.TrimSpace(fields[3]); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: "invalid humidity"}
		}
		if reason := checkRange(MetricHumidity, f); reason != "" {
			return Reading{}, &ParseError{RawID: raw.ID, Reason: reason}
		}
		reading.Humidity = &f
	}

	if reading.Temperature == nil && reading.Humidity == nil {
		return Reading{}, &ParseError{RawID: raw.ID, Reason: "no measurements present"}
	}

	return reading, nil
}

// isDelimitedLine reports whether a line matches the positional variant:
// exactly 4 semicolon-separated fields with an integer timestamp and
// numeric (or empty) measurement fields.
func isDelimitedLine(line string) bool {
	fields := strings.Split(line, ";")
	if len(fields) != 4 {
		return false
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64); err != nil {
		return false
	}
	for _, f := range fields[2:] {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := strconv.ParseFloat(f, 64); err != nil {
			return false
		}
	}
	return true
}

// checkRange validates a metric value, returning a rejection reason or "".
func checkRange(m Metric, v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return string(m) + " is not a finite number"
	}
	switch m {
	case MetricTemperature:
		if v < MinTemperatureC || v > MaxTemperatureC {
			return "temperature out of range"
		}
	case MetricHumidity:
		if v < MinHumidityPct || v > MaxHumidityPct {
			return "humidity out of range"
		}
	}
	return ""
}

// deviceFromTopic falls back to the last topic segment as the device id,
// e.g. "MSN/group6/sensors/rpi-livingroom" -> "rpi-livingroom".
func deviceFromTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ""
	}
	segments := strings.Split(topic, "/")
	return strings.TrimSpace(segments[len(segments)-1])
}

// lookupField returns the first present key from the alias list.
func lookupField(obj map[string]any, aliases []string) (any, bool) {
	for _, k := range aliases {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// asString coerces a JSON value into a non-empty string.
func asString(v any) (string, bool) {
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// asFloat coerces a JSON value (number or numeric string) into a float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
