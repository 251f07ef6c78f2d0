package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// InsertReadingIfAbsent writes a reading unless one already exists for the
// same (device, event time). Returns true if a row was inserted, false if the
// reading was a duplicate. A duplicate is not an error: re-delivered messages
// and re-polled samples are expected and collapse into the first-written row.
func (s *Store) InsertReadingIfAbsent(ctx context.Context, r domain.Reading) (bool, error) {
	return insertReading(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReading(ctx context.Context, db execer, r domain.Reading) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO readings (device_id, event_ts_ms, temperature, humidity, provenance)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_id, event_ts_ms) DO NOTHING`,
		r.DeviceID, r.EventTime.UnixMilli(), nullableFloat(r.Temperature), nullableFloat(r.Humidity),
		string(r.Provenance))
	if err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reading rows affected: %w", err)
	}
	return n > 0, nil
}

// QueryRange returns a device's readings with event time in [from, to], in
// ascending event-time order, capped at limit. When metric is non-empty, only
// readings where that metric is present are returned.
func (s *Store) QueryRange(ctx context.Context, deviceID string, metric domain.Metric, from, to time.Time, limit int) ([]domain.Reading, error) {
	query := `
		SELECT device_id, event_ts_ms, temperature, humidity, provenance
		FROM readings
		WHERE device_id = ? AND event_ts_ms >= ? AND event_ts_ms <= ?`
	args := []any{deviceID, from.UnixMilli(), to.UnixMilli()}

	switch metric {
	case domain.MetricTemperature:
		query += ` AND temperature IS NOT NULL`
	case domain.MetricHumidity:
		query += ` AND humidity IS NOT NULL`
	}

	query += ` ORDER BY event_ts_ms ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// LatestReading returns the most recent reading for a device, or nil if the
// device has none.
func (s *Store) LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, event_ts_ms, temperature, humidity, provenance
		FROM readings WHERE device_id = ? ORDER BY event_ts_ms DESC LIMIT 1`,
		deviceID)

	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDevices returns the device registry ordered by device id.
func (s *Store) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, topic, first_seen_ms, last_seen_ms FROM devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var d domain.Device
		var firstMs, lastMs int64
		if err := rows.Scan(&d.DeviceID, &d.Topic, &firstMs, &lastMs); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeen = time.UnixMilli(firstMs).UTC()
		d.LastSeen = time.UnixMilli(lastMs).UTC()
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func upsertDevice(ctx context.Context, db execer, deviceID, topic string, seen time.Time) error {
	ms := seen.UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (device_id, topic, first_seen_ms, last_seen_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			topic = excluded.topic,
			first_seen_ms = MIN(devices.first_seen_ms, excluded.first_seen_ms),
			last_seen_ms = MAX(devices.last_seen_ms, excluded.last_seen_ms)`,
		deviceID, topic, ms, ms)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (domain.Reading, error) {
	var r domain.Reading
	var eventMs int64
	var temperature, humidity sql.NullFloat64
	var provenance string
	if err := row.Scan(&r.DeviceID, &eventMs, &temperature, &humidity, &provenance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reading{}, err
		}
		return domain.Reading{}, fmt.Errorf("scan reading: %w", err)
	}
	r.EventTime = time.UnixMilli(eventMs).UTC()
	if temperature.Valid {
		v := temperature.Float64
		r.Temperature = &v
	}
	if humidity.Valid {
		v := humidity.Float64
		r.Humidity = &v
	}
	r.Provenance = domain.Provenance(provenance)
	return r, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
