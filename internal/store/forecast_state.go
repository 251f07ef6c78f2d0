package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// LoadForecastState returns the persisted smoothing state for a
// (device, metric, model) key, or nil if none has been saved yet.
func (s *Store) LoadForecastState(ctx context.Context, deviceID string, metric domain.Metric, model string) (*domain.ForecastState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, trend, seasonal, last_event_ts_ms, observations
		FROM forecast_states WHERE device_id = ? AND metric = ? AND model = ?`,
		deviceID, string(metric), model)

	st := domain.ForecastState{DeviceID: deviceID, Metric: metric, Model: model}
	var seasonal string
	var lastMs int64
	err := row.Scan(&st.Level, &st.Trend, &seasonal, &lastMs, &st.Observations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load forecast state: %w", err)
	}
	if err := json.Unmarshal([]byte(seasonal), &st.Seasonal); err != nil {
		return nil, fmt.Errorf("decode seasonal components: %w", err)
	}
	st.LastEventTime = time.UnixMilli(lastMs).UTC()
	return &st, nil
}

// SaveForecastState upserts the smoothing state for its key.
func (s *Store) SaveForecastState(ctx context.Context, st domain.ForecastState) error {
	seasonal := []byte("[]")
	if len(st.Seasonal) > 0 {
		var err error
		seasonal, err = json.Marshal(st.Seasonal)
		if err != nil {
			return fmt.Errorf("encode seasonal components: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forecast_states (device_id, metric, model, level, trend, seasonal, last_event_ts_ms, observations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, metric, model) DO UPDATE SET
			level = excluded.level,
			trend = excluded.trend,
			seasonal = excluded.seasonal,
			last_event_ts_ms = excluded.last_event_ts_ms,
			observations = excluded.observations`,
		st.DeviceID, string(st.Metric), st.Model, st.Level, st.Trend, string(seasonal),
		st.LastEventTime.UnixMilli(), st.Observations)
	if err != nil {
		return fmt.Errorf("save forecast state: %w", err)
	}
	return nil
}

// DeleteForecastState removes the persisted state for a key. This is the only
// way forecast state is ever rolled back.
func (s *Store) DeleteForecastState(ctx context.Context, deviceID string, metric domain.Metric, model string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM forecast_states WHERE device_id = ? AND metric = ? AND model = ?`,
		deviceID, string(metric), model)
	if err != nil {
		return fmt.Errorf("delete forecast state: %w", err)
	}
	return nil
}
