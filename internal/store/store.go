// Package store persists the pipeline's durable state in a single SQLite
// database: the append-only raw capture log, the deduplicated structured
// readings, the device registry, recorded parse failures, the normalizer
// cursor, and forecast model state.
//
// The readings table enforces one row per (device_id, event_ts_ms); inserts
// are insert-if-absent, so replaying any stretch of the raw log is harmless.
// The cursor row advances with a compare-and-advance inside the same
// transaction that commits a normalized batch, which is what makes a crash at
// any point reduce to reprocessing, never loss or duplication.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding all pipeline state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at_ms INTEGER NOT NULL,
		local_time TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL,
		qos INTEGER NOT NULL DEFAULT 0,
		retained INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		source_line INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS readings (
		device_id TEXT NOT NULL,
		event_ts_ms INTEGER NOT NULL,
		temperature REAL,
		humidity REAL,
		provenance TEXT NOT NULL,
		PRIMARY KEY (device_id, event_ts_ms)
	);
	CREATE TABLE IF NOT EXISTS cursors (
		source TEXT PRIMARY KEY,
		last_raw_id INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS parse_failures (
		raw_id INTEGER PRIMARY KEY,
		reason TEXT NOT NULL,
		recorded_at_ms INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		topic TEXT NOT NULL DEFAULT '',
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS forecast_states (
		device_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		model TEXT NOT NULL,
		level REAL NOT NULL,
		trend REAL NOT NULL,
		seasonal TEXT NOT NULL DEFAULT '[]',
		last_event_ts_ms INTEGER NOT NULL,
		observations INTEGER NOT NULL,
		PRIMARY KEY (device_id, metric, model)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Stats summarizes table sizes and normalizer progress for the status endpoint.
type Stats struct {
	RawRecords    int64 `json:"raw_records"`
	Readings      int64 `json:"readings"`
	ParseFailures int64 `json:"parse_failures"`
	Devices       int64 `json:"devices"`
	Cursor        int64 `json:"cursor"`
}

// Stats returns row counts and the capture-stream cursor position.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM raw_records),
			(SELECT COUNT(*) FROM readings),
			(SELECT COUNT(*) FROM parse_failures),
			(SELECT COUNT(*) FROM devices),
			COALESCE((SELECT last_raw_id FROM cursors WHERE source = ?), 0)`,
		CaptureSource)
	if err := row.Scan(&st.RawRecords, &st.Readings, &st.ParseFailures, &st.Devices, &st.Cursor); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}
