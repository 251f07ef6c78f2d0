package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// ErrCursorConflict is returned when a batch commit finds the cursor no
// longer at the value it was read at, meaning another normalizer run advanced
// it concurrently. The transaction is rolled back; nothing is lost, the
// caller simply re-reads from the new cursor.
var ErrCursorConflict = errors.New("cursor advanced concurrently")

// Cursor returns the last processed raw id for a source, 0 if none recorded.
func (s *Store) Cursor(ctx context.Context, source string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT last_raw_id FROM cursors WHERE source = ?), 0)`, source).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return last, nil
}

// DeviceSighting records that a device was observed in a normalized batch,
// for the device registry.
type DeviceSighting struct {
	DeviceID string
	Topic    string
	Seen     time.Time
}

// NormalizedBatch is the full durable effect of one normalizer run: the
// readings parsed from a stretch of raw records, the failures among them, the
// device sightings, and the cursor advance that covers exactly that stretch.
type NormalizedBatch struct {
	Source     string
	PrevCursor int64
	NextCursor int64
	Readings   []domain.Reading
	Failures   []domain.ParseError
	Sightings  []DeviceSighting
}

// BatchResult reports what a committed batch actually changed. Landed holds
// the readings that were newly inserted, in batch order; duplicates absorbed
// by the uniqueness constraint are excluded, so downstream consumers (the
// forecaster, the export) see each logical reading once even across replays.
type BatchResult struct {
	Inserted   int
	Duplicates int
	Landed     []domain.Reading
}

// CommitNormalizedBatch applies a batch atomically: reading inserts, failure
// records, device upserts, and the cursor advance all commit or roll back as
// one unit. The cursor advance is a compare-and-advance against PrevCursor;
// if another run got there first the whole batch rolls back with
// ErrCursorConflict. A crash before commit leaves the cursor untouched, so
// the batch is simply reprocessed, and the readings' uniqueness constraint
// absorbs the replay.
func (s *Store) CommitNormalizedBatch(ctx context.Context, batch NormalizedBatch) (BatchResult, error) {
	if batch.NextCursor < batch.PrevCursor {
		return BatchResult{}, fmt.Errorf("cursor would regress: %d -> %d", batch.PrevCursor, batch.NextCursor)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var result BatchResult
	for _, r := range batch.Readings {
		inserted, err := insertReading(ctx, tx, r)
		if err != nil {
			return BatchResult{}, err
		}
		if inserted {
			result.Inserted++
			result.Landed = append(result.Landed, r)
		} else {
			result.Duplicates++
		}
	}

	recordedMs := domain.Now().UnixMilli()
	for _, f := range batch.Failures {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parse_failures (raw_id, reason, recorded_at_ms)
			VALUES (?, ?, ?)
			ON CONFLICT (raw_id) DO NOTHING`,
			f.RawID, f.Reason, recordedMs); err != nil {
			return BatchResult{}, fmt.Errorf("record parse failure: %w", err)
		}
	}

	for _, sighting := range batch.Sightings {
		if err := upsertDevice(ctx, tx, sighting.DeviceID, sighting.Topic, sighting.Seen); err != nil {
			return BatchResult{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (source, last_raw_id) VALUES (?, 0)
		ON CONFLICT (source) DO NOTHING`,
		batch.Source); err != nil {
		return BatchResult{}, fmt.Errorf("seed cursor: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE cursors SET last_raw_id = ? WHERE source = ? AND last_raw_id = ?`,
		batch.NextCursor, batch.Source, batch.PrevCursor)
	if err != nil {
		return BatchResult{}, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return BatchResult{}, fmt.Errorf("advance cursor rows affected: %w", err)
	}
	if n == 0 {
		return BatchResult{}, ErrCursorConflict
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

// ParseFailure is a recorded parse failure, kept for inspection and for the
// validate command's reporting.
type ParseFailure struct {
	RawID      int64     `json:"raw_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ListParseFailures returns recorded failures in raw-id order, capped at limit.
func (s *Store) ListParseFailures(ctx context.Context, limit int) ([]ParseFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_id, reason, recorded_at_ms FROM parse_failures ORDER BY raw_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list parse failures: %w", err)
	}
	defer rows.Close()

	var failures []ParseFailure
	for rows.Next() {
		var f ParseFailure
		var recordedMs int64
		if err := rows.Scan(&f.RawID, &f.Reason, &recordedMs); err != nil {
			return nil, fmt.Errorf("scan parse failure: %w", err)
		}
		f.RecordedAt = time.UnixMilli(recordedMs).UTC()
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
