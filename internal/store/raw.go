package store

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// CaptureSource is the cursor key for the single capture stream all raw
// records (live and backfilled) are appended to.
const CaptureSource = "raw"

// AppendRaw inserts one raw record and returns its assigned id. The record is
// stored verbatim; failure here must be handled by the caller, since dropping
// a raw message is the one loss this system cannot recover from.
func (s *Store) AppendRaw(ctx context.Context, rec domain.RawRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_records (received_at_ms, local_time, topic, qos, retained, payload, source_file, source_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ReceivedAt.UnixMilli(), rec.LocalTime, rec.Topic, rec.QoS, rec.Retained, rec.Payload,
		rec.SourceFile, rec.SourceLine)
	if err != nil {
		return 0, fmt.Errorf("append raw record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append raw record id: %w", err)
	}
	return id, nil
}

// AppendRawBatch inserts a slice of raw records in a single transaction.
// Used by the backfill loader; a failure rolls back the whole batch so the
// file can be retried as a unit.
func (s *Store) AppendRawBatch(ctx context.Context, recs []domain.RawRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_records (received_at_ms, local_time, topic, qos, retained, payload, source_file, source_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare raw batch: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.ReceivedAt.UnixMilli(), rec.LocalTime, rec.Topic, rec.QoS, rec.Retained, rec.Payload,
			rec.SourceFile, rec.SourceLine); err != nil {
			return fmt.Errorf("append raw batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw batch: %w", err)
	}
	return nil
}

// ReadRawAfter returns up to limit raw records with id strictly greater than
// afterID, in ascending id order. This is the normalizer's read contract.
func (s *Store) ReadRawAfter(ctx context.Context, afterID int64, limit int) ([]domain.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at_ms, local_time, topic, qos, retained, payload, source_file, source_line
		FROM raw_records WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read raw records: %w", err)
	}
	defer rows.Close()

	var recs []domain.RawRecord
	for rows.Next() {
		var rec domain.RawRecord
		var receivedMs int64
		if err := rows.Scan(&rec.ID, &receivedMs, &rec.LocalTime, &rec.Topic, &rec.QoS, &rec.Retained,
			&rec.Payload, &rec.SourceFile, &rec.SourceLine); err != nil {
			return nil, fmt.Errorf("scan raw record: %w", err)
		}
		rec.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
