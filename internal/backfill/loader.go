// Package backfill loads JSONL capture files written by the edge batcher into
// the raw capture store. Each line becomes one raw record with file:line
// provenance; deduplication happens downstream when the normalizer commits
// readings, so reloading a file is harmless.
package backfill

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

const (
	appendChunk   = 1000
	maxLineBytes  = 1 << 20
	scanBufferCap = 64 * 1024
)

// BatchAppender lands loaded records in the raw log.
type BatchAppender interface {
	AppendRawBatch(ctx context.Context, recs []domain.RawRecord) error
}

// Options controls what happens to capture files after a load attempt.
type Options struct {
	// Delete removes a file once all of its lines are stored.
	Delete bool
	// FailedDir receives files that could not be read or stored. Empty
	// leaves failed files where they are.
	FailedDir string
}

// FileReport summarizes one capture file's load.
type FileReport struct {
	Path    string
	Records int
	Skipped int
	Err     error
}

// Loader walks capture directories and appends their lines to the raw log.
type Loader struct {
	appender BatchAppender
	logger   *slog.Logger
	clock    clockwork.Clock
	opts     Options
}

// NewLoader builds a Loader. A nil clock means wall time.
func NewLoader(appender BatchAppender, logger *slog.Logger, clock clockwork.Clock, opts Options) *Loader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loader{appender: appender, logger: logger, clock: clock, opts: opts}
}

// LoadDir loads every capture file under dir, in sorted path order. A file
// that fails is reported, optionally moved aside, and does not stop the rest
// of the walk.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]FileReport, error) {
	files, err := FindCaptureFiles(dir)
	if err != nil {
		return nil, err
	}

	reports := make([]FileReport, 0, len(files))
	for _, path := range files {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}

		report, err := l.LoadFile(ctx, path)
		if err != nil {
			report.Err = err
			l.logger.Error("capture file load failed", "file", path, "error", err)
			l.moveFailed(path)
			reports = append(reports, report)
			continue
		}

		l.logger.Info("capture file loaded", "file", path, "records", report.Records, "skipped", report.Skipped)
		if l.opts.Delete {
			if err := os.Remove(path); err != nil {
				l.logger.Warn("could not delete loaded file", "file", path, "error", err)
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// LoadFile reads one capture file and appends its lines to the raw log in
// line order.
func (l *Loader) LoadFile(ctx context.Context, path string) (FileReport, error) {
	report := FileReport{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return report, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	now := l.clock.Now().UTC()
	base := filepath.Base(path)

	var batch []domain.RawRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanBufferCap), maxLineBytes)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			report.Skipped++
			continue
		}

		rec := parseCaptureLine([]byte(line), now)
		rec.SourceFile = base
		rec.SourceLine = lineNo
		batch = append(batch, rec)

		if len(batch) >= appendChunk {
			if err := l.appender.AppendRawBatch(ctx, batch); err != nil {
				return report, fmt.Errorf("append %s: %w", base, err)
			}
			report.Records += len(batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read capture file: %w", err)
	}

	if len(batch) > 0 {
		if err := l.appender.AppendRawBatch(ctx, batch); err != nil {
			return report, fmt.Errorf("append %s: %w", base, err)
		}
		report.Records += len(batch)
	}
	return report, nil
}

// captureLine is one line of the edge batcher's JSONL format. Payload is kept
// raw because older batchers wrote it as a string and newer ones as an object.
type captureLine struct {
	ReceivedAt string          `json:"received_at"`
	LocalTime  string          `json:"local_time"`
	Topic      string          `json:"topic"`
	QoS        byte            `json:"qos"`
	Retain     bool            `json:"retain"`
	Payload    json.RawMessage `json:"payload"`
}

// parseCaptureLine converts one file line into a raw record. A line that is
// not a JSON object is kept whole as the payload, so nothing is dropped.
func parseCaptureLine(line []byte, now time.Time) domain.RawRecord {
	var cl captureLine
	if err := json.Unmarshal(line, &cl); err != nil {
		return domain.RawRecord{
			ReceivedAt: now,
			Payload:    append([]byte(nil), line...),
		}
	}

	var payload []byte
	if len(cl.Payload) > 0 {
		var s string
		if err := json.Unmarshal(cl.Payload, &s); err == nil {
			payload = []byte(s)
		} else {
			payload = append([]byte(nil), cl.Payload...)
		}
	}

	receivedAt, ok := parseCaptureTime(cl.ReceivedAt)
	if !ok {
		receivedAt = now
	}

	return domain.RawRecord{
		ReceivedAt: receivedAt,
		LocalTime:  cl.LocalTime,
		Topic:      cl.Topic,
		QoS:        cl.QoS,
		Retained:   cl.Retain,
		Payload:    payload,
	}
}

// captureTimeLayouts covers the batcher's timestamp variants. The naive
// layouts carry no zone and are taken as UTC.
var captureTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseCaptureTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range captureTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FindCaptureFiles walks dir and returns every capture file, sorted by path
// so loads are ordered and repeatable.
func FindCaptureFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonl", ".log":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// moveFailed parks an unloadable file in the failed directory so the next run
// does not trip over it again.
func (l *Loader) moveFailed(path string) {
	if l.opts.FailedDir == "" {
		return
	}
	if err := os.MkdirAll(l.opts.FailedDir, 0o755); err != nil {
		l.logger.Error("could not create failed dir", "dir", l.opts.FailedDir, "error", err)
		return
	}

	dest := filepath.Join(l.opts.FailedDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		stamp := l.clock.Now().UTC().Format("20060102T150405")
		dest = strings.TrimSuffix(dest, ext) + "_" + stamp + ext
	}
	if err := os.Rename(path, dest); err != nil {
		l.logger.Error("could not move failed file", "file", path, "dest", dest, "error", err)
		return
	}
	l.logger.Info("moved failed file", "file", path, "dest", dest)
}
