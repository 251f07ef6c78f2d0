// Command validate dry-runs capture files through the envelope and payload
// parsers without writing anything, reporting how many lines would land as
// structured readings and why the rest would not. Run it before a backfill
// to see what a directory of logs is worth.
//
// Usage:
//
//	go run ./cmd/validate -logs /var/lib/climate/mqtt_logs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/couchcryptid/climate-control-etl/internal/backfill"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// memAppender collects parsed records instead of storing them.
type memAppender struct {
	records []domain.RawRecord
}

func (m *memAppender) AppendRawBatch(_ context.Context, recs []domain.RawRecord) error {
	m.records = append(m.records, recs...)
	return nil
}

func main() {
	logsDir := flag.String("logs", "", "directory containing capture files (.json, .jsonl or .log)")
	flag.Parse()

	if *logsDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*logsDir); code != 0 {
		os.Exit(code)
	}
}

func run(dir string) int {
	fmt.Println("=== Capture File Validation ===")
	fmt.Println()

	files, err := backfill.FindCaptureFiles(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: scan %s: %v\n", dir, err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: no capture files under %s\n", dir)
		return 1
	}

	mem := &memAppender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := backfill.NewLoader(mem, logger, nil, backfill.Options{})

	readable := &phase{name: "Phase 1: File Readability"}
	envelope := &phase{name: "Phase 2: Capture Envelope"}
	payload := &phase{name: "Phase 3: Payload Parse"}

	var lines, skipped int
	for _, path := range files {
		before := len(mem.records)
		report, err := loader.LoadFile(context.Background(), path)
		if err != nil {
			readable.errorf("%s: %v", path, err)
			continue
		}
		lines += report.Records
		skipped += report.Skipped
		fmt.Printf("  %s: %d lines, %d blank\n", path, report.Records, report.Skipped)

		// A record without a topic means the line's JSON envelope could not
		// be read and the whole line was kept as payload.
		base := filepath.Base(path)
		var fallbacks int
		for _, rec := range mem.records[before:] {
			if rec.Topic == "" {
				fallbacks++
			}
		}
		if fallbacks > 0 {
			envelope.errorf("%s: %d lines lacked a parseable envelope", base, fallbacks)
		}
	}

	readings, reasons := parseAll(mem.records)
	for _, reason := range sortedKeys(reasons) {
		payload.errorf("%s: %d records", reason, reasons[reason])
	}

	phases := []*phase{readable, envelope, payload}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-32s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Files: %d, lines: %d, blank: %d\n", len(files), lines, skipped)
	fmt.Printf("Would become readings: %d of %d\n", readings, len(mem.records))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// parseAll runs every record through the payload parser and tallies the
// failure reasons.
func parseAll(records []domain.RawRecord) (readings int, reasons map[string]int) {
	reasons = map[string]int{}
	for _, rec := range records {
		if _, err := domain.ParseRaw(rec); err != nil {
			var perr *domain.ParseError
			if errors.As(err, &perr) {
				reasons[perr.Reason]++
			} else {
				reasons[err.Error()]++
			}
			continue
		}
		readings++
	}
	return readings, reasons
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
