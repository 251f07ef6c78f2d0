// Command backfill loads capture files written by the file-based batcher into
// the raw capture store. Records land in the same append-only table the live
// MQTT subscriber writes to, so the normalizer picks them up on its next pass
// and replaying a file never produces duplicate readings.
//
// Usage:
//
//	go run ./cmd/backfill \
//	  -logs /var/lib/climate/mqtt_logs \
//	  -db climate.db \
//	  -delete \
//	  -failed /var/lib/climate/mqtt_logs_failed
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/couchcryptid/climate-control-etl/internal/backfill"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logsDir := flag.String("logs", "", "directory containing capture files (.json, .jsonl or .log)")
	dbPath := flag.String("db", "climate.db", "path to the capture database")
	del := flag.Bool("delete", false, "delete each file after it is fully stored")
	failedDir := flag.String("failed", "", "move unreadable files into this directory instead of leaving them")
	flag.Parse()

	if *logsDir == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -logs")
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := backfill.NewLoader(db, logger, nil, backfill.Options{
		Delete:    *del,
		FailedDir: *failedDir,
	})

	reports, err := loader.LoadDir(context.Background(), *logsDir)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *logsDir, err)
	}

	var records, skipped, failed int
	for _, rep := range reports {
		if rep.Err != nil {
			failed++
			log.Printf("%s: FAILED: %v", rep.Path, rep.Err)
			continue
		}
		records += rep.Records
		skipped += rep.Skipped
		log.Printf("%s: %d records, %d skipped", rep.Path, rep.Records, rep.Skipped)
	}

	fmt.Printf("\nFiles: %d (%d failed)\n", len(reports), failed)
	fmt.Printf("Records stored: %d\n", records)
	fmt.Printf("Lines skipped: %d\n", skipped)

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(reports))
	}
	return nil
}
