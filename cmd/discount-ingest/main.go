// Command discount-ingest backfills applied-order history from gzipped JSONL
// order exports. Replaying the history into the ledger means webhook
// redeliveries for orders that predate the engine are deduplicated instead of
// advancing the discount again.
//
// Exports may overlap (re-runs, month-boundary windows), so the same order
// can appear in several files. A bloom filter screens out pairs already
// written in this run; the database's ON CONFLICT clause catches anything
// the filter lets through.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
	"github.com/xelorn/progressive-discounts/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

// orderLine is one exported order. Identifiers arrive as bare numbers in
// platform exports, json.Number keeps them lossless.
type orderLine struct {
	ID            json.Number `json:"id"`
	CustomerID    json.Number `json:"customer_id"`
	CreatedAt     time.Time   `json:"created_at"`
	DiscountCodes []struct {
		Code string `json:"code"`
	} `json:"discount_codes"`
}

// record is one (discount, order) pair ready to backfill.
type record struct {
	discountID string
	order      discount.AppliedOrder
}

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing orders-*.jsonl.gz export files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("discount ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("discount ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "orders-*.jsonl.gz"))
	if err != nil {
		return errors.Wrap(err, "list export files")
	}
	if len(files) == 0 {
		return errors.Errorf("no orders-*.jsonl.gz files in %s", dataDir)
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	ledger := postgres.NewLedgerRepository(pool)

	// The epoch lower bound lists every tracked discount, expired included;
	// history for an expired code is still history.
	tracked, err := ledger.ListActive(ctx, time.Unix(0, 0))
	if err != nil {
		return errors.Wrap(err, "list tracked discounts")
	}
	if len(tracked) == 0 {
		slog.Info("no tracked discounts, nothing to backfill")
		return nil
	}

	byCode := make(map[string]string, len(tracked))
	for _, d := range tracked {
		byCode[strings.ToUpper(d.Code)] = d.ID
	}

	slog.Info("scanning exports",
		slog.Int("files", len(files)),
		slog.Int("tracked_discounts", len(tracked)),
	)

	records := make(chan record, 1024)

	// The writer cancels the scanners when it fails so they do not block on
	// a channel nobody drains.
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeRecords(ctx, ledger, records)
		cancelScan()
	}()

	g, scanCtx := errgroup.WithContext(scanCtx)
	for i, f := range files {
		g.Go(scanExportFile(scanCtx, i, f, byCode, records))
	}
	scanErr := g.Wait()
	close(records)

	if err := <-writeErr; err != nil {
		return err
	}
	return scanErr
}

// scanExportFile streams one export and emits a record for every order line
// that references a tracked discount code.
func scanExportFile(
	ctx context.Context,
	idx int,
	path string,
	byCode map[string]string,
	out chan<- record,
) func() error {
	return func() error {
		var lines, matched uint64

		err := streamGzLines(ctx, path, func(raw []byte) error {
			lines++
			if lines%progressEvery == 0 {
				slog.Info("scan progress",
					slog.Int("file", idx+1),
					slog.Uint64("lines", lines),
				)
			}

			var line orderLine
			if err := json.Unmarshal(raw, &line); err != nil {
				// Exports occasionally carry truncated trailing lines.
				slog.Warn("skipping malformed line",
					slog.Int("file", idx+1),
					slog.Uint64("line", lines),
				)
				return nil
			}

			for _, dc := range line.DiscountCodes {
				discountID, ok := byCode[strings.ToUpper(strings.TrimSpace(dc.Code))]
				if !ok {
					continue
				}
				matched++
				select {
				case out <- record{
					discountID: discountID,
					order: discount.AppliedOrder{
						OrderID:    line.ID.String(),
						CustomerID: line.CustomerID.String(),
						AppliedAt:  line.CreatedAt,
					},
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "scan %s", path)
		}

		slog.Info("scan complete",
			slog.Int("file", idx+1),
			slog.Uint64("lines", lines),
			slog.Uint64("matched", matched),
		)
		return nil
	}
}

// writeRecords drains the channel into the ledger. The bloom filter skips
// pairs already written during this run so overlapping exports avoid the
// database entirely. A false positive (about one in a thousand unique pairs)
// drops that pair from the backfill; the history seed is best effort, a
// missing row only means one pre-engine order could advance its discount
// once if the platform ever redelivers it.
func writeRecords(ctx context.Context, ledger *postgres.LedgerRepository, in <-chan record) error {
	filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)

	var written, skipped uint64
	for r := range in {
		key := r.discountID + "|" + r.order.OrderID

		if filter.TestString(key) {
			skipped++
			continue
		}
		filter.AddString(key)

		inserted, err := ledger.RecordOrder(ctx, r.discountID, r.order)
		if err != nil {
			return errors.Wrapf(err, "record order %s", r.order.OrderID)
		}
		if inserted {
			written++
		} else {
			skipped++
		}

		if (written+skipped)%100_000 == 0 {
			slog.Info("write progress",
				slog.Uint64("written", written),
				slog.Uint64("skipped", skipped),
			)
		}
	}

	slog.Info("backfill complete",
		slog.Uint64("written", written),
		slog.Uint64("skipped", skipped),
	)
	return nil
}

// streamGzLines opens a gzip-compressed file and calls fn for each line.
func streamGzLines(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
