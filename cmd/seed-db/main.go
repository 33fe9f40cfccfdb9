// Command seed-db loads a set of tracked discounts into the ledger for local
// development. It only writes the local ledger; the corresponding discounts
// must already exist on the platform (or the gateway must be stubbed).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
	"github.com/xelorn/progressive-discounts/internal/storage/postgres"
)

type discountJSON struct {
	ExternalID         string          `json:"external_id"`
	Code               string          `json:"code"`
	Title              string          `json:"title"`
	CustomerGID        string          `json:"customer_gid"`
	StartingPercentage decimal.Decimal `json:"starting_percentage"`
	IncrementBy        decimal.Decimal `json:"increment_by"`
	EndingPercentage   decimal.Decimal `json:"ending_percentage"`
	StartsAt           time.Time       `json:"starts_at"`
	EndsAt             time.Time       `json:"ends_at"`
}

func main() {
	var (
		databaseURL   string
		discountsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&discountsFile, "discounts-file", "db/seed/discounts.json", "path to discounts JSON file")
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

	if err := run(ctx, databaseURL, discountsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, discountsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	ledger := postgres.NewLedgerRepository(pool)

	slog.Info("reading discounts file", slog.String("path", discountsFile))

	data, err := os.ReadFile(discountsFile)
	if err != nil {
		return errors.Wrap(err, "read discounts file")
	}

	var entries []discountJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "parse discounts JSON")
	}

	slog.Info("seeding discounts", slog.Int("count", len(entries)))

	for _, e := range entries {
		d := &discount.TrackedDiscount{
			ID:                 uuid.New().String(),
			ExternalID:         e.ExternalID,
			Code:               e.Code,
			Title:              e.Title,
			CustomerGID:        e.CustomerGID,
			StartingPercentage: e.StartingPercentage,
			CurrentPercentage:  e.StartingPercentage,
			IncrementBy:        e.IncrementBy,
			EndingPercentage:   e.EndingPercentage,
			StartsAt:           e.StartsAt,
			EndsAt:             e.EndsAt,
		}
		if err := d.Validate(); err != nil {
			return errors.Wrapf(err, "discount %s", e.Code)
		}

		err := ledger.Create(ctx, d)
		var verr *discount.ValidationError
		if errors.As(err, &verr) {
			slog.Info("skipping existing discount", slog.String("code", e.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create discount %s", e.Code)
		}

		slog.Info("created discount",
			slog.String("code", e.Code),
			slog.String("starting", e.StartingPercentage.String()),
			slog.String("ceiling", e.EndingPercentage.String()))
	}

	return nil
}
