package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
)

const (
	discountColumns = `id, external_id, code, title, customer_gid,
		starting_percentage, current_percentage, increment_by, ending_percentage,
		starts_at, ends_at, usage_count, version, created_at`

	findByCodeSQL = `SELECT ` + discountColumns + `
		FROM tracked_discounts WHERE UPPER(code) = UPPER($1)`

	findByIDSQL = `SELECT ` + discountColumns + `
		FROM tracked_discounts WHERE id = $1`

	listActiveSQL = `SELECT ` + discountColumns + `
		FROM tracked_discounts WHERE ends_at > $1 ORDER BY created_at`

	activeCodesSQL = `SELECT code FROM tracked_discounts WHERE ends_at > $1`

	hasOrderSQL = `SELECT EXISTS (
		SELECT 1 FROM applied_orders WHERE discount_id = $1 AND order_id = $2)`

	createDiscountSQL = `INSERT INTO tracked_discounts (
		id, external_id, code, title, customer_gid,
		starting_percentage, current_percentage, increment_by, ending_percentage,
		starts_at, ends_at, usage_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 1)`

	progressDiscountSQL = `UPDATE tracked_discounts
		SET current_percentage = $1, usage_count = $2, version = version + 1
		WHERE id = $3 AND version = $4`

	appendOrderSQL = `INSERT INTO applied_orders (discount_id, order_id, customer_id, applied_at)
		VALUES ($1, $2, $3, $4)`

	backfillOrderSQL = `INSERT INTO applied_orders (discount_id, order_id, customer_id, applied_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`

	listOrdersSQL = `SELECT order_id, customer_id, applied_at
		FROM applied_orders WHERE discount_id = $1 ORDER BY applied_at`
)

var _ discount.Ledger = (*LedgerRepository)(nil)

// LedgerRepository implements discount.Ledger backed by PostgreSQL. The
// progression commit is a single transaction guarded by the row version, so
// concurrent writers from other processes are detected even though each
// process also serializes per discount in memory.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// FindByCode looks up a tracked discount by its code (case-insensitive).
// Returns discount.ErrNotFound when no row matches.
func (r *LedgerRepository) FindByCode(ctx context.Context, code string) (*discount.TrackedDiscount, error) {
	return r.findOne(ctx, findByCodeSQL, code)
}

// FindByID looks up a tracked discount by its ledger identifier.
// Returns discount.ErrNotFound when no row matches.
func (r *LedgerRepository) FindByID(ctx context.Context, id string) (*discount.TrackedDiscount, error) {
	return r.findOne(ctx, findByIDSQL, id)
}

func (r *LedgerRepository) findOne(ctx context.Context, sql, arg string) (*discount.TrackedDiscount, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		if isInvalidTextRepr(err) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding tracked discount %q: %w", arg, err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanTrackedDiscount)
	if err != nil {
		// A malformed id is indistinguishable from an unknown one to callers.
		if errors.Is(err, pgx.ErrNoRows) || isInvalidTextRepr(err) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding tracked discount %q: %w", arg, err)
	}
	return &d, nil
}

// ListActive returns every tracked discount whose validity window has not
// ended at the given instant. Expiry is a read-time filter; rows are never
// deleted.
func (r *LedgerRepository) ListActive(ctx context.Context, now time.Time) ([]discount.TrackedDiscount, error) {
	rows, err := r.pool.Query(ctx, listActiveSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active discounts: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanTrackedDiscount)
	if err != nil {
		return nil, fmt.Errorf("listing active discounts: %w", err)
	}
	return out, nil
}

// ActiveCodes returns the codes of every non-expired tracked discount.
// Used to seed the webhook fast-path code filter.
func (r *LedgerRepository) ActiveCodes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, activeCodesSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active codes: %w", err)
	}

	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing active codes: %w", err)
	}
	return codes, nil
}

// HasOrder reports whether orderID already appears in the discount's usage
// history.
func (r *LedgerRepository) HasOrder(ctx context.Context, discountID, orderID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, hasOrderSQL, discountID, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking applied order %q: %w", orderID, err)
	}
	return exists, nil
}

// ListOrders returns the discount's applied-order history in application
// order.
func (r *LedgerRepository) ListOrders(ctx context.Context, discountID string) ([]discount.AppliedOrder, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, discountID)
	if err != nil {
		return nil, fmt.Errorf("listing applied orders for %q: %w", discountID, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (discount.AppliedOrder, error) {
		var o discount.AppliedOrder
		err := row.Scan(&o.OrderID, &o.CustomerID, &o.AppliedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing applied orders for %q: %w", discountID, err)
	}
	return out, nil
}

// Create inserts a newly issued tracked discount. A duplicate code maps to
// a ValidationError so callers can surface it without inspecting pg error
// codes.
func (r *LedgerRepository) Create(ctx context.Context, d *discount.TrackedDiscount) error {
	_, err := r.pool.Exec(ctx, createDiscountSQL,
		d.ID, d.ExternalID, d.Code, d.Title, d.CustomerGID,
		d.StartingPercentage, d.CurrentPercentage, d.IncrementBy, d.EndingPercentage,
		d.StartsAt, d.EndsAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &discount.ValidationError{Field: "code", Reason: "already tracked"}
		}
		return fmt.Errorf("creating tracked discount %q: %w", d.Code, err)
	}
	return nil
}

// RecordOrder backfills one applied-order row without touching the
// discount's percentage or usage counter. Duplicates are skipped, so bulk
// imports can replay overlapping exports safely. Returns whether a row was
// actually inserted.
func (r *LedgerRepository) RecordOrder(ctx context.Context, discountID string, o discount.AppliedOrder) (bool, error) {
	tag, err := r.pool.Exec(ctx, backfillOrderSQL, discountID, o.OrderID, o.CustomerID, o.AppliedAt)
	if err != nil {
		return false, fmt.Errorf("recording applied order %q: %w", o.OrderID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ConditionalUpdate applies a progression commit atomically: the percentage,
// usage counter, and optional order record change together or not at all.
// The UPDATE is guarded by the expected version; zero affected rows means a
// concurrent writer got there first and maps to discount.ErrConflict, as
// does a duplicate order record (the caller re-checks dedup on retry).
func (r *LedgerRepository) ConditionalUpdate(ctx context.Context, c discount.Commit) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, progressDiscountSQL,
			c.NewPercentage, c.NewUsageCount, c.DiscountID, c.ExpectedVersion,
		)
		if err != nil {
			return errors.Wrap(err, "update tracked discount")
		}
		if tag.RowsAffected() == 0 {
			return discount.ErrConflict
		}

		if c.Order != nil {
			_, err := tx.Exec(ctx, appendOrderSQL,
				c.DiscountID, c.Order.OrderID, c.Order.CustomerID, c.Order.AppliedAt,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return discount.ErrConflict
				}
				return errors.Wrap(err, "append applied order")
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, discount.ErrConflict) {
			return discount.ErrConflict
		}
		return fmt.Errorf("committing progression for %q: %w", c.DiscountID, err)
	}
	return nil
}

func scanTrackedDiscount(row pgx.CollectableRow) (discount.TrackedDiscount, error) {
	var d discount.TrackedDiscount
	err := row.Scan(
		&d.ID, &d.ExternalID, &d.Code, &d.Title, &d.CustomerGID,
		&d.StartingPercentage, &d.CurrentPercentage, &d.IncrementBy, &d.EndingPercentage,
		&d.StartsAt, &d.EndsAt, &d.UsageCount, &d.Version, &d.CreatedAt,
	)
	return d, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isInvalidTextRepr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
