package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no tracked discount matches the
	// requested code or identifier.
	ErrNotFound = errors.New("tracked discount not found")
	// ErrExpired is returned when a progression is requested after the
	// discount's validity window has ended.
	ErrExpired = errors.New("discount validity window has ended")
	// ErrExhausted is returned when the current percentage has already
	// reached the ceiling. It is an expected terminal state, not a failure.
	ErrExhausted = errors.New("discount ceiling reached")
	// ErrConflict is returned when a conditional ledger update loses a race
	// with a concurrent writer.
	ErrConflict = errors.New("concurrent modification of tracked discount")
)

// UpstreamError indicates the external platform rejected or failed a
// percentage write. The ledger is never touched when it occurs.
type UpstreamError struct {
	DiscountID string
	Code       string
	Attempted  decimal.Decimal
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream write of %s%% for discount %s (%s) failed: %v",
		e.Attempted, e.Code, e.DiscountID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ValidationError indicates a malformed trigger or discount definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TrackedDiscount is the ledger's record of one progressive discount: its
// schedule, validity window, and usage history. The external platform holds
// the discount customers actually redeem; ExternalID is the opaque handle
// into it.
type TrackedDiscount struct {
	ID          string
	ExternalID  string
	Code        string
	Title       string
	CustomerGID string

	StartingPercentage decimal.Decimal
	CurrentPercentage  decimal.Decimal
	IncrementBy        decimal.Decimal
	EndingPercentage   decimal.Decimal

	StartsAt time.Time
	EndsAt   time.Time

	UsageCount int
	Version    int64

	CreatedAt time.Time
}

// ExpiredAt reports whether the discount's validity window has ended at the
// given instant. Rows are never deleted; expiry is a read-time property.
func (d *TrackedDiscount) ExpiredAt(now time.Time) bool {
	return now.After(d.EndsAt)
}

// Exhausted reports whether the current percentage has reached the ceiling.
func (d *TrackedDiscount) Exhausted() bool {
	return d.CurrentPercentage.GreaterThanOrEqual(d.EndingPercentage)
}

// Validate checks the schedule invariants of a discount about to be created.
func (d *TrackedDiscount) Validate() error {
	switch {
	case d.Code == "":
		return &ValidationError{Field: "code", Reason: "must not be empty"}
	case d.StartingPercentage.IsNegative():
		return &ValidationError{Field: "startingPercentage", Reason: "must not be negative"}
	case d.EndingPercentage.LessThan(d.StartingPercentage):
		return &ValidationError{Field: "endingPercentage", Reason: "must not be below startingPercentage"}
	case d.CurrentPercentage.LessThan(d.StartingPercentage),
		d.CurrentPercentage.GreaterThan(d.EndingPercentage):
		return &ValidationError{Field: "currentPercentage", Reason: "must be within [starting, ending]"}
	case !d.EndsAt.After(d.StartsAt):
		return &ValidationError{Field: "endsAt", Reason: "must be after startsAt"}
	}
	return nil
}

// AppliedOrder is one entry of a discount's append-only usage history.
// OrderID is unique within a discount and serves as the dedup key for
// webhook redelivery.
type AppliedOrder struct {
	OrderID    string
	CustomerID string
	AppliedAt  time.Time
}

// Commit describes the single atomic ledger write that concludes a
// progression cycle. ExpectedVersion implements optimistic concurrency:
// the update applies only if the stored version still matches.
type Commit struct {
	DiscountID      string
	ExpectedVersion int64
	NewPercentage   decimal.Decimal
	NewUsageCount   int
	// Order is appended to the usage history for event-driven triggers;
	// nil for manual progressions.
	Order *AppliedOrder
}

// Ledger is the durable store of progression state and usage history.
type Ledger interface {
	FindByCode(ctx context.Context, code string) (*TrackedDiscount, error)
	FindByID(ctx context.Context, id string) (*TrackedDiscount, error)
	// HasOrder reports whether orderID already appears in the discount's
	// usage history.
	HasOrder(ctx context.Context, discountID, orderID string) (bool, error)
	// ConditionalUpdate applies a progression commit, returning ErrConflict
	// when the expected version no longer matches.
	ConditionalUpdate(ctx context.Context, c Commit) error
}

// Gateway is the engine's view of the external commerce platform: read the
// percentage a checkout currently observes, and overwrite it.
type Gateway interface {
	ReadPercentage(ctx context.Context, externalID string) (decimal.Decimal, error)
	WritePercentage(ctx context.Context, externalID string, percentage decimal.Decimal) error
}
