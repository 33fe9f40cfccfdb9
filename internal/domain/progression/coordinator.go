package progression

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
)

// Config tunes coordinator behaviour.
type Config struct {
	// Reconcile enables the best-effort pre-compute read of the platform's
	// applied percentage. When the platform disagrees with the ledger
	// (a previous cycle committed externally but failed locally), the
	// external value is adopted before computing the next step.
	Reconcile bool
	// CallTimeout bounds each individual gateway and ledger call. A timeout
	// is the failure of that step, never an unknown success.
	CallTimeout time.Duration
}

const defaultCallTimeout = 10 * time.Second

// Result reports the outcome of one progression cycle.
type Result struct {
	DiscountID string
	Code       string
	// Changed is false for deduplicated redeliveries and for no-op
	// schedules; both are successes, not errors.
	Changed            bool
	PreviousPercentage decimal.Decimal
	NewPercentage      decimal.Decimal
}

// Coordinator orchestrates one progression cycle: resolve the ledger entry,
// suppress duplicates, serialize per discount, compute the next percentage,
// apply it to the external platform, then commit to the ledger. The write
// order is fixed: external first, ledger second, so a partial failure leaves
// the platform ahead of the ledger and the next cycle can reconcile, and the
// platform's percentage is never lower than what the ledger claims applied.
type Coordinator struct {
	ledger  discount.Ledger
	gateway discount.Gateway
	locks   *keyedMutex
	tracer  trace.Tracer

	reconcile   bool
	callTimeout time.Duration
	now         func() time.Time
}

// NewCoordinator creates a Coordinator over the given ledger and gateway.
func NewCoordinator(ledger discount.Ledger, gateway discount.Gateway, cfg Config) *Coordinator {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Coordinator{
		ledger:      ledger,
		gateway:     gateway,
		locks:       newKeyedMutex(),
		tracer:      otel.Tracer("progression"),
		reconcile:   cfg.Reconcile,
		callTimeout: timeout,
		now:         time.Now,
	}
}

// Advance runs one progression cycle for the trigger. A conflicting
// concurrent mutation is retried once against freshly re-read state before
// discount.ErrConflict is surfaced.
func (c *Coordinator) Advance(ctx context.Context, t Trigger) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "progression.Advance",
		trace.WithAttributes(
			attribute.String("trigger.kind", string(t.Kind)),
			attribute.String("trigger.code", t.Code),
		))
	defer span.End()

	d, err := c.resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	// Triggers for distinct discounts proceed fully in parallel; two
	// triggers for the same discount must not both read the same current
	// percentage and each apply an increment on top of it.
	unlock := c.locks.Lock(d.ID)
	defer unlock()

	res, err := c.advanceLocked(ctx, t, d)
	if errors.Is(err, discount.ErrConflict) {
		// Another process moved the discount between our read and commit.
		// Re-read and retry the guards/compute/apply/commit sequence once.
		fresh, ferr := c.ledger.FindByID(ctx, d.ID)
		if ferr != nil {
			return nil, errors.Wrap(ferr, "re-read after conflict")
		}
		res, err = c.advanceLocked(ctx, t, fresh)
	}
	return res, err
}

func (c *Coordinator) resolve(ctx context.Context, t Trigger) (*discount.TrackedDiscount, error) {
	if t.Kind == KindManual {
		return c.ledger.FindByID(ctx, t.DiscountID)
	}
	return c.ledger.FindByCode(ctx, t.Code)
}

func (c *Coordinator) advanceLocked(ctx context.Context, t Trigger, d *discount.TrackedDiscount) (*Result, error) {
	lg := zctx.From(ctx).With(
		zap.String("discount_id", d.ID),
		zap.String("code", d.Code),
	)

	// Dedup guard. Checked under the lock so that two concurrent
	// deliveries of the same order cannot both pass; redelivery of an
	// already-applied order is a success with no further action.
	if t.Kind == KindEvent {
		applied, err := c.hasOrder(ctx, d.ID, t.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "dedup lookup")
		}
		if applied {
			lg.Debug("order already applied, skipping", zap.String("order_id", t.OrderID))
			return c.unchanged(d), nil
		}
	}

	current := d.CurrentPercentage

	// Best-effort reconciliation: if a previous cycle wrote the platform
	// but failed to commit locally, the platform is ahead. Adopt its value
	// rather than re-applying an increment on top of stale local state.
	// Failure to read is a warning, never a blocker.
	if c.reconcile && d.ExternalID != "" {
		rctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		applied, err := c.gateway.ReadPercentage(rctx, d.ExternalID)
		cancel()
		switch {
		case err != nil:
			lg.Warn("reconciliation read failed, proceeding from ledger state", zap.Error(err))
		case !applied.Equal(current):
			lg.Warn("ledger behind platform, adopting applied percentage",
				zap.String("ledger", current.String()),
				zap.String("platform", applied.String()))
			current = applied
		}
	}

	now := c.now()
	if d.ExpiredAt(now) {
		return nil, discount.ErrExpired
	}
	if current.GreaterThanOrEqual(d.EndingPercentage) {
		return nil, discount.ErrExhausted
	}

	next := discount.NextPercentage(current, d.IncrementBy, d.EndingPercentage)
	changed := !next.Equal(current)

	// No-op schedules skip the external write but still commit below, so
	// event triggers record their order and stay deduplicated.
	if changed {
		wctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.gateway.WritePercentage(wctx, d.ExternalID, next)
		cancel()
		if err != nil {
			// Ledger untouched: no local state may claim a progression the
			// platform has not confirmed.
			return nil, &discount.UpstreamError{
				DiscountID: d.ID,
				Code:       d.Code,
				Attempted:  next,
				Err:        err,
			}
		}
	}

	commit := discount.Commit{
		DiscountID:      d.ID,
		ExpectedVersion: d.Version,
		NewPercentage:   next,
		NewUsageCount:   d.UsageCount + 1,
	}
	if t.Kind == KindEvent {
		commit.Order = &discount.AppliedOrder{
			OrderID:    t.OrderID,
			CustomerID: t.CustomerID,
			AppliedAt:  now,
		}
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err := c.ledger.ConditionalUpdate(cctx, commit)
	cancel()
	if err != nil {
		if errors.Is(err, discount.ErrConflict) {
			return nil, err
		}
		if changed {
			// External write already confirmed: the platform is now ahead
			// of the ledger until the next trigger reconciles.
			lg.Warn("ledger commit failed after external write",
				zap.String("applied", next.String()), zap.Error(err))
		}
		return nil, errors.Wrap(err, "commit progression")
	}

	if changed {
		lg.Info("discount progressed",
			zap.String("from", current.String()),
			zap.String("to", next.String()),
			zap.Int("usage_count", commit.NewUsageCount))
	}

	return &Result{
		DiscountID:         d.ID,
		Code:               d.Code,
		Changed:            changed,
		PreviousPercentage: current,
		NewPercentage:      next,
	}, nil
}

func (c *Coordinator) hasOrder(ctx context.Context, discountID, orderID string) (bool, error) {
	hctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.ledger.HasOrder(hctx, discountID, orderID)
}

func (c *Coordinator) unchanged(d *discount.TrackedDiscount) *Result {
	return &Result{
		DiscountID:         d.ID,
		Code:               d.Code,
		Changed:            false,
		PreviousPercentage: d.CurrentPercentage,
		NewPercentage:      d.CurrentPercentage,
	}
}
