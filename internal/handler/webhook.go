package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
	"github.com/xelorn/progressive-discounts/internal/domain/progression"
)

const maxWebhookBody = 1 << 20

// orderCreatedPayload mirrors the fields the engine needs from the
// platform's orders/create webhook. Identifiers arrive as numbers and are
// kept as their decimal string form.
type orderCreatedPayload struct {
	ID       json.Number `json:"id"`
	Customer struct {
		ID json.Number `json:"id"`
	} `json:"customer"`
	DiscountCodes []struct {
		Code string `json:"code"`
	} `json:"discount_codes"`
}

// codeOutcome is the per-code progression result reported back to the
// webhook caller. Deliveries never fail as a whole because of one code.
type codeOutcome struct {
	Code   string
	Status string
	From   string
	To     string
}

const (
	statusAdvanced  = "advanced"
	statusUnchanged = "unchanged"
	statusExhausted = "exhausted"
	statusExpired   = "expired"
	statusFailed    = "failed"
)

// OrderCreated handles the order-created webhook: verify the signature,
// expand the order into one trigger per tracked code, and advance each
// independently. Per-code failures are logged and reported in the response
// body; the delivery itself succeeds so the platform does not redeliver
// endlessly for a code-level problem it cannot fix.
func (h *Handler) OrderCreated(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !verifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
		lg.Warn("webhook signature verification failed")
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var payload orderCreatedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	notification := progression.OrderNotification{
		OrderID:    payload.ID.String(),
		CustomerID: payload.Customer.ID.String(),
	}
	for _, dc := range payload.DiscountCodes {
		// Fast path: most codes are not tracked at all.
		if !h.codes.MayContain(dc.Code) {
			continue
		}
		notification.DiscountCodes = append(notification.DiscountCodes, dc.Code)
	}

	triggers := notification.Triggers()
	outcomes := h.advanceAll(r.Context(), triggers)

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order_id", func(e *jx.Encoder) { e.Str(notification.OrderID) })
			e.Field("results", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, o := range outcomes {
						o.encode(e)
					}
				})
			})
		})
	})
}

// advanceAll runs the triggers concurrently; codes within one order never
// block one another. Codes that turn out to be untracked (bloom false
// positives) are dropped from the outcome list.
func (h *Handler) advanceAll(ctx context.Context, triggers []progression.Trigger) []codeOutcome {
	lg := zctx.From(ctx)

	var (
		mu       sync.Mutex
		outcomes []codeOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range triggers {
		g.Go(func() error {
			outcome, tracked := h.advanceOne(gctx, t)
			if !tracked {
				return nil
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	// Workers swallow their errors into outcomes; Wait only joins them.
	_ = g.Wait()

	if len(outcomes) > 0 {
		lg.Info("order webhook processed", zap.Int("codes", len(outcomes)))
	}
	return outcomes
}

func (h *Handler) advanceOne(ctx context.Context, t progression.Trigger) (codeOutcome, bool) {
	res, err := h.coordinator.Advance(ctx, t)

	switch {
	case err == nil:
		status := statusUnchanged
		if res.Changed {
			status = statusAdvanced
		}
		return codeOutcome{
			Code:   res.Code,
			Status: status,
			From:   res.PreviousPercentage.String(),
			To:     res.NewPercentage.String(),
		}, true

	case errors.Is(err, discount.ErrNotFound):
		// Untracked code; not an error, most orders hit this path.
		return codeOutcome{}, false

	case errors.Is(err, discount.ErrExhausted):
		return codeOutcome{Code: t.Code, Status: statusExhausted}, true

	case errors.Is(err, discount.ErrExpired):
		return codeOutcome{Code: t.Code, Status: statusExpired}, true

	default:
		zctx.From(ctx).Error("progression failed",
			zap.String("code", t.Code),
			zap.String("order_id", t.OrderID),
			zap.Error(err))
		return codeOutcome{Code: t.Code, Status: statusFailed}, true
	}
}

func (o codeOutcome) encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(o.Code) })
		e.Field("status", func(e *jx.Encoder) { e.Str(o.Status) })
		if o.From != "" {
			e.Field("from", func(e *jx.Encoder) { e.RawStr(o.From) })
			e.Field("to", func(e *jx.Encoder) { e.RawStr(o.To) })
		}
	})
}
