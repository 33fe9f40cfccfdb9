package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xelorn/progressive-discounts/internal/domain/discount"
	"github.com/xelorn/progressive-discounts/internal/domain/progression"
	"github.com/xelorn/progressive-discounts/internal/shopify"
)

type createDiscountRequest struct {
	Title              string          `json:"title"`
	Code               string          `json:"code"`
	CustomerGID        string          `json:"customer_gid"`
	StartingPercentage decimal.Decimal `json:"starting_percentage"`
	IncrementBy        decimal.Decimal `json:"increment_by"`
	EndingPercentage   decimal.Decimal `json:"ending_percentage"`
	StartsAt           time.Time       `json:"starts_at"`
	EndsAt             time.Time       `json:"ends_at"`
}

// CreateDiscount issues a discount on the external platform and mirrors it
// into the ledger. The platform write happens first: a discount that exists
// only locally would never be redeemed, while one that exists only
// externally simply never progresses.
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	var req createDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	d := &discount.TrackedDiscount{
		ID:                 uuid.New().String(),
		Code:               req.Code,
		Title:              req.Title,
		CustomerGID:        req.CustomerGID,
		StartingPercentage: req.StartingPercentage,
		CurrentPercentage:  req.StartingPercentage,
		IncrementBy:        req.IncrementBy,
		EndingPercentage:   req.EndingPercentage,
		StartsAt:           req.StartsAt,
		EndsAt:             req.EndsAt,
	}
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	issued, err := h.issuer.CreateDiscount(r.Context(), shopify.CreateDiscountParams{
		Title:              req.Title,
		Code:               req.Code,
		CustomerGID:        req.CustomerGID,
		StartingPercentage: req.StartingPercentage,
		StartsAt:           req.StartsAt,
		EndsAt:             req.EndsAt,
	})
	if err != nil {
		lg.Error("platform discount create failed", zap.String("code", req.Code), zap.Error(err))
		writeError(w, http.StatusBadGateway, "platform rejected discount creation")
		return
	}

	d.ExternalID = issued.ExternalID
	d.Code = issued.Code

	if err := h.ledger.Create(r.Context(), d); err != nil {
		var verr *discount.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusConflict, verr.Error())
			return
		}
		// The platform discount now exists untracked; surface loudly so an
		// operator can reconcile it.
		lg.Error("ledger mirror failed for issued discount",
			zap.String("code", d.Code),
			zap.String("external_id", d.ExternalID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "discount issued but not mirrored")
		return
	}

	h.codes.Add(d.Code)
	lg.Info("tracked discount created",
		zap.String("discount_id", d.ID),
		zap.String("code", d.Code))

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeDiscount(e, d) })
}

// ListDiscounts returns every tracked discount whose validity window is
// still open.
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	active, err := h.ledger.ListActive(r.Context(), h.now())
	if err != nil {
		zctx.From(r.Context()).Error("list discounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing discounts failed")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discounts", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range active {
						encodeDiscount(e, &active[i])
					}
				})
			})
		})
	})
}

// AdvanceDiscount is the manual progression entry point: one trigger for
// one tracked discount, no order identifier, so the ceiling guard is the
// only idempotence protection.
func (h *Handler) AdvanceDiscount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.coordinator.Advance(r.Context(), progression.ManualTrigger(id))
	if err != nil {
		h.writeAdvanceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discount_id", func(e *jx.Encoder) { e.Str(res.DiscountID) })
			e.Field("code", func(e *jx.Encoder) { e.Str(res.Code) })
			e.Field("changed", func(e *jx.Encoder) { e.Bool(res.Changed) })
			e.Field("previous_percentage", func(e *jx.Encoder) { encodeDecimal(e, res.PreviousPercentage) })
			e.Field("new_percentage", func(e *jx.Encoder) { encodeDecimal(e, res.NewPercentage) })
		})
	})
}

func (h *Handler) writeAdvanceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *discount.ValidationError
	var upErr *discount.UpstreamError

	switch {
	case errors.Is(err, discount.ErrNotFound):
		writeError(w, http.StatusNotFound, "tracked discount not found")
	case errors.Is(err, discount.ErrExhausted):
		writeError(w, http.StatusConflict, "maximum percentage reached")
	case errors.Is(err, discount.ErrExpired):
		writeError(w, http.StatusUnprocessableEntity, "discount validity window has ended")
	case errors.Is(err, discount.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent modification, retry")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &upErr):
		zctx.From(r.Context()).Error("platform write failed",
			zap.String("discount_id", upErr.DiscountID),
			zap.String("attempted", upErr.Attempted.String()),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "platform update failed")
	default:
		zctx.From(r.Context()).Error("manual progression failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progression failed")
	}
}

func encodeDiscount(e *jx.Encoder, d *discount.TrackedDiscount) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(d.ID) })
		e.Field("external_id", func(e *jx.Encoder) { e.Str(d.ExternalID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(d.Code) })
		e.Field("title", func(e *jx.Encoder) { e.Str(d.Title) })
		e.Field("starting_percentage", func(e *jx.Encoder) { encodeDecimal(e, d.StartingPercentage) })
		e.Field("current_percentage", func(e *jx.Encoder) { encodeDecimal(e, d.CurrentPercentage) })
		e.Field("increment_by", func(e *jx.Encoder) { encodeDecimal(e, d.IncrementBy) })
		e.Field("ending_percentage", func(e *jx.Encoder) { encodeDecimal(e, d.EndingPercentage) })
		e.Field("starts_at", func(e *jx.Encoder) { e.Str(d.StartsAt.Format(time.RFC3339)) })
		e.Field("ends_at", func(e *jx.Encoder) { e.Str(d.EndsAt.Format(time.RFC3339)) })
		e.Field("usage_count", func(e *jx.Encoder) { e.Int(d.UsageCount) })
	})
}
