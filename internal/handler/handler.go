package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xelorn/progressive-discounts/internal/codefilter"
	"github.com/xelorn/progressive-discounts/internal/domain/discount"
	"github.com/xelorn/progressive-discounts/internal/domain/progression"
	"github.com/xelorn/progressive-discounts/internal/shopify"
)

// Ledger is the slice of storage the HTTP layer uses directly; progression
// itself always goes through the Coordinator.
type Ledger interface {
	Create(ctx context.Context, d *discount.TrackedDiscount) error
	ListActive(ctx context.Context, now time.Time) ([]discount.TrackedDiscount, error)
}

// DiscountIssuer creates the discount on the external platform before it is
// mirrored into the ledger.
type DiscountIssuer interface {
	CreateDiscount(ctx context.Context, p shopify.CreateDiscountParams) (*shopify.CreateDiscountResult, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// WebhookSecret is the shared secret for webhook HMAC verification.
	WebhookSecret []byte
}

// Handler exposes the engine over HTTP: the order-created webhook and the
// operator endpoints for issuing, listing, and manually advancing tracked
// discounts.
type Handler struct {
	coordinator *progression.Coordinator
	ledger      Ledger
	issuer      DiscountIssuer
	codes       *codefilter.Filter
	secret      []byte
	now         func() time.Time
}

// NewHandler constructs a Handler with the required collaborators.
func NewHandler(
	cfg Config,
	coordinator *progression.Coordinator,
	ledger Ledger,
	issuer DiscountIssuer,
	codes *codefilter.Filter,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		ledger:      ledger,
		issuer:      issuer,
		codes:       codes,
		secret:      cfg.WebhookSecret,
		now:         time.Now,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/orders-create", h.OrderCreated)
	mux.HandleFunc("POST /api/discounts", h.CreateDiscount)
	mux.HandleFunc("GET /api/discounts", h.ListDiscounts)
	mux.HandleFunc("POST /api/discounts/{id}/advance", h.AdvanceDiscount)
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

// encodeDecimal writes a decimal as a bare JSON number.
func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.RawStr(d.String())
}
