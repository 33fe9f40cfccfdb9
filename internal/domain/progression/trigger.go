package progression

import "github.com/xelorn/progressive-discounts/internal/domain/discount"

// Kind distinguishes the two entry points that can request a progression.
type Kind string

const (
	// KindEvent marks triggers derived from order-created notifications.
	KindEvent Kind = "event"
	// KindManual marks operator-initiated triggers. They carry no order
	// identifier, so the dedup guard does not apply.
	KindManual Kind = "manual"
)

// Trigger is a normalized request to advance one tracked discount.
// Event triggers target a code and carry the originating order identifier;
// manual triggers target a ledger identifier.
type Trigger struct {
	Kind       Kind
	Code       string
	DiscountID string
	OrderID    string
	CustomerID string
}

// Validate reports whether the trigger is well-formed for its kind.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindEvent:
		if t.Code == "" {
			return &discount.ValidationError{Field: "code", Reason: "event trigger requires a discount code"}
		}
		if t.OrderID == "" {
			return &discount.ValidationError{Field: "orderId", Reason: "event trigger requires an order identifier"}
		}
	case KindManual:
		if t.DiscountID == "" {
			return &discount.ValidationError{Field: "discountId", Reason: "manual trigger requires a discount identifier"}
		}
	default:
		return &discount.ValidationError{Field: "kind", Reason: "unknown trigger kind"}
	}
	return nil
}

// ManualTrigger builds a trigger for an operator-requested progression.
func ManualTrigger(discountID string) Trigger {
	return Trigger{Kind: KindManual, DiscountID: discountID}
}

// OrderNotification is the normalized form of an order-created webhook:
// the order identity plus every discount code redeemed at checkout.
// Signature verification happens upstream; by the time a notification
// reaches this package it is authenticated.
type OrderNotification struct {
	OrderID       string
	CustomerID    string
	DiscountCodes []string
}

// Triggers expands the notification into one event trigger per distinct
// code. Most orders reference zero tracked codes; the caller filters those
// out before or after expansion. Codes within one order never block one
// another.
func (n OrderNotification) Triggers() []Trigger {
	seen := make(map[string]struct{}, len(n.DiscountCodes))
	out := make([]Trigger, 0, len(n.DiscountCodes))
	for _, code := range n.DiscountCodes {
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, Trigger{
			Kind:       KindEvent,
			Code:       code,
			OrderID:    n.OrderID,
			CustomerID: n.CustomerID,
		})
	}
	return out
}
