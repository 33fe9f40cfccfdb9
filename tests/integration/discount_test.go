//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"
)

func TestListDiscounts_SeededSet(t *testing.T) {
	resp := doGet(t, "/api/discounts")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	list := decodeJSON[discountListResponse](t, resp)
	if len(list.Discounts) < 3 {
		t.Fatalf("expected at least 3 seeded discounts, got %d", len(list.Discounts))
	}

	d := findDiscount(t, "LOYAL-MARCO")
	if d.StartingPercentage != 10 || d.IncrementBy != 2.5 || d.EndingPercentage != 20 {
		t.Errorf("unexpected schedule: %+v", d)
	}
	if d.ExternalID == "" {
		t.Error("external_id missing")
	}
}

func TestAdvanceDiscount_UnknownID(t *testing.T) {
	resp := doPost(t, "/api/discounts/e2a9c7de-0000-4000-8000-000000000000/advance", struct{}{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	body := decodeJSON[errorResponse](t, resp)
	if body.Message == "" {
		t.Error("expected error message")
	}
}

func TestAdvanceDiscount_NoOpSchedule(t *testing.T) {
	d := findDiscount(t, "VIP-FLAT")

	resp := doPost(t, "/api/discounts/"+d.ID+"/advance", struct{}{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeJSON[advanceResponse](t, resp)
	if body.Changed {
		t.Error("flat schedule should not change")
	}
	if body.PreviousPercentage != 15 || body.NewPercentage != 15 {
		t.Errorf("percentages: got %v -> %v, want 15 -> 15", body.PreviousPercentage, body.NewPercentage)
	}
}

func TestAdvanceDiscount_GatewayUnreachable(t *testing.T) {
	d := findDiscount(t, "WELCOME-ANNA")

	resp := doPost(t, "/api/discounts/"+d.ID+"/advance", struct{}{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	// The ledger must be untouched after the failed external write.
	if after := findDiscount(t, "WELCOME-ANNA"); after.CurrentPercentage != d.CurrentPercentage {
		t.Errorf("ledger advanced despite gateway failure: %v -> %v",
			d.CurrentPercentage, after.CurrentPercentage)
	}
}

func TestCreateDiscount_GatewayUnreachable(t *testing.T) {
	resp := doPost(t, "/api/discounts", map[string]any{
		"title":               "Integration ladder",
		"code":                "ITG-LADDER",
		"customer_gid":        "gid://shopify/Customer/42",
		"starting_percentage": "5",
		"increment_by":        "5",
		"ending_percentage":   "30",
		"starts_at":           time.Now().UTC().Format(time.RFC3339),
		"ends_at":             time.Now().UTC().Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	defer resp.Body.Close()

	// The platform write comes first; with the gateway down nothing is
	// mirrored locally.
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestCreateDiscount_InvalidSchedule(t *testing.T) {
	resp := doPost(t, "/api/discounts", map[string]any{
		"title":               "Backwards ladder",
		"code":                "ITG-BACKWARDS",
		"customer_gid":        "gid://shopify/Customer/43",
		"starting_percentage": "30",
		"increment_by":        "5",
		"ending_percentage":   "10",
		"starts_at":           time.Now().UTC().Format(time.RFC3339),
		"ends_at":             time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}
