package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNextPercentage(t *testing.T) {
	tests := []struct {
		name      string
		current   string
		increment string
		ceiling   string
		want      string
	}{
		{"plain step", "10", "5", "20", "15"},
		{"step onto ceiling", "15", "5", "20", "20"},
		{"step clamped at ceiling", "18", "5", "20", "20"},
		{"already at ceiling", "20", "5", "20", "20"},
		{"above ceiling stays put", "25", "5", "20", "25"},
		{"zero increment", "10", "0", "20", "10"},
		{"negative increment", "10", "-3", "20", "10"},
		{"fractional step", "10.5", "2.25", "20", "12.75"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextPercentage(dec(tt.current), dec(tt.increment), dec(tt.ceiling))
			assert.True(t, dec(tt.want).Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

// The result always stays within [current, ceiling] and grows monotonically
// with the increment.
func TestNextPercentage_Bounds(t *testing.T) {
	current := dec("10")
	ceiling := dec("30")

	prev := current
	for i := 0; i <= 40; i++ {
		inc := decimal.NewFromInt(int64(i))
		next := NextPercentage(current, inc, ceiling)

		assert.True(t, next.GreaterThanOrEqual(current), "inc=%d: below current", i)
		assert.True(t, next.LessThanOrEqual(ceiling), "inc=%d: above ceiling", i)
		assert.True(t, next.GreaterThanOrEqual(prev), "inc=%d: not monotone", i)
		prev = next
	}
}

func TestTrackedDiscount_Validate(t *testing.T) {
	base := func() *TrackedDiscount {
		return &TrackedDiscount{
			Code:               "SPRING24",
			StartingPercentage: dec("10"),
			CurrentPercentage:  dec("10"),
			IncrementBy:        dec("5"),
			EndingPercentage:   dec("20"),
			StartsAt:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			EndsAt:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("empty code", func(t *testing.T) {
		d := base()
		d.Code = ""
		var verr *ValidationError
		assert.ErrorAs(t, d.Validate(), &verr)
		assert.Equal(t, "code", verr.Field)
	})

	t.Run("ceiling below start", func(t *testing.T) {
		d := base()
		d.EndingPercentage = dec("5")
		var verr *ValidationError
		assert.ErrorAs(t, d.Validate(), &verr)
		assert.Equal(t, "endingPercentage", verr.Field)
	})

	t.Run("window inverted", func(t *testing.T) {
		d := base()
		d.EndsAt = d.StartsAt
		var verr *ValidationError
		assert.ErrorAs(t, d.Validate(), &verr)
		assert.Equal(t, "endsAt", verr.Field)
	})
}
