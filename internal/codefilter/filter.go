// Package codefilter provides a bloom-filter fast path for deciding whether
// an incoming discount code might be tracked by the ledger. Most orders use
// no tracked code at all; the filter lets the webhook path drop those
// without a database round trip. False positives only cost one lookup,
// false negatives are avoided by adding newly issued codes immediately and
// refreshing from the ledger on an interval.
package codefilter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Filter is a concurrency-safe membership test over tracked discount codes.
// Codes are matched case-insensitively, mirroring the ledger lookup.
type Filter struct {
	capacity uint
	fpr      float64

	mu    sync.RWMutex
	bloom *bloom.BloomFilter
}

// New creates a Filter sized for the expected number of tracked codes.
func New(capacity uint, fpr float64) *Filter {
	return &Filter{
		capacity: capacity,
		fpr:      fpr,
		bloom:    bloom.NewWithEstimates(capacity, fpr),
	}
}

// MayContain reports whether code might be tracked. A false result is
// definitive; a true result must be confirmed against the ledger.
func (f *Filter) MayContain(code string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bloom.TestString(normalize(code))
}

// Add registers a newly issued code so it is matched before the next
// refresh.
func (f *Filter) Add(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bloom.AddString(normalize(code))
}

// Refresh replaces the filter contents with the given code set. Bloom
// filters do not support removal, so expired codes are dropped by rebuild.
func (f *Filter) Refresh(codes []string) {
	next := bloom.NewWithEstimates(f.capacity, f.fpr)
	for _, code := range codes {
		next.AddString(normalize(code))
	}

	f.mu.Lock()
	f.bloom = next
	f.mu.Unlock()
}

// Run refreshes the filter from load on the given interval until the
// context is cancelled. The first refresh happens immediately.
func (f *Filter) Run(ctx context.Context, interval time.Duration, load func(context.Context) ([]string, error)) {
	lg := zctx.From(ctx)

	refresh := func() {
		codes, err := load(ctx)
		if err != nil {
			lg.Warn("code filter refresh failed", zap.Error(err))
			return
		}
		f.Refresh(codes)
		lg.Debug("code filter refreshed", zap.Int("codes", len(codes)))
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
