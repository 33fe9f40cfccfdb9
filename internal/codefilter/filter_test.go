package codefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_AddAndTest(t *testing.T) {
	f := New(1000, 0.001)

	assert.False(t, f.MayContain("SPRING24"))

	f.Add("SPRING24")
	assert.True(t, f.MayContain("SPRING24"))
	assert.True(t, f.MayContain("spring24"), "matching is case-insensitive")
	assert.True(t, f.MayContain("  SPRING24 "), "matching trims whitespace")
}

func TestFilter_RefreshDropsStaleCodes(t *testing.T) {
	f := New(1000, 0.001)
	f.Add("EXPIRED1")

	f.Refresh([]string{"FRESH1", "FRESH2"})

	assert.True(t, f.MayContain("FRESH1"))
	assert.True(t, f.MayContain("FRESH2"))
	assert.False(t, f.MayContain("EXPIRED1"))
}
