package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookupRates(t *testing.T) {
	at := day(2025, time.June, 1)

	r, ok := LookupRates("claude-sonnet-4-20250514", at)
	assert.True(t, ok)
	assert.Equal(t, 3.0, r.Input)
	assert.Equal(t, 15.0, r.Output)

	r, ok = LookupRates("claude-opus-4-1-20250805", at)
	assert.True(t, ok)
	assert.Equal(t, 75.0, r.Output)

	// Unlisted model id falls back to family rates.
	r, ok = LookupRates("claude-sonnet-9-20991231", at)
	assert.True(t, ok)
	assert.Equal(t, 3.0, r.Input)

	_, ok = LookupRates("gpt-4o", at)
	assert.False(t, ok)
}

func TestLookupRatesDateGate(t *testing.T) {
	// A record dated before a schedule entry takes effect must
	// not use that entry.
	before := day(2025, time.January, 1)
	r, ok := LookupRates("claude-sonnet-4-20250514", before)
	assert.True(t, ok, "family default still applies")
	assert.Equal(t, 3.0, r.Input)

	// Zero timestamp accepts any entry.
	_, ok = LookupRates("claude-opus-4-20250514", time.Time{})
	assert.True(t, ok)
}

func TestCost(t *testing.T) {
	at := day(2025, time.June, 1)
	u := Usage{
		Input:         1_000_000,
		Output:        100_000,
		CacheRead:     2_000_000,
		CacheCreate5m: 400_000,
		CacheCreate1h: 100_000,
	}
	// sonnet: 3 + 1.5 + 0.60 + 1.50 + 0.60
	got := Cost("claude-sonnet-4-20250514", at, u)
	assert.InDelta(t, 7.20, got, 1e-9)

	assert.Zero(t, Cost("gpt-4o", at, u))
	assert.Zero(t, Cost("claude-sonnet-4-20250514", at, Usage{}))
}
