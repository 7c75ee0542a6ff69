package transcript

import (
	"strings"
	"time"
)

// Rates are USD per million tokens, split by usage category.
type Rates struct {
	Input         float64
	Output        float64
	CacheRead     float64
	CacheWrite5m  float64
	CacheWrite1h  float64
}

// priceEntry binds a model-id prefix to rates effective from a
// given date. Entries for the same prefix must appear oldest
// first; lookup picks the newest entry whose From is not after
// the record date.
type priceEntry struct {
	Prefix string
	From   time.Time
	Rates  Rates
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// The static price schedule. Family defaults (bare "opus",
// "sonnet", "haiku" prefixes) catch model ids released after this
// table was written.
var priceTable = []priceEntry{
	{"claude-3-5-haiku", day(2024, time.November, 4), Rates{0.80, 4, 0.08, 1, 1.6}},
	{"claude-3-5-sonnet", day(2024, time.June, 20), Rates{3, 15, 0.30, 3.75, 6}},
	{"claude-3-7-sonnet", day(2025, time.February, 24), Rates{3, 15, 0.30, 3.75, 6}},
	{"claude-sonnet-4", day(2025, time.May, 22), Rates{3, 15, 0.30, 3.75, 6}},
	{"claude-opus-4", day(2025, time.May, 22), Rates{15, 75, 1.50, 18.75, 30}},
	{"claude-haiku-4", day(2025, time.October, 1), Rates{1, 5, 0.10, 1.25, 2}},

	// Family defaults.
	{"opus", time.Time{}, Rates{15, 75, 1.50, 18.75, 30}},
	{"sonnet", time.Time{}, Rates{3, 15, 0.30, 3.75, 6}},
	{"haiku", time.Time{}, Rates{1, 5, 0.10, 1.25, 2}},
}

// LookupRates resolves the price schedule for a model id on a
// given date, falling back to family defaults. Returns false when
// the model matches no known family.
func LookupRates(model string, at time.Time) (Rates, bool) {
	var (
		best      Rates
		bestFrom  time.Time
		found     bool
		exact     bool
	)
	for _, e := range priceTable {
		isFamily := e.Prefix == "opus" ||
			e.Prefix == "sonnet" || e.Prefix == "haiku"
		match := strings.HasPrefix(model, e.Prefix)
		if isFamily {
			match = strings.Contains(model, e.Prefix)
		}
		if !match {
			continue
		}
		if !at.IsZero() && e.From.After(at) {
			continue
		}
		// Exact prefixes beat family defaults regardless of date.
		if exact && isFamily {
			continue
		}
		if !found || (!exact && !isFamily) ||
			e.From.After(bestFrom) {
			best, bestFrom, found = e.Rates, e.From, true
			if !isFamily {
				exact = true
			}
		}
	}
	return best, found
}

// Cost prices a usage block against the schedule for (model, at).
// Unknown models cost zero.
func Cost(model string, at time.Time, u Usage) float64 {
	r, ok := LookupRates(model, at)
	if !ok {
		return 0
	}
	const m = 1e6
	return float64(u.Input)*r.Input/m +
		float64(u.Output)*r.Output/m +
		float64(u.CacheRead)*r.CacheRead/m +
		float64(u.CacheCreate5m)*r.CacheWrite5m/m +
		float64(u.CacheCreate1h)*r.CacheWrite1h/m
}
