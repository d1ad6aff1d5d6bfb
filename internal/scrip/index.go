package scrip

import (
	"sort"
	"time"

	"nifty-orbit/internal/model"
)

// coord addresses one contract inside an index generation.
type coord struct {
	Expiry string
	Strike int
	Opt    model.OptionType
}

// index is one immutable generation of the contract lookup tables. It is
// built once, swapped in behind the cache's pointer and never mutated, so
// readers can use it without holding a lock.
type index struct {
	// contracts keyed by broker security id.
	contracts map[string]model.OptionContract
	// byCoord maps (expiry, strike, option type) to a security id.
	byCoord map[coord]string
	// strikes per expiry date, ascending.
	strikes map[string][]int
	// expiries ascending; only dates on or after the build day.
	expiries []string
	// buckets maps current/next/monthly to an expiry date.
	buckets map[model.ExpiryBucket]string
}

// buildIndex constructs a generation from parsed contracts. Contracts whose
// expiry is already behind now are dropped, matching what the dashboard can
// actually trade. Input order does not matter; the same contract set always
// produces the same tables.
func buildIndex(contracts []model.OptionContract, now time.Time) *index {
	today := now.Format("2006-01-02")

	idx := &index{
		contracts: make(map[string]model.OptionContract),
		byCoord:   make(map[coord]string),
		strikes:   make(map[string][]int),
		buckets:   make(map[model.ExpiryBucket]string),
	}

	strikeSeen := make(map[string]map[int]bool)
	for _, c := range contracts {
		if c.Expiry < today {
			continue
		}
		idx.contracts[c.SecurityID] = c
		idx.byCoord[coord{c.Expiry, c.Strike, c.OptionType}] = c.SecurityID

		if strikeSeen[c.Expiry] == nil {
			strikeSeen[c.Expiry] = make(map[int]bool)
		}
		if !strikeSeen[c.Expiry][c.Strike] {
			strikeSeen[c.Expiry][c.Strike] = true
			idx.strikes[c.Expiry] = append(idx.strikes[c.Expiry], c.Strike)
		}
	}

	for expiry, strikes := range idx.strikes {
		sort.Ints(strikes)
		idx.expiries = append(idx.expiries, expiry)
	}
	sort.Strings(idx.expiries)

	idx.buckets = classifyBuckets(idx.expiries)
	return idx
}

// classifyBuckets assigns the current/next/monthly labels over the sorted
// upcoming expiries. The monthly expiry of NIFTY falls in the last week of
// the month, so the first expiry with day >= 24 is taken; if none qualifies
// within the visible horizon, the fourth expiry stands in, and with fewer
// than four everything collapses onto the nearest one.
func classifyBuckets(expiries []string) map[model.ExpiryBucket]string {
	buckets := make(map[model.ExpiryBucket]string, 3)
	if len(expiries) == 0 {
		return buckets
	}

	buckets[model.ExpiryCurrent] = expiries[0]
	if len(expiries) > 1 {
		buckets[model.ExpiryNext] = expiries[1]
	} else {
		buckets[model.ExpiryNext] = expiries[0]
	}

	monthly := ""
	for _, e := range expiries {
		if d, err := time.Parse("2006-01-02", e); err == nil && d.Day() >= 24 {
			monthly = e
			break
		}
	}
	if monthly == "" {
		if len(expiries) > 3 {
			monthly = expiries[3]
		} else {
			monthly = expiries[0]
		}
	}
	buckets[model.ExpiryMonthly] = monthly

	return buckets
}

// resolve looks up a security id by exact coordinates.
func (ix *index) resolve(expiry string, strike int, opt model.OptionType) (string, bool) {
	id, ok := ix.byCoord[coord{expiry, strike, opt}]
	return id, ok
}

// expired reports whether the nearest indexed expiry is already behind now,
// which makes the whole generation untradable regardless of age.
func (ix *index) expired(now time.Time) bool {
	if len(ix.expiries) == 0 {
		return true
	}
	return ix.expiries[0] < now.Format("2006-01-02")
}
