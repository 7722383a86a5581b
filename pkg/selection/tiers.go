package selection

import "github.com/snow-ghost/dispatch/core"

// TierTable maps the 1..10 complexity score onto provider tiers.
type TierTable struct {
	CheapMax int `yaml:"cheap_max" json:"cheap_max"`
	MidMax   int `yaml:"mid_max" json:"mid_max"`
}

// DefaultTierTable buckets 1-3 cheap, 4-6 mid, 7-10 premium.
func DefaultTierTable() TierTable {
	return TierTable{CheapMax: 3, MidMax: 6}
}

// TierFor returns the tier for a complexity score.
func (t TierTable) TierFor(complexity int) core.Tier {
	switch {
	case complexity <= t.CheapMax:
		return core.TierCheap
	case complexity <= t.MidMax:
		return core.TierMid
	default:
		return core.TierPremium
	}
}
