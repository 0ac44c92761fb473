package progress

import (
	"fmt"
	"sort"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

// Levels is the experience ladder sorted by minimum experience.
type Levels []model.Level

// NewLevels validates and sorts a ladder. The lowest level must start at 0 XP.
func NewLevels(ls []model.Level) (Levels, error) {
	if len(ls) == 0 {
		return nil, fmt.Errorf("at least one level is required")
	}
	out := append(Levels(nil), ls...)
	sort.Slice(out, func(i, j int) bool { return out[i].XPMin < out[j].XPMin })
	if out[0].XPMin != 0 {
		return nil, fmt.Errorf("lowest level must start at 0 xp, got %d", out[0].XPMin)
	}
	seen := make(map[int]bool, len(out))
	for i, l := range out {
		if seen[l.Level] {
			return nil, fmt.Errorf("duplicate level %d", l.Level)
		}
		seen[l.Level] = true
		if i > 0 && l.XPMin == out[i-1].XPMin {
			return nil, fmt.Errorf("levels %d and %d share xp_min %d", out[i-1].Level, l.Level, l.XPMin)
		}
	}
	return out, nil
}

// For returns the highest level whose threshold is at most xp.
func (ls Levels) For(xp int) model.Level {
	i := sort.Search(len(ls), func(i int) bool { return ls[i].XPMin > xp })
	if i == 0 {
		return ls[0]
	}
	return ls[i-1]
}

// Next returns the level following the one reached at xp, if any.
func (ls Levels) Next(xp int) (model.Level, bool) {
	i := sort.Search(len(ls), func(i int) bool { return ls[i].XPMin > xp })
	if i >= len(ls) {
		return model.Level{}, false
	}
	return ls[i], true
}

// TierXP is the experience awarded per tier.
type TierXP map[model.Tier]int

// Value returns the experience for tier t.
func (x TierXP) Value(t model.Tier) int { return x[t] }
