// Package catalog loads the promotion reference data: items, tiers, levels,
// milestones and initial stock.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/magnet-rewards/internal/milestone"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
)

//go:embed default.yaml
var defaultCatalog []byte

// Item is one catalog entry with its initial stock.
type Item struct {
	Breed    string     `yaml:"breed"`
	Tier     model.Tier `yaml:"stars"`
	Category string     `yaml:"category"`
	Stock    int        `yaml:"stock"`
}

// Milestone is the catalog form of a bonus milestone.
type Milestone struct {
	ID        string      `yaml:"id,omitempty"`
	Threshold int         `yaml:"threshold"`
	Basis     model.Basis `yaml:"basis"`
	Reward    string      `yaml:"reward"`
	Icon      string      `yaml:"icon,omitempty"`
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Welcome    string             `yaml:"welcome"`
	XP         map[model.Tier]int `yaml:"xp"`
	Weights    map[model.Tier]int `yaml:"weights"`
	Levels     []model.Level      `yaml:"levels"`
	Items      []Item             `yaml:"items"`
	Milestones []Milestone        `yaml:"milestones"`
	BonusStock map[string]int     `yaml:"bonus_stock"`
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the catalog for internal consistency.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Items))
	for _, it := range c.Items {
		if it.Breed == "" {
			return fmt.Errorf("catalog item without breed")
		}
		if seen[it.Breed] {
			return fmt.Errorf("duplicate catalog item %q", it.Breed)
		}
		seen[it.Breed] = true
		if !it.Tier.Valid() {
			return fmt.Errorf("item %q: stars must be 1..3, got %d", it.Breed, it.Tier)
		}
		if it.Stock < 0 {
			return fmt.Errorf("item %q: negative stock %d", it.Breed, it.Stock)
		}
	}
	if c.Welcome != "" && !seen[c.Welcome] {
		return fmt.Errorf("welcome item %q is not in the catalog", c.Welcome)
	}
	for t, xp := range c.XP {
		if !t.Valid() || xp < 0 {
			return fmt.Errorf("invalid xp entry %d: %d", t, xp)
		}
	}
	for t, w := range c.Weights {
		if !t.Valid() || w <= 0 {
			return fmt.Errorf("invalid weight entry %d: %d", t, w)
		}
	}
	if _, err := c.LevelLadder(); err != nil {
		return fmt.Errorf("levels: %w", err)
	}
	if _, err := c.Evaluator(); err != nil {
		return fmt.Errorf("milestones: %w", err)
	}
	for reward, n := range c.BonusStock {
		if n < 0 {
			return fmt.Errorf("bonus %q: negative stock %d", reward, n)
		}
	}
	return nil
}

// MagnetItems returns the item reference data without stock.
func (c *Catalog) MagnetItems() []model.MagnetItem {
	out := make([]model.MagnetItem, 0, len(c.Items))
	for _, it := range c.Items {
		out = append(out, model.MagnetItem{Breed: it.Breed, Tier: it.Tier, Category: it.Category})
	}
	return out
}

func (c *Catalog) LevelLadder() (progress.Levels, error) {
	return progress.NewLevels(c.Levels)
}

func (c *Catalog) Evaluator() (*milestone.Evaluator, error) {
	ms := make([]model.Milestone, 0, len(c.Milestones))
	for _, m := range c.Milestones {
		ms = append(ms, model.Milestone{ID: m.ID, Threshold: m.Threshold, Basis: m.Basis, Reward: m.Reward, Icon: m.Icon})
	}
	return milestone.NewEvaluator(ms)
}

func (c *Catalog) TierXP() progress.TierXP {
	if len(c.XP) == 0 {
		return progress.TierXP{model.TierCommon: 10, model.TierSpecial: 25, model.TierElite: 50}
	}
	return progress.TierXP(c.XP)
}

func (c *Catalog) SelectionWeights() selection.Weights {
	if len(c.Weights) == 0 {
		return selection.DefaultWeights()
	}
	return selection.Weights(c.Weights)
}
