// Package selection chooses which magnet a client receives for an order.
package selection

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

// ErrNoStock is returned when every candidate item is out of stock.
var ErrNoStock = errors.New("no item in stock")

// StockReader is the read side of the inventory.
type StockReader interface {
	Get(key string) int
}

// Weights maps a tier to its relative draw weight.
type Weights map[model.Tier]int

// DefaultWeights makes rarer tiers less likely.
func DefaultWeights() Weights {
	return Weights{model.TierCommon: 6, model.TierSpecial: 3, model.TierElite: 1}
}

type Options struct {
	Weights Weights
	// Welcome is awarded to a client with an empty collection when it is offered and in stock.
	Welcome string
	Seed    uint64
}

// Policy is safe for concurrent use.
type Policy struct {
	stock   StockReader
	weights Weights
	welcome string

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(stock StockReader, opts Options) *Policy {
	w := opts.Weights
	if len(w) == 0 {
		w = DefaultWeights()
	}
	return &Policy{
		stock:   stock,
		weights: w,
		welcome: opts.Welcome,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Select draws one item from available. Items the client does not hold yet
// are preferred; within the chosen group the draw is weighted by tier.
// Stock is only read here, so the caller's decrement may still lose a race.
func (p *Policy) Select(available []model.MagnetItem, collected map[string]int) (model.MagnetItem, error) {
	var fresh, dupes []model.MagnetItem
	for _, it := range available {
		if p.stock.Get(it.Breed) <= 0 {
			continue
		}
		if collected[it.Breed] > 0 {
			dupes = append(dupes, it)
		} else {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 && len(dupes) == 0 {
		return model.MagnetItem{}, ErrNoStock
	}

	if p.welcome != "" && len(collected) == 0 {
		for _, it := range fresh {
			if it.Breed == p.welcome {
				return it, nil
			}
		}
	}

	bucket := fresh
	if len(bucket) == 0 {
		bucket = dupes
	}
	sort.Slice(bucket, func(i, j int) bool {
		if bucket[i].Tier != bucket[j].Tier {
			return bucket[i].Tier < bucket[j].Tier
		}
		return bucket[i].Breed < bucket[j].Breed
	})
	return p.draw(bucket), nil
}

func (p *Policy) weight(t model.Tier) int {
	if w := p.weights[t]; w > 0 {
		return w
	}
	return 1
}

func (p *Policy) draw(bucket []model.MagnetItem) model.MagnetItem {
	total := 0
	for _, it := range bucket {
		total += p.weight(it.Tier)
	}
	p.mu.Lock()
	n := p.rng.IntN(total)
	p.mu.Unlock()
	for _, it := range bucket {
		n -= p.weight(it.Tier)
		if n < 0 {
			return it
		}
	}
	return bucket[len(bucket)-1]
}
