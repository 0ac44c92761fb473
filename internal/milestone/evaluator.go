// Package milestone decides which bonus milestones a client currently qualifies for.
package milestone

import (
	"fmt"
	"sort"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
)

// Evaluator holds the configured milestones in threshold order.
type Evaluator struct {
	milestones []model.Milestone
}

// NewEvaluator validates ms and fills in missing identifiers.
func NewEvaluator(ms []model.Milestone) (*Evaluator, error) {
	out := make([]model.Milestone, 0, len(ms))
	seen := make(map[string]bool, len(ms))
	for _, m := range ms {
		switch m.Basis {
		case model.BasisCount, model.BasisDistinct:
		default:
			return nil, fmt.Errorf("milestone %q: unknown basis %d", m.Reward, int(m.Basis))
		}
		if m.Threshold <= 0 {
			return nil, fmt.Errorf("milestone %q: threshold must be positive", m.Reward)
		}
		if m.Reward == "" {
			return nil, fmt.Errorf("milestone %s: reward is required", model.MilestoneID(m.Basis, m.Threshold))
		}
		if m.ID == "" {
			m.ID = model.MilestoneID(m.Basis, m.Threshold)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate milestone id %q", m.ID)
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	sortMilestones(out)
	return &Evaluator{milestones: out}, nil
}

func sortMilestones(ms []model.Milestone) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Threshold != ms[j].Threshold {
			return ms[i].Threshold < ms[j].Threshold
		}
		if ms[i].Basis != ms[j].Basis {
			return ms[i].Basis < ms[j].Basis
		}
		return ms[i].ID < ms[j].ID
	})
}

// Milestones returns a copy of the configured milestones.
func (e *Evaluator) Milestones() []model.Milestone {
	return append([]model.Milestone(nil), e.milestones...)
}

// Lookup finds a milestone by id.
func (e *Evaluator) Lookup(id string) (model.Milestone, bool) {
	for _, m := range e.milestones {
		if m.ID == id {
			return m, true
		}
	}
	return model.Milestone{}, false
}

func current(m model.Milestone, total, distinct int) int {
	switch m.Basis {
	case model.BasisCount:
		return total
	case model.BasisDistinct:
		return distinct
	}
	return 0
}

// Evaluate returns the reached milestones that are absent from the client's ledger.
func (e *Evaluator) Evaluate(c model.Client) []model.Milestone {
	total, distinct := progress.Count(c)
	var out []model.Milestone
	for _, m := range e.milestones {
		if current(m, total, distinct) < m.Threshold {
			continue
		}
		if _, granted := c.Granted[m.ID]; granted {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Progress is a client's standing against one milestone.
type Progress struct {
	Milestone model.Milestone `json:"milestone"`
	Current   int             `json:"current"`
	Percent   int             `json:"percent"`
	Remaining int             `json:"remaining"`
	Achieved  bool            `json:"achieved"`
	Granted   bool            `json:"granted"`
}

// Progress reports the client's standing against every milestone.
func (e *Evaluator) Progress(c model.Client) []Progress {
	total, distinct := progress.Count(c)
	out := make([]Progress, 0, len(e.milestones))
	for _, m := range e.milestones {
		cur := current(m, total, distinct)
		p := Progress{Milestone: m, Current: cur, Achieved: cur >= m.Threshold}
		p.Percent = min(100, cur*100/m.Threshold)
		p.Remaining = max(0, m.Threshold-cur)
		_, p.Granted = c.Granted[m.ID]
		out = append(out, p)
	}
	return out
}
