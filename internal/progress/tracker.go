// Package progress owns each client's collection, experience and granted-milestone ledger.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
	ErrAlreadyGranted = errors.New("milestone already granted")
)

// Delta describes the effect of one award.
type Delta struct {
	Award    model.CollectedItem
	OldXP    int
	NewXP    int
	OldLevel model.Level
	NewLevel model.Level
}

// LeveledUp reports whether the award changed the client's level.
func (d Delta) LeveledUp() bool { return d.OldLevel.Level != d.NewLevel.Level }

// Change returns the level transition, nil when there was none.
func (d Delta) Change() *model.LevelChange {
	if !d.LeveledUp() {
		return nil
	}
	return &model.LevelChange{Old: d.OldLevel.Level, New: d.NewLevel.Level}
}

type clientState struct {
	mu sync.Mutex
	c  model.Client
}

// Tracker serializes mutations per client; different clients never contend.
type Tracker struct {
	levels Levels
	xp     TierXP

	mu      sync.RWMutex
	clients map[string]*clientState
}

func NewTracker(levels Levels, xp TierXP) *Tracker {
	return &Tracker{levels: levels, xp: xp, clients: make(map[string]*clientState)}
}

// Levels exposes the configured ladder.
func (t *Tracker) Levels() Levels { return t.levels }

func (t *Tracker) state(id string) (*clientState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return st, nil
}

// Register adds a new client with an empty collection.
func (t *Tracker) Register(c model.Client) (model.Client, error) {
	if c.ID == "" {
		return model.Client{}, fmt.Errorf("client id is required")
	}
	c = c.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.clients[c.ID]; ok {
		return model.Client{}, fmt.Errorf("%w: %s", ErrClientExists, c.ID)
	}
	t.clients[c.ID] = &clientState{c: c}
	return c.Clone(), nil
}

// Restore installs a persisted client, replacing any in-memory copy.
func (t *Tracker) Restore(c model.Client) {
	c = c.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.ID] = &clientState{c: c}
}

// Get returns a copy of the client.
func (t *Tracker) Get(id string) (model.Client, bool) {
	st, err := t.state(id)
	if err != nil {
		return model.Client{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.c.Clone(), true
}

// List returns copies of all clients ordered by id.
func (t *Tracker) List() []model.Client {
	t.mu.RLock()
	states := make([]*clientState, 0, len(t.clients))
	for _, st := range t.clients {
		states = append(states, st)
	}
	t.mu.RUnlock()
	out := make([]model.Client, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.c.Clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LevelOf derives the client's level from its experience.
func (t *Tracker) LevelOf(c model.Client) model.Level { return t.levels.For(c.Experience) }

// RecordAward appends item to the client's collection and adds its experience.
func (t *Tracker) RecordAward(clientID string, item model.MagnetItem, orderID string, at time.Time) (Delta, error) {
	st, err := t.state(clientID)
	if err != nil {
		return Delta{}, err
	}
	gain := t.xp.Value(item.Tier)
	if gain < 0 {
		return Delta{}, fmt.Errorf("negative experience for tier %d", item.Tier)
	}
	award := model.CollectedItem{
		ID:        uuid.NewString(),
		Breed:     item.Breed,
		Tier:      item.Tier,
		OrderID:   orderID,
		AwardedAt: at.UTC(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	d := Delta{Award: award, OldXP: st.c.Experience, OldLevel: t.levels.For(st.c.Experience)}
	st.c.Collected = append(st.c.Collected, award)
	st.c.Experience += gain
	d.NewXP = st.c.Experience
	d.NewLevel = t.levels.For(st.c.Experience)
	return d, nil
}

// Count derives total and distinct-breed counts from a client's collection.
func Count(c model.Client) (total, distinct int) {
	return len(c.Collected), len(c.CollectedSet())
}

// CollectedCount reads the client's total and distinct-breed counts.
func (t *Tracker) CollectedCount(clientID string) (total, distinct int, err error) {
	c, ok := t.Get(clientID)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	total, distinct = Count(c)
	return total, distinct, nil
}

// Grant records m in the client's ledger. take runs under the client lock
// before the insert; the ledger entry is written only if take succeeds, and
// take is never called for a milestone that is already granted.
func (t *Tracker) Grant(clientID string, m model.Milestone, orderID string, take func() error) (model.Grant, error) {
	st, err := t.state(clientID)
	if err != nil {
		return model.Grant{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if g, ok := st.c.Granted[m.ID]; ok {
		return g, ErrAlreadyGranted
	}
	if take != nil {
		if err := take(); err != nil {
			return model.Grant{}, err
		}
	}
	g := model.Grant{MilestoneID: m.ID, Reward: m.Reward, OrderID: orderID, GrantedAt: time.Now().UTC()}
	if st.c.Granted == nil {
		st.c.Granted = make(map[string]model.Grant)
	}
	st.c.Granted[m.ID] = g
	return g, nil
}
