package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/magnet-rewards/internal/milestone"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

var defaultLevels = []model.Level{
	{Level: 1, XPMin: 0},
	{Level: 2, XPMin: 50},
	{Level: 3, XPMin: 200},
	{Level: 4, XPMin: 450},
}

// harness wires a Coordinator over fresh in-memory state.
type harness struct {
	orders  *Orders
	items   *store.Items
	stock   *store.Stock
	bonus   *store.Stock
	tracker *progress.Tracker
	xp      progress.TierXP
	book    *redemption.Book
	journal *recordingJournal
	coord   *Coordinator
}

func newHarness(milestones []model.Milestone, opts Options) (*harness, error) {
	levels, err := progress.NewLevels(defaultLevels)
	if err != nil {
		return nil, err
	}
	ev, err := milestone.NewEvaluator(milestones)
	if err != nil {
		return nil, err
	}
	h := &harness{
		orders:  NewOrders(),
		items:   store.NewItems(),
		stock:   store.NewStock(),
		bonus:   store.NewStock(),
		journal: &recordingJournal{},
	}
	h.xp = progress.TierXP{model.TierCommon: 10, model.TierSpecial: 25, model.TierElite: 50}
	h.tracker = progress.NewTracker(levels, h.xp)
	h.book = redemption.NewBook(h.tracker, h.bonus)
	h.coord = New(Deps{
		Orders:     h.orders,
		Items:      h.items,
		Stock:      h.stock,
		BonusStock: h.bonus,
		Policy:     selection.NewPolicy(h.stock, selection.Options{Seed: 1}),
		Tracker:    h.tracker,
		Evaluator:  ev,
		Book:       h.book,
		Journal:    h.journal,
	}, opts)
	return h, nil
}

func mustHarness(t *testing.T, milestones []model.Milestone) *harness {
	t.Helper()
	h, err := newHarness(milestones, Options{JournalBackoff: 1})
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	return h
}

func (h *harness) addItem(breed string, tier model.Tier, stock int) error {
	if err := h.items.Upsert(model.MagnetItem{Breed: breed, Tier: tier}); err != nil {
		return err
	}
	_, err := h.stock.Set(breed, stock)
	return err
}

func (h *harness) addClient(id string, xp int, breeds ...string) error {
	c := model.Client{ID: id, Experience: xp}
	for _, b := range breeds {
		c.Collected = append(c.Collected, model.CollectedItem{Breed: b, Tier: model.TierCommon})
	}
	_, err := h.tracker.Register(c)
	return err
}

func (h *harness) addOrder(id, clientID string) error {
	_, err := h.orders.Create(model.Order{ID: id, ClientID: clientID, Amount: decimal.NewFromInt(10)})
	return err
}

// recordingJournal counts writes and can fail a number of times first.
type recordingJournal struct {
	storage.Nop
	mu       sync.Mutex
	failures int
	awards   int
	grants   int
	stock    map[string]model.StockLevel
	orders   map[string]model.Order
	pending  map[string][]string
}

var errFlaky = errors.New("disk busy")

func (j *recordingJournal) flaky() error {
	if j.failures > 0 {
		j.failures--
		return errFlaky
	}
	return nil
}

func (j *recordingJournal) init() {
	if j.orders == nil {
		j.orders = map[string]model.Order{}
		j.pending = map[string][]string{}
		j.stock = map[string]model.StockLevel{}
	}
}

func (j *recordingJournal) saveStock(key string, l model.StockLevel) {
	if l.Version > j.stock[key].Version {
		j.stock[key] = l
	}
}

func (j *recordingJournal) RecordFulfillment(_ context.Context, f storage.Fulfillment) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.flaky(); err != nil {
		return err
	}
	j.init()
	j.awards++
	j.saveStock(f.Item.Breed, f.Stock)
	j.orders[f.Order.ID] = f.Order
	j.pending[f.Order.ID] = f.Pending
	return nil
}

func (j *recordingJournal) RecordRedemption(_ context.Context, r storage.Redemption) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.init()
	if r.Grant != nil {
		j.grants++
		j.saveStock("bonus:"+r.Grant.Reward, r.Stock)
	}
	var left []string
	for _, id := range j.pending[r.OrderID] {
		if id != r.MilestoneID {
			left = append(left, id)
		}
	}
	j.pending[r.OrderID] = left
	if r.Order != nil {
		j.orders[r.OrderID] = *r.Order
	}
	return nil
}

func (j *recordingJournal) SaveOrder(_ context.Context, o model.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.init()
	j.orders[o.ID] = o
	return nil
}
