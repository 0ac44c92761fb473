// Package engine wires the reward components together, seeds them from the
// catalog or the journal, and exposes the administrative operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/magnet-rewards/internal/catalog"
	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	"github.com/fairyhunter13/magnet-rewards/internal/milestone"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

var ErrItemNotFound = errors.New("item not found")

// Options configure an Engine.
type Options struct {
	SelectionRetries int
	// SelectionSeed fixes the draw sequence; zero seeds from the clock.
	SelectionSeed   uint64
	JournalMaxTries uint
	JournalBackoff  time.Duration
}

type Engine struct {
	Items      *store.Items
	Stock      *store.Stock
	BonusStock *store.Stock
	Tracker    *progress.Tracker
	Evaluator  *milestone.Evaluator
	Book       *redemption.Book
	Orders     *fulfillment.Orders
	Coord      *fulfillment.Coordinator

	catalog *catalog.Catalog
	journal storage.Journal
	opts    fulfillment.Options
}

// New builds an engine with empty state. Call Bootstrap before serving.
func New(cat *catalog.Catalog, journal storage.Journal, opts Options) (*Engine, error) {
	levels, err := cat.LevelLadder()
	if err != nil {
		return nil, fmt.Errorf("levels: %w", err)
	}
	ev, err := cat.Evaluator()
	if err != nil {
		return nil, fmt.Errorf("milestones: %w", err)
	}
	if journal == nil {
		journal = storage.Nop{}
	}
	seed := opts.SelectionSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	e := &Engine{
		Items:      store.NewItems(),
		Stock:      store.NewStock(),
		BonusStock: store.NewStock(),
		Tracker:    progress.NewTracker(levels, cat.TierXP()),
		Evaluator:  ev,
		Orders:     fulfillment.NewOrders(),
		catalog:    cat,
		journal:    journal,
		opts: fulfillment.Options{
			SelectionRetries: opts.SelectionRetries,
			JournalMaxTries:  opts.JournalMaxTries,
			JournalBackoff:   opts.JournalBackoff,
		},
	}
	e.Book = redemption.NewBook(e.Tracker, e.BonusStock)
	policy := selection.NewPolicy(e.Stock, selection.Options{
		Weights: cat.SelectionWeights(),
		Welcome: cat.Welcome,
		Seed:    seed,
	})
	e.Coord = fulfillment.New(fulfillment.Deps{
		Orders:     e.Orders,
		Items:      e.Items,
		Stock:      e.Stock,
		BonusStock: e.BonusStock,
		Policy:     policy,
		Tracker:    e.Tracker,
		Evaluator:  ev,
		Book:       e.Book,
		Journal:    journal,
	}, e.opts)
	return e, nil
}

func (e *Engine) persist(ctx context.Context, what string, write func(context.Context) error) {
	if err := fulfillment.Persist(context.WithoutCancel(ctx), e.opts, write); err != nil {
		obs.Logger.Error("journal_write_failed", "what", what, "error", err)
	}
}

// Bootstrap loads persisted state. Catalog entries the journal does not know
// yet are seeded with their catalog stock.
func (e *Engine) Bootstrap(ctx context.Context) error {
	snap, err := e.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}

	known := make(map[string]bool, len(snap.Items))
	for _, it := range snap.Items {
		if err := e.restoreItem(it); err != nil {
			return fmt.Errorf("restore item %s: %w", it.Breed, err)
		}
		known[it.Breed] = true
	}
	for _, it := range e.catalog.Items {
		if known[it.Breed] {
			continue
		}
		item := model.MagnetItem{Breed: it.Breed, Tier: it.Tier, Category: it.Category}
		if err := e.Items.Upsert(item); err != nil {
			return fmt.Errorf("seed item %s: %w", it.Breed, err)
		}
		level, err := e.Stock.Put(it.Breed, it.Stock)
		if err != nil {
			return fmt.Errorf("seed item %s: %w", it.Breed, err)
		}
		e.persist(ctx, "item", func(ctx context.Context) error { return e.journal.SaveItem(ctx, item, true) })
		e.persist(ctx, "item_stock", func(ctx context.Context) error { return e.journal.SaveItemStock(ctx, item, level) })
	}

	for reward, l := range snap.BonusStock {
		if err := e.BonusStock.Restore(reward, l); err != nil {
			return fmt.Errorf("restore bonus %s: %w", reward, err)
		}
	}
	for reward, n := range e.catalog.BonusStock {
		if _, ok := snap.BonusStock[reward]; ok {
			continue
		}
		level, err := e.BonusStock.Put(reward, n)
		if err != nil {
			return fmt.Errorf("seed bonus %s: %w", reward, err)
		}
		e.persist(ctx, "bonus_stock", func(ctx context.Context) error { return e.journal.SaveBonusStock(ctx, reward, level) })
	}

	awarded := make(map[string]string)
	for _, c := range snap.Clients {
		e.Tracker.Restore(c)
		for _, a := range c.Collected {
			if a.OrderID != "" {
				awarded[a.OrderID] = a.Breed
			}
		}
	}
	for _, o := range snap.Orders {
		e.restoreOrder(ctx, o, snap.PendingBonuses[o.ID], awarded)
	}

	obs.Logger.Info("engine_bootstrapped",
		"items", len(e.Items.Active()),
		"clients", len(snap.Clients),
		"orders", len(snap.Orders),
	)
	return nil
}

func (e *Engine) restoreItem(it storage.Item) error {
	if err := e.Items.Upsert(it.MagnetItem); err != nil {
		return err
	}
	e.Items.SetActive(it.Breed, it.Active)
	return e.Stock.Restore(it.Breed, it.Stock)
}

// restoreOrder rebuilds an order and its bonus workflow. The client's award
// and grant ledger wins over the stored status: an order with an award is
// fulfilled, and an order only completes when every bonus it earned is granted.
func (e *Engine) restoreOrder(ctx context.Context, o model.Order, pendingIDs []string, awarded map[string]string) {
	stored := o.Status
	breed, hasAward := awarded[o.ID]
	if (o.Status == model.OrderPending || o.Status == model.OrderFulfilling) && hasAward {
		o.AwardedBreed = breed
		o.Status = model.OrderAwaitingBonus
		pendingIDs = nil
		obs.Logger.Warn("order_award_recovered", "order_id", o.ID, "breed", breed)
	}

	switch o.Status {
	case model.OrderFulfilling:
		// No award on record, so the fulfillment never happened.
		o.Status = model.OrderPending
		e.Orders.Restore(o)
		e.persist(ctx, "order", func(ctx context.Context) error { return e.journal.SaveOrder(ctx, o) })
	case model.OrderAwaitingBonus:
		remaining := e.owed(o.ClientID, pendingIDs)
		if len(remaining) == 0 {
			o.Status = model.OrderCompleted
		}
		e.Orders.Restore(o)
		e.Book.Restore(o.ID, o.ClientID, remaining)
		if o.Status != stored {
			e.persist(ctx, "order", func(ctx context.Context) error { return e.journal.SaveOrder(ctx, o) })
		}
	case model.OrderCompleted:
		e.Orders.Restore(o)
		e.Book.Restore(o.ID, o.ClientID, nil)
	default:
		e.Orders.Restore(o)
	}
}

// owed resolves the bonuses an awaiting order still waits for. Milestones the
// ledger already holds are dropped. Without a stored pending set the client's
// achieved but ungranted milestones are owed.
func (e *Engine) owed(clientID string, pendingIDs []string) []model.Milestone {
	client, ok := e.Tracker.Get(clientID)
	if !ok {
		return nil
	}
	if len(pendingIDs) == 0 {
		return e.Evaluator.Evaluate(client)
	}
	var out []model.Milestone
	for _, id := range pendingIDs {
		if _, granted := client.Granted[id]; granted {
			continue
		}
		if m, ok := e.Evaluator.Lookup(id); ok {
			out = append(out, m)
		}
	}
	return out
}
