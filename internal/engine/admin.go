package engine

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	"github.com/fairyhunter13/magnet-rewards/internal/milestone"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

// Inventory lists every item with its stock.
func (e *Engine) Inventory() []model.ItemInfo {
	return e.Items.Info(e.Stock)
}

// PutItem registers or updates an item and sets its stock.
func (e *Engine) PutItem(ctx context.Context, it model.MagnetItem, stock int) (model.ItemInfo, error) {
	if stock < 0 {
		return model.ItemInfo{}, fmt.Errorf("%w: stock must not be negative", store.ErrInvalidValue)
	}
	if err := e.Items.Upsert(it); err != nil {
		return model.ItemInfo{}, fmt.Errorf("%w: breed is required and stars must be 1..3", err)
	}
	level, err := e.Stock.Put(it.Breed, stock)
	if err != nil {
		return model.ItemInfo{}, err
	}
	info, err := e.Item(it.Breed)
	if err != nil {
		return model.ItemInfo{}, err
	}
	e.persist(ctx, "item", func(ctx context.Context) error { return e.journal.SaveItem(ctx, info.MagnetItem, info.Active) })
	e.persist(ctx, "item_stock", func(ctx context.Context) error { return e.journal.SaveItemStock(ctx, it, level) })
	obs.Logger.Info("item_updated", "breed", info.Breed, "stars", int(info.Tier), "stock", level.Count)
	return info, nil
}

// SetItemActive withdraws an item from selection or brings it back.
func (e *Engine) SetItemActive(ctx context.Context, breed string, active bool) (model.ItemInfo, error) {
	if !e.Items.SetActive(breed, active) {
		return model.ItemInfo{}, fmt.Errorf("%w: %s", ErrItemNotFound, breed)
	}
	info, err := e.Item(breed)
	if err != nil {
		return model.ItemInfo{}, err
	}
	e.persist(ctx, "item", func(ctx context.Context) error { return e.journal.SaveItem(ctx, info.MagnetItem, active) })
	obs.Logger.Info("item_activation_changed", "breed", breed, "active", active)
	return info, nil
}

// Item returns one inventory entry.
func (e *Engine) Item(breed string) (model.ItemInfo, error) {
	it, active, ok := e.Items.Get(breed)
	if !ok {
		return model.ItemInfo{}, fmt.Errorf("%w: %s", ErrItemNotFound, breed)
	}
	return model.ItemInfo{MagnetItem: it, Active: active, Stock: e.Stock.Get(breed)}, nil
}

// BonusInventory returns the stock of every bonus reward.
func (e *Engine) BonusInventory() map[string]int {
	return e.BonusStock.Snapshot()
}

// SetBonusStock overrides the stock of a bonus reward.
func (e *Engine) SetBonusStock(ctx context.Context, reward string, n int) (int, error) {
	if reward == "" {
		return 0, fmt.Errorf("%w: reward is required", store.ErrInvalidValue)
	}
	level, err := e.BonusStock.Put(reward, n)
	if err != nil {
		return level.Count, fmt.Errorf("%w: stock must not be negative", err)
	}
	e.persist(ctx, "bonus_stock", func(ctx context.Context) error { return e.journal.SaveBonusStock(ctx, reward, level) })
	obs.Logger.Info("bonus_stock_updated", "reward", reward, "stock", level.Count)
	return level.Count, nil
}

// RegisterClient ingests a client. Progress always starts empty.
func (e *Engine) RegisterClient(ctx context.Context, id, name string) (model.Client, error) {
	if id == "" {
		return model.Client{}, fmt.Errorf("%w: client id is required", store.ErrInvalidValue)
	}
	c, err := e.Tracker.Register(model.Client{ID: id, Name: name})
	if err != nil {
		return model.Client{}, err
	}
	e.persist(ctx, "client", func(ctx context.Context) error { return e.journal.SaveClient(ctx, c) })
	obs.Logger.Info("client_registered", "client_id", c.ID)
	return c, nil
}

// ClientView is a client's progress report.
type ClientView struct {
	model.Client
	Level          model.Level          `json:"level"`
	NextLevel      *model.Level         `json:"next_level,omitempty"`
	TotalCollected int                  `json:"total_collected"`
	Distinct       int                  `json:"distinct_collected"`
	Milestones     []milestone.Progress `json:"milestones"`
}

func (e *Engine) Client(id string) (ClientView, error) {
	c, ok := e.Tracker.Get(id)
	if !ok {
		return ClientView{}, fmt.Errorf("%w: %s", progress.ErrClientNotFound, id)
	}
	total, distinct := progress.Count(c)
	v := ClientView{
		Client:         c,
		Level:          e.Tracker.LevelOf(c),
		TotalCollected: total,
		Distinct:       distinct,
		Milestones:     e.Evaluator.Progress(c),
	}
	if next, ok := e.Tracker.Levels().Next(c.Experience); ok {
		v.NextLevel = &next
	}
	return v, nil
}

// CreateOrder ingests a pending order for a registered client.
func (e *Engine) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if _, ok := e.Tracker.Get(o.ClientID); !ok {
		return model.Order{}, fmt.Errorf("%w: %s", progress.ErrClientNotFound, o.ClientID)
	}
	o, err := e.Orders.Create(o)
	if err != nil {
		return model.Order{}, err
	}
	e.persist(ctx, "order", func(ctx context.Context) error { return e.journal.SaveOrder(ctx, o) })
	obs.Logger.Info("order_created", "order_id", o.ID, "client_id", o.ClientID, "amount", o.Amount.String())
	return o, nil
}

func (e *Engine) Order(id string) (model.Order, error) { return e.Orders.Get(id) }

func (e *Engine) Milestones() []model.Milestone { return e.Evaluator.Milestones() }

func (e *Engine) Levels() []model.Level { return e.Tracker.Levels() }

func (e *Engine) Fulfill(ctx context.Context, orderID string) (fulfillment.Result, error) {
	return e.Coord.Fulfill(ctx, orderID)
}

func (e *Engine) GrantBonus(ctx context.Context, orderID, reward string) (fulfillment.BonusResult, error) {
	return e.Coord.GrantBonus(ctx, orderID, reward)
}

func (e *Engine) ReturnOrder(ctx context.Context, orderID string) (model.Order, error) {
	return e.Coord.Return(ctx, orderID)
}
