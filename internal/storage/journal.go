// Package storage defines the durable journal the engine writes its effects to.
package storage

import (
	"context"
	"errors"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

// ErrConflict marks a write rejected by a constraint; retrying it cannot succeed.
var ErrConflict = errors.New("storage conflict")

// Item is a persisted item with its versioned stock.
type Item struct {
	model.MagnetItem
	Active bool
	Stock  model.StockLevel
}

// Snapshot is everything the engine needs to rebuild its in-memory state.
type Snapshot struct {
	Items      []Item
	BonusStock map[string]model.StockLevel
	Clients    []model.Client
	Orders     []model.Order
	// PendingBonuses maps an order id to the milestone ids it still waits for.
	PendingBonuses map[string][]string
}

// Fulfillment is every durable effect of one fulfilled order. It is written
// as a unit: either all of it is on disk or none of it is.
type Fulfillment struct {
	Order      model.Order
	Item       model.MagnetItem
	Stock      model.StockLevel
	Award      model.CollectedItem
	Experience int
	// Pending lists the milestone ids the order waits for.
	Pending []string
}

// Redemption is the durable effect of one bonus hand-out. Grant is nil when
// the client's ledger already held the milestone. Order is set when the
// hand-out completed the order.
type Redemption struct {
	OrderID     string
	ClientID    string
	MilestoneID string
	Grant       *model.Grant
	Stock       model.StockLevel
	Order       *model.Order
}

// Journal persists engine effects. Every write is idempotent so callers may
// retry it. Stock levels are kept only when their version is newer than the
// stored one, so writes for the same key may land in any order.
type Journal interface {
	SaveItem(ctx context.Context, it model.MagnetItem, active bool) error
	SaveItemStock(ctx context.Context, it model.MagnetItem, l model.StockLevel) error
	SaveBonusStock(ctx context.Context, reward string, l model.StockLevel) error
	SaveClient(ctx context.Context, c model.Client) error
	// SaveOrder never moves an order out of a terminal status.
	SaveOrder(ctx context.Context, o model.Order) error
	RecordFulfillment(ctx context.Context, f Fulfillment) error
	RecordRedemption(ctx context.Context, r Redemption) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// Nop is used when no database is configured.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) SaveItem(context.Context, model.MagnetItem, bool) error { return nil }
func (Nop) SaveItemStock(context.Context, model.MagnetItem, model.StockLevel) error { return nil }
func (Nop) SaveBonusStock(context.Context, string, model.StockLevel) error { return nil }
func (Nop) SaveClient(context.Context, model.Client) error { return nil }
func (Nop) SaveOrder(context.Context, model.Order) error { return nil }
func (Nop) RecordFulfillment(context.Context, Fulfillment) error { return nil }
func (Nop) RecordRedemption(context.Context, Redemption) error { return nil }
func (Nop) Load(context.Context) (Snapshot, error) { return Snapshot{}, nil }
func (Nop) Close() error { return nil }
