// Package model defines domain types used by the service.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the rarity of a magnet, expressed in stars.
type Tier int

const (
	TierCommon  Tier = 1
	TierSpecial Tier = 2
	TierElite   Tier = 3
)

// Valid reports whether t is one of the configured star tiers.
func (t Tier) Valid() bool { return t >= TierCommon && t <= TierElite }

// MagnetItem is a collectible identified by its breed.
type MagnetItem struct {
	Breed    string `json:"breed"`
	Tier     Tier   `json:"stars"`
	Category string `json:"category"`
}

// ItemInfo is an inventory view of an item.
type ItemInfo struct {
	MagnetItem
	Active bool `json:"active"`
	Stock  int  `json:"stock"`
}

// StockLevel is a stock count stamped with the version of the mutation that
// produced it. Versions grow with every change of the same key.
type StockLevel struct {
	Count   int
	Version uint64
}

// Basis selects which collection count a milestone is measured against.
type Basis int

const (
	// BasisCount measures total magnets collected, duplicates included.
	BasisCount Basis = iota + 1
	// BasisDistinct measures distinct breeds collected.
	BasisDistinct
)

func (b Basis) String() string {
	switch b {
	case BasisCount:
		return "by-count"
	case BasisDistinct:
		return "by-distinct"
	}
	return fmt.Sprintf("basis(%d)", int(b))
}

// MarshalText implements encoding.TextMarshaler.
func (b Basis) MarshalText() ([]byte, error) {
	switch b {
	case BasisCount, BasisDistinct:
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("unknown milestone basis %d", int(b))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Basis) UnmarshalText(text []byte) error {
	v, err := ParseBasis(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseBasis converts the textual form of a basis.
func ParseBasis(s string) (Basis, error) {
	switch s {
	case "by-count":
		return BasisCount, nil
	case "by-distinct":
		return BasisDistinct, nil
	}
	return 0, fmt.Errorf("unknown milestone basis %q", s)
}

// Milestone unlocks a physical bonus once a client's collection reaches Threshold.
type Milestone struct {
	ID        string `json:"id"`
	Threshold int    `json:"threshold"`
	Basis     Basis  `json:"basis"`
	Reward    string `json:"reward"`
	Icon      string `json:"icon,omitempty"`
}

// MilestoneID builds the default identifier for a milestone.
func MilestoneID(basis Basis, threshold int) string {
	return fmt.Sprintf("%s:%d", basis, threshold)
}

// CollectedItem is one magnet awarded to a client.
type CollectedItem struct {
	ID        string    `json:"id"`
	Breed     string    `json:"breed"`
	Tier      Tier      `json:"stars"`
	OrderID   string    `json:"order_id,omitempty"`
	AwardedAt time.Time `json:"awarded_at"`
}

// Grant is a ledger entry recording a redeemed milestone.
type Grant struct {
	MilestoneID string    `json:"milestone_id"`
	Reward      string    `json:"reward"`
	OrderID     string    `json:"order_id,omitempty"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Client is a participant of the promotion.
type Client struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Collected  []CollectedItem  `json:"collected"`
	Experience int              `json:"experience"`
	Granted    map[string]Grant `json:"granted"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Clone returns a deep copy of c.
func (c Client) Clone() Client {
	out := c
	out.Collected = append([]CollectedItem(nil), c.Collected...)
	out.Granted = make(map[string]Grant, len(c.Granted))
	for k, v := range c.Granted {
		out.Granted[k] = v
	}
	return out
}

// CollectedSet returns how many of each breed the client holds.
func (c Client) CollectedSet() map[string]int {
	set := make(map[string]int, len(c.Collected))
	for _, it := range c.Collected {
		set[it.Breed]++
	}
	return set
}

// Level is one step of the experience ladder.
type Level struct {
	Level int    `json:"level" yaml:"level"`
	Name  string `json:"name,omitempty" yaml:"name"`
	XPMin int    `json:"xp_min" yaml:"xp_min"`
}

// LevelChange reports a level transition.
type LevelChange struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderFulfilling    OrderStatus = "fulfilling"
	OrderAwaitingBonus OrderStatus = "awaiting-bonus"
	OrderCompleted     OrderStatus = "completed"
	OrderReturned      OrderStatus = "returned"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderReturned
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderFulfilling, OrderAwaitingBonus, OrderCompleted, OrderReturned:
		return true
	}
	return false
}

// Order is a purchase that earns a magnet once fulfilled.
type Order struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	Amount       decimal.Decimal `json:"amount"`
	Channel      string          `json:"channel,omitempty"`
	Status       OrderStatus     `json:"status"`
	AwardedBreed string          `json:"awarded_breed,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PaymentEvent confirms that an order was paid and may be fulfilled.
type PaymentEvent struct {
	ID       string `json:"event_id,omitempty"`
	OrderID  string `json:"order_id"`
	Sequence uint64 `json:"sequence,omitempty"`
}
