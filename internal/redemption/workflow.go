// Package redemption gates order completion on every earned bonus being handed out.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

var (
	ErrInsufficientBonusStock = errors.New("insufficient bonus stock")
	ErrNotPending             = errors.New("order has no pending bonuses")
	ErrMilestoneNotPending    = errors.New("bonus is not pending for this order")
	ErrWorkflowExists         = errors.New("workflow already started")
	// ErrAlreadyGranted is returned when the client's ledger already holds the milestone.
	ErrAlreadyGranted = progress.ErrAlreadyGranted
)

var tracer = otel.Tracer("github.com/fairyhunter13/magnet-rewards/internal/redemption")

// State of a workflow.
type State int

const (
	StateIdle State = iota
	StatePendingBonuses
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingBonuses:
		return "pending-bonuses"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Workflow is a point-in-time view of one order's redemption.
type Workflow struct {
	OrderID   string            `json:"order_id"`
	ClientID  string            `json:"client_id"`
	State     State             `json:"state"`
	Remaining []model.Milestone `json:"remaining"`
}

type flow struct {
	mu        sync.Mutex
	orderID   string
	clientID  string
	state     State
	remaining []model.Milestone
}

func (f *flow) view() Workflow {
	return Workflow{
		OrderID:   f.orderID,
		ClientID:  f.clientID,
		State:     f.state,
		Remaining: append([]model.Milestone(nil), f.remaining...),
	}
}

// Ledger records grants against a client's milestone ledger.
type Ledger interface {
	Grant(clientID string, m model.Milestone, orderID string, take func() error) (model.Grant, error)
}

// BonusStock is the decrement side of the bonus inventory.
type BonusStock interface {
	Decrement(key string) (int, error)
}

// Book holds the redemption workflow of every order that earned bonuses.
// Locks are taken in the order workflow, client, stock key.
type Book struct {
	ledger Ledger
	stock  BonusStock

	// OnComplete runs after a workflow reaches StateCompleted through Grant,
	// outside the workflow lock.
	OnComplete func(ctx context.Context, orderID string)

	mu    sync.RWMutex
	flows map[string]*flow
}

func NewBook(ledger Ledger, stock BonusStock) *Book {
	return &Book{ledger: ledger, stock: stock, flows: make(map[string]*flow)}
}

// Start opens the workflow for an order. With nothing pending it completes immediately.
func (b *Book) Start(orderID, clientID string, pending []model.Milestone) (Workflow, error) {
	f := &flow{orderID: orderID, clientID: clientID, state: StateIdle}
	if len(pending) == 0 {
		f.state = StateCompleted
	} else {
		f.state = StatePendingBonuses
		f.remaining = append([]model.Milestone(nil), pending...)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.flows[orderID]; ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowExists, orderID)
	}
	b.flows[orderID] = f
	return f.view(), nil
}

// Restore reinstalls a persisted workflow.
func (b *Book) Restore(orderID, clientID string, remaining []model.Milestone) {
	f := &flow{orderID: orderID, clientID: clientID, state: StateCompleted}
	if len(remaining) > 0 {
		f.state = StatePendingBonuses
		f.remaining = append([]model.Milestone(nil), remaining...)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flows[orderID] = f
}

func (b *Book) lookup(orderID string) (*flow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.flows[orderID]
	return f, ok
}

// Get returns the current view of an order's workflow.
func (b *Book) Get(orderID string) (Workflow, bool) {
	f, ok := b.lookup(orderID)
	if !ok {
		return Workflow{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view(), true
}

// State reports the workflow state, StateIdle for unknown orders.
func (b *Book) State(orderID string) State {
	w, ok := b.Get(orderID)
	if !ok {
		return StateIdle
	}
	return w.State
}

// Remaining lists the milestones still to be granted for the order.
func (b *Book) Remaining(orderID string) []model.Milestone {
	w, _ := b.Get(orderID)
	return w.Remaining
}

func matches(m model.Milestone, reward string) bool {
	return m.Reward == reward || m.ID == reward
}

// Grant hands out one pending bonus, identified by reward or milestone id.
// The bonus stock is decremented only when the client's ledger accepts the
// grant. A bonus that is out of stock stays pending.
func (b *Book) Grant(ctx context.Context, orderID, reward string) (model.Grant, error) {
	ctx, span := tracer.Start(ctx, "redemption.Grant")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("bonus.reward", reward))

	g, completed, err := b.grant(orderID, reward)
	if err != nil && !errors.Is(err, ErrAlreadyGranted) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if completed {
		span.AddEvent("workflow_completed")
		if b.OnComplete != nil {
			b.OnComplete(ctx, orderID)
		}
	}
	return g, err
}

func (b *Book) grant(orderID, reward string) (model.Grant, bool, error) {
	f, ok := b.lookup(orderID)
	if !ok {
		return model.Grant{}, false, fmt.Errorf("%w: %s", ErrNotPending, orderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePendingBonuses {
		return model.Grant{}, false, fmt.Errorf("%w: %s is %s", ErrNotPending, orderID, f.state)
	}
	idx := -1
	for i, m := range f.remaining {
		if matches(m, reward) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Grant{}, false, fmt.Errorf("%w: %s", ErrMilestoneNotPending, reward)
	}
	m := f.remaining[idx]

	g, err := b.ledger.Grant(f.clientID, m, orderID, func() error {
		if _, err := b.stock.Decrement(m.Reward); err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				return fmt.Errorf("%w: %s", ErrInsufficientBonusStock, m.Reward)
			}
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrAlreadyGranted) {
		return model.Grant{}, false, err
	}

	// Granted now or earlier; either way the ledger holds it.
	f.remaining = append(f.remaining[:idx:idx], f.remaining[idx+1:]...)
	if len(f.remaining) == 0 {
		f.state = StateCompleted
		return g, true, err
	}
	return g, false, err
}
