package fulfillment

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
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderExists           = errors.New("order already exists")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrOrderAlreadyFulfilled = errors.New("order already fulfilled")
	ErrOrderReturned         = errors.New("order was returned")
	ErrInvalidTransition     = errors.New("invalid order transition")
)

// allowed lists the legal status transitions.
var allowed = map[model.OrderStatus][]model.OrderStatus{
	model.OrderPending:       {model.OrderFulfilling, model.OrderReturned},
	model.OrderFulfilling:    {model.OrderPending, model.OrderAwaitingBonus, model.OrderCompleted},
	model.OrderAwaitingBonus: {model.OrderCompleted},
}

func canMove(from, to model.OrderStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type orderState struct {
	mu sync.Mutex
	o  model.Order
}

// Orders is the in-memory order repository. Status changes are
// compare-and-set under a per-order lock.
type Orders struct {
	mu sync.RWMutex
	m  map[string]*orderState
}

func NewOrders() *Orders {
	return &Orders{m: make(map[string]*orderState)}
}

// Create registers a new pending order. An empty id is generated.
func (r *Orders) Create(o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ClientID == "" {
		return model.Order{}, fmt.Errorf("%w: client_id is required", ErrInvalidOrder)
	}
	if o.Amount.IsNegative() {
		return model.Order{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidOrder)
	}
	now := time.Now().UTC()
	o.Status = model.OrderPending
	o.AwardedBreed = ""
	o.CreatedAt, o.UpdatedAt = now, now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[o.ID]; ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
	}
	r.m[o.ID] = &orderState{o: o}
	return o, nil
}

// Restore installs a persisted order as is.
func (r *Orders) Restore(o model.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[o.ID] = &orderState{o: o}
}

func (r *Orders) state(id string) (*orderState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return st, nil
}

func (r *Orders) Get(id string) (model.Order, error) {
	st, err := r.state(id)
	if err != nil {
		return model.Order{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.o, nil
}

// List returns all orders, oldest first.
func (r *Orders) List() []model.Order {
	r.mu.RLock()
	states := make([]*orderState, 0, len(r.m))
	for _, st := range r.m {
		states = append(states, st)
	}
	r.mu.RUnlock()
	out := make([]model.Order, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.o)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transition moves the order to status to when the move is legal. mutate,
// if set, runs on the order under the same lock; when it fails the order is
// left as it was.
func (r *Orders) Transition(id string, to model.OrderStatus, mutate func(*model.Order) error) (model.Order, error) {
	st, err := r.state(id)
	if err != nil {
		return model.Order{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	from := st.o.Status
	if !canMove(from, to) {
		return st.o, transitionError(id, from, to)
	}
	next := st.o
	next.Status = to
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return st.o, err
		}
	}
	next.UpdatedAt = time.Now().UTC()
	st.o = next
	return st.o, nil
}

func transitionError(id string, from, to model.OrderStatus) error {
	switch {
	case from == model.OrderReturned:
		return fmt.Errorf("%w: %s", ErrOrderReturned, id)
	case to == model.OrderFulfilling || to == model.OrderReturned:
		return fmt.Errorf("%w: %s is %s", ErrOrderAlreadyFulfilled, id, from)
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}
