// Package fulfillment turns a paid order into an awarded magnet, updated
// progress and, when milestones are crossed, a bonus redemption workflow.
package fulfillment

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/magnet-rewards/internal/milestone"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

// ErrRetriesExhausted is returned when every selected item was taken by a
// concurrent fulfillment before it could be decremented.
var ErrRetriesExhausted = errors.New("selection retries exhausted")

var tracer = otel.Tracer("github.com/fairyhunter13/magnet-rewards/internal/fulfillment")

// Counters are published under /debug/vars.
var counters = expvar.NewMap("fulfillment")

// Result describes one fulfilled order.
type Result struct {
	OrderID        string             `json:"order_id"`
	Item           model.MagnetItem   `json:"item_awarded"`
	LevelUp        *model.LevelChange `json:"level_up,omitempty"`
	Experience     int                `json:"experience"`
	Level          int                `json:"level"`
	PendingBonuses []model.Milestone  `json:"pending_bonuses"`
	Status         model.OrderStatus  `json:"status"`
}

// BonusResult describes the order after a bonus was handed out.
type BonusResult struct {
	OrderID   string            `json:"order_id"`
	Grant     model.Grant       `json:"grant"`
	Remaining []model.Milestone `json:"remaining"`
	Status    model.OrderStatus `json:"status"`
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Orders     *Orders
	Items      *store.Items
	Stock      *store.Stock
	BonusStock *store.Stock
	Policy     *selection.Policy
	Tracker    *progress.Tracker
	Evaluator  *milestone.Evaluator
	Book       *redemption.Book
	Journal    storage.Journal
}

// Options tune retry behaviour.
type Options struct {
	// SelectionRetries bounds how often a lost decrement race re-selects.
	SelectionRetries int
	// JournalMaxTries bounds attempts per journal write.
	JournalMaxTries uint
	// JournalBackoff is the initial interval between journal attempts.
	JournalBackoff time.Duration
}

type Coordinator struct {
	Deps
	opts Options
}

// New wires a Coordinator and registers it as the completion hook of the book.
func New(d Deps, opts Options) *Coordinator {
	if opts.SelectionRetries <= 0 {
		opts.SelectionRetries = 3
	}
	if opts.JournalMaxTries == 0 {
		opts.JournalMaxTries = 5
	}
	if opts.JournalBackoff <= 0 {
		opts.JournalBackoff = 50 * time.Millisecond
	}
	if d.Journal == nil {
		d.Journal = storage.Nop{}
	}
	c := &Coordinator{Deps: d, opts: opts}
	d.Book.OnComplete = c.completeOrder
	return c
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Fulfill awards a magnet for a pending order. Until the stock decrement
// succeeds any failure returns the order to pending with no other effect.
func (c *Coordinator) Fulfill(ctx context.Context, orderID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.Fulfill")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := c.Orders.Transition(orderID, model.OrderFulfilling, nil)
	if err != nil {
		return Result{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("client.id", o.ClientID))

	item, level, err := c.take(ctx, o)
	if err != nil {
		if _, rbErr := c.Orders.Transition(orderID, model.OrderPending, nil); rbErr != nil {
			obs.Logger.Error("order_rollback_failed", "order_id", orderID, "error", rbErr)
		}
		counters.Add("fulfill_failed", 1)
		return Result{}, fail(span, err)
	}

	// The unit is ours from here on; nothing below is undone.
	delta, err := c.Tracker.RecordAward(o.ClientID, item, orderID, time.Now())
	if err != nil {
		return Result{}, fail(span, fmt.Errorf("record award: %w", err))
	}
	client, _ := c.Tracker.Get(o.ClientID)
	pending := c.Evaluator.Evaluate(client)

	status := model.OrderCompleted
	if len(pending) > 0 {
		status = model.OrderAwaitingBonus
	}
	// The workflow opens under the order lock, so an order is never seen
	// awaiting a bonus before its workflow exists.
	var wf redemption.Workflow
	o, err = c.Orders.Transition(orderID, status, func(o *model.Order) error {
		o.AwardedBreed = item.Breed
		var err error
		wf, err = c.Book.Start(orderID, o.ClientID, pending)
		return err
	})
	if err != nil {
		return Result{}, fail(span, err)
	}

	rec := storage.Fulfillment{
		Order:      o,
		Item:       item,
		Stock:      level,
		Award:      delta.Award,
		Experience: delta.NewXP,
		Pending:    milestoneIDs(wf.Remaining),
	}
	c.persist(context.WithoutCancel(ctx), "fulfillment", func(ctx context.Context) error {
		return c.Journal.RecordFulfillment(ctx, rec)
	})

	res := Result{
		OrderID:        orderID,
		Item:           item,
		LevelUp:        delta.Change(),
		Experience:     delta.NewXP,
		Level:          delta.NewLevel.Level,
		PendingBonuses: wf.Remaining,
		Status:         o.Status,
	}
	if res.PendingBonuses == nil {
		res.PendingBonuses = []model.Milestone{}
	}
	span.SetAttributes(
		attribute.String("magnet.breed", item.Breed),
		attribute.Int("magnet.tier", int(item.Tier)),
		attribute.Int("bonuses.pending", len(wf.Remaining)),
	)
	counters.Add("fulfilled", 1)
	obs.Logger.Info("order_fulfilled",
		"order_id", orderID,
		"client_id", o.ClientID,
		"breed", item.Breed,
		"stars", int(item.Tier),
		"experience", delta.NewXP,
		"level", delta.NewLevel.Level,
		"pending_bonuses", len(wf.Remaining),
		"status", string(o.Status),
	)
	if delta.LeveledUp() {
		obs.Logger.Info("client_level_up", "client_id", o.ClientID, "old", delta.OldLevel.Level, "new", delta.NewLevel.Level)
	}
	return res, nil
}

// take selects an item and decrements its stock. A lost race excludes the
// contested item and selects again, at most SelectionRetries times.
func (c *Coordinator) take(ctx context.Context, o model.Order) (model.MagnetItem, model.StockLevel, error) {
	var none model.StockLevel
	client, ok := c.Tracker.Get(o.ClientID)
	if !ok {
		return model.MagnetItem{}, none, fmt.Errorf("%w: %s", progress.ErrClientNotFound, o.ClientID)
	}
	collected := client.CollectedSet()
	available := c.Items.Active()

	for attempt := 0; attempt < c.opts.SelectionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.MagnetItem{}, none, err
		}
		item, err := c.Policy.Select(available, collected)
		if err != nil {
			return model.MagnetItem{}, none, err
		}
		level, err := c.Stock.Take(item.Breed)
		if err == nil {
			return item, level, nil
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			return model.MagnetItem{}, none, err
		}
		obs.Logger.Debug("selection_race_lost", "order_id", o.ID, "breed", item.Breed, "attempt", attempt+1)
		available = without(available, item.Breed)
	}
	return model.MagnetItem{}, none, fmt.Errorf("%w: %w", ErrRetriesExhausted, store.ErrInsufficientStock)
}

func without(items []model.MagnetItem, breed string) []model.MagnetItem {
	out := make([]model.MagnetItem, 0, len(items))
	for _, it := range items {
		if it.Breed != breed {
			out = append(out, it)
		}
	}
	return out
}

// GrantBonus hands out one pending bonus of an order.
func (c *Coordinator) GrantBonus(ctx context.Context, orderID, reward string) (BonusResult, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.GrantBonus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("bonus.reward", reward))

	o, err := c.Orders.Get(orderID)
	if err != nil {
		return BonusResult{}, fail(span, err)
	}
	g, err := c.Book.Grant(ctx, orderID, reward)
	if err != nil && !errors.Is(err, redemption.ErrAlreadyGranted) {
		if errors.Is(err, redemption.ErrInsufficientBonusStock) {
			obs.Logger.Warn("bonus_out_of_stock", "order_id", orderID, "reward", reward)
		}
		return BonusResult{}, fail(span, err)
	}

	remaining := c.Book.Remaining(orderID)
	o, _ = c.Orders.Get(orderID)
	rec := storage.Redemption{OrderID: orderID, ClientID: o.ClientID, MilestoneID: g.MilestoneID}
	if o.Status == model.OrderCompleted {
		rec.Order = &o
	}
	if err == nil {
		rec.Grant = &g
		// Read after the decrement: the level is at least as new as ours.
		rec.Stock = c.BonusStock.Read(g.Reward)
		counters.Add("bonuses_granted", 1)
		obs.Logger.Info("bonus_granted", "order_id", orderID, "client_id", o.ClientID, "milestone_id", g.MilestoneID, "reward", g.Reward)
	} else {
		obs.Logger.Info("bonus_already_granted", "order_id", orderID, "client_id", o.ClientID, "reward", reward)
	}
	c.persist(context.WithoutCancel(ctx), "redemption", func(ctx context.Context) error {
		return c.Journal.RecordRedemption(ctx, rec)
	})

	if remaining == nil {
		remaining = []model.Milestone{}
	}
	return BonusResult{OrderID: orderID, Grant: g, Remaining: remaining, Status: o.Status}, err
}

// completeOrder runs when the last pending bonus of an order was granted.
// GrantBonus journals the completed order together with the grant.
func (c *Coordinator) completeOrder(ctx context.Context, orderID string) {
	o, err := c.Orders.Transition(orderID, model.OrderCompleted, nil)
	if err != nil {
		obs.Logger.Error("order_complete_failed", "order_id", orderID, "error", err)
		return
	}
	obs.Logger.Info("order_completed", "order_id", orderID, "client_id", o.ClientID)
}

// Return marks a pending order as returned; it will never be fulfilled.
func (c *Coordinator) Return(ctx context.Context, orderID string) (model.Order, error) {
	o, err := c.Orders.Transition(orderID, model.OrderReturned, nil)
	if err != nil {
		return model.Order{}, err
	}
	c.persist(context.WithoutCancel(ctx), "order", func(ctx context.Context) error { return c.Journal.SaveOrder(ctx, o) })
	obs.Logger.Info("order_returned", "order_id", orderID, "client_id", o.ClientID)
	return o, nil
}

func milestoneIDs(ms []model.Milestone) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

// persist writes one effect to the journal, retrying transient failures with
// exponential backoff. The in-memory state stays authoritative when it gives up.
func (c *Coordinator) persist(ctx context.Context, what string, write func(context.Context) error) {
	if err := Persist(ctx, c.opts, write); err != nil {
		counters.Add("journal_failures", 1)
		obs.Logger.Error("journal_write_failed", "what", what, "error", err)
	}
}

// Persist runs write with the journal retry policy in opts. Conflicts are not retried.
func Persist(ctx context.Context, opts Options, write func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.JournalBackoff
	b.MaxInterval = 20 * opts.JournalBackoff
	tries := opts.JournalMaxTries
	if tries == 0 {
		tries = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := write(ctx)
		if errors.Is(err, storage.ErrConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}
