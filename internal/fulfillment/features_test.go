package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cucumber/godog"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
)

type featureContext struct {
	milestones []model.Milestone
	harness    *harness

	results  map[string]Result
	errs     map[string]error
	last     Result
	grantErr error
}

func (c *featureContext) reset() {
	*c = featureContext{results: map[string]Result{}, errs: map[string]error{}}
}

// h builds the harness on first use so milestone steps can run before it.
func (c *featureContext) h() *harness {
	if c.harness == nil {
		h, err := newHarness(c.milestones, Options{JournalBackoff: 1})
		if err != nil {
			panic(err)
		}
		c.harness = h
	}
	return c.harness
}

func (c *featureContext) milestoneAtDistinct(reward string, threshold int) error {
	c.milestones = append(c.milestones, model.Milestone{Threshold: threshold, Basis: model.BasisDistinct, Reward: reward})
	return nil
}

func (c *featureContext) tierWorth(stars, xp int) error {
	c.h().xp[model.Tier(stars)] = xp
	return nil
}

func (c *featureContext) itemWithStock(breed string, stars, stock int) error {
	return c.h().addItem(breed, model.Tier(stars), stock)
}

func (c *featureContext) clientWithOrder(clientID string, xp int, orderID string) error {
	if err := c.h().addClient(clientID, xp); err != nil {
		return err
	}
	return c.h().addOrder(orderID, clientID)
}

func (c *featureContext) clientWhoCollected(clientID, breeds string) error {
	return c.h().addClient(clientID, 0, strings.Split(breeds, ",")...)
}

func (c *featureContext) pendingOrder(orderID, clientID string) error {
	return c.h().addOrder(orderID, clientID)
}

func (c *featureContext) bonusStockIs(reward string, n int) error {
	_, err := c.h().bonus.Set(reward, n)
	return err
}

func (c *featureContext) fulfill(orderID string) error {
	res, err := c.h().coord.Fulfill(context.Background(), orderID)
	if err != nil {
		return err
	}
	c.last = res
	return nil
}

func (c *featureContext) fulfillConcurrently(a, b string) error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{a, b} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := c.h().coord.Fulfill(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.errs[id] = err
				return
			}
			c.results[id] = res
		}(id)
	}
	wg.Wait()
	return nil
}

func (c *featureContext) exactlyFulfilled(n int) error {
	if len(c.results) != n {
		return fmt.Errorf("fulfilled %d orders, want %d (errors: %v)", len(c.results), n, c.errs)
	}
	return nil
}

func (c *featureContext) otherFailsNoStock() error {
	if len(c.errs) != 1 {
		return fmt.Errorf("expected one failure, got %v", c.errs)
	}
	for id, err := range c.errs {
		if !errors.Is(err, selection.ErrNoStock) && !errors.Is(err, ErrRetriesExhausted) {
			return fmt.Errorf("order %s failed with %v", id, err)
		}
		o, _ := c.h().orders.Get(id)
		if o.Status != model.OrderPending {
			return fmt.Errorf("order %s is %s, want pending", id, o.Status)
		}
	}
	return nil
}

func (c *featureContext) stockIs(breed string, n int) error {
	if got := c.h().stock.Get(breed); got != n {
		return fmt.Errorf("stock of %s = %d, want %d", breed, got, n)
	}
	return nil
}

func (c *featureContext) orderIs(orderID, status string) error {
	o, err := c.h().orders.Get(orderID)
	if err != nil {
		return err
	}
	if string(o.Status) != status {
		return fmt.Errorf("order %s is %s, want %s", orderID, o.Status, status)
	}
	return nil
}

func (c *featureContext) orderWaitsFor(orderID, reward string) error {
	for _, m := range c.h().book.Remaining(orderID) {
		if m.Reward == reward {
			return nil
		}
	}
	return fmt.Errorf("order %s does not wait for %q", orderID, reward)
}

func (c *featureContext) grant(reward, orderID string) error {
	_, c.grantErr = c.h().coord.GrantBonus(context.Background(), orderID, reward)
	return nil
}

func (c *featureContext) grantFailsInsufficient() error {
	if !errors.Is(c.grantErr, redemption.ErrInsufficientBonusStock) {
		return fmt.Errorf("grant error = %v, want insufficient bonus stock", c.grantErr)
	}
	return nil
}

func (c *featureContext) grantSucceeds() error {
	if c.grantErr != nil {
		return fmt.Errorf("grant failed: %w", c.grantErr)
	}
	return nil
}

func (c *featureContext) bonusStockNow(reward string, n int) error {
	if got := c.h().bonus.Get(reward); got != n {
		return fmt.Errorf("bonus stock of %s = %d, want %d", reward, got, n)
	}
	return nil
}

func (c *featureContext) levelsUp(from, to int) error {
	lc := c.last.LevelUp
	if lc == nil || lc.Old != from || lc.New != to {
		return fmt.Errorf("level change = %+v, want %d -> %d", lc, from, to)
	}
	return nil
}

func (c *featureContext) noLevelChange() error {
	if c.last.LevelUp != nil {
		return fmt.Errorf("unexpected level change %+v", c.last.LevelUp)
	}
	return nil
}

func (c *featureContext) clientHasXP(clientID string, xp int) error {
	cl, ok := c.h().tracker.Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	if cl.Experience != xp {
		return fmt.Errorf("client %s has %d xp, want %d", clientID, cl.Experience, xp)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &featureContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^milestone "([^"]*)" at (\d+) distinct breeds$`, tc.milestoneAtDistinct)
	ctx.Step(`^(\d+)-star magnets are worth (\d+) xp$`, tc.tierWorth)
	ctx.Step(`^item "([^"]*)" with (\d+) stars? and stock (\d+)$`, tc.itemWithStock)
	ctx.Step(`^client "([^"]*)" with (\d+) xp and a pending order "([^"]*)"$`, tc.clientWithOrder)
	ctx.Step(`^client "([^"]*)" who collected "([^"]*)"$`, tc.clientWhoCollected)
	ctx.Step(`^a pending order "([^"]*)" for client "([^"]*)"$`, tc.pendingOrder)
	ctx.Step(`^bonus stock of "([^"]*)" is (\d+)$`, tc.bonusStockIs)

	// When steps
	ctx.Step(`^order "([^"]*)" is fulfilled$`, tc.fulfill)
	ctx.Step(`^orders "([^"]*)" and "([^"]*)" are fulfilled concurrently$`, tc.fulfillConcurrently)
	ctx.Step(`^bonus "([^"]*)" is granted for order "([^"]*)"$`, tc.grant)

	// Then steps
	ctx.Step(`^exactly (\d+) order is fulfilled$`, tc.exactlyFulfilled)
	ctx.Step(`^the other order fails with no stock and stays pending$`, tc.otherFailsNoStock)
	ctx.Step(`^the stock of "([^"]*)" is (\d+)$`, tc.stockIs)
	ctx.Step(`^order "([^"]*)" is "([^"]*)"$`, tc.orderIs)
	ctx.Step(`^order "([^"]*)" waits for "([^"]*)"$`, tc.orderWaitsFor)
	ctx.Step(`^the grant fails with insufficient bonus stock$`, tc.grantFailsInsufficient)
	ctx.Step(`^the grant succeeds$`, tc.grantSucceeds)
	ctx.Step(`^bonus stock of "([^"]*)" is now (\d+)$`, tc.bonusStockNow)
	ctx.Step(`^the client levels up from (\d+) to (\d+)$`, tc.levelsUp)
	ctx.Step(`^there is no level change$`, tc.noLevelChange)
	ctx.Step(`^client "([^"]*)" has (\d+) xp$`, tc.clientHasXP)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "fulfillment",
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
