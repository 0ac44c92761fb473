package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fairyhunter13/magnet-rewards/internal/config"
	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
)

// recordingFulfiller remembers every order it was asked to fulfill.
type recordingFulfiller struct {
	mu    sync.Mutex
	seen  map[string]int
	fails map[string]bool
}

func newRecordingFulfiller() *recordingFulfiller {
	return &recordingFulfiller{seen: map[string]int{}, fails: map[string]bool{}}
}

func (f *recordingFulfiller) Fulfill(_ context.Context, orderID string) (fulfillment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[orderID]++
	if f.fails[orderID] {
		return fulfillment.Result{}, errors.New("no stock")
	}
	return fulfillment.Result{OrderID: orderID, Status: model.OrderCompleted}, nil
}

func (f *recordingFulfiller) count(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[orderID]
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestQueueNonBlockingEnqueue(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 0)
	for i := 0; i < 1000; i++ {
		if ok := q.Enqueue(model.PaymentEvent{OrderID: "o"}); !ok {
			t.Fatalf("enqueue failed at %d", i)
		}
	}
	if q.BacklogSize() == 0 {
		t.Fatalf("expected backlog > 0")
	}
}

func TestQueueShutdownIntake(t *testing.T) {
	q := New(1)
	q.CloseIntake()
	if !q.IsShuttingDown() {
		t.Fatalf("expected shutting down true")
	}
	if ok := q.Enqueue(model.PaymentEvent{OrderID: "o"}); ok {
		t.Fatalf("expected enqueue false when shutting down")
	}
}

func TestQueueKeepsArrivalOrder(t *testing.T) {
	q := New(4)
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(model.PaymentEvent{OrderID: id})
	}
	q.flushOnce()
	for _, want := range []string{"a", "b", "c"} {
		if got := (<-q.Out()).OrderID; got != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
}

func TestManagerDrain(t *testing.T) {
	obs.InitLogger()
	f := newRecordingFulfiller()
	f.fails["o-3"] = true
	mgr := NewManager(testConfig(t), New(16), f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	var last model.PaymentEvent
	for i := 0; i < 100; i++ {
		ev, ok := mgr.Enqueue(model.PaymentEvent{OrderID: "o-" + string(rune('0'+i%10))})
		if !ok {
			t.Fatalf("enqueue %d rejected", i)
		}
		last = ev
	}
	if last.Sequence != 100 {
		t.Fatalf("expected sequence 100, got %d", last.Sequence)
	}
	if ok := mgr.DrainUntil(context.Background()); !ok {
		t.Fatalf("expected drain true")
	}
	if n := f.count("o-0"); n != 10 {
		t.Fatalf("expected 10 calls for o-0, got %d", n)
	}
	m := mgr.QueueMetrics()
	if m.Processed != 100 || m.Failed != 10 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestManagerRejectsAfterClose(t *testing.T) {
	mgr := NewManager(testConfig(t), New(1), newRecordingFulfiller())
	mgr.CloseIntake()
	if _, ok := mgr.Enqueue(model.PaymentEvent{OrderID: "o"}); ok {
		t.Fatalf("expected rejection after close")
	}
	if !mgr.IsShuttingDown() {
		t.Fatalf("expected shutting down")
	}
}

func TestManagerReportsSizes(t *testing.T) {
	q := New(4)
	mgr := NewManager(testConfig(t), q, newRecordingFulfiller())
	if mgr.WorkerCount() != 0 {
		t.Fatalf("expected no workers before Start")
	}
	for _, id := range []string{"a", "b", "c"} {
		mgr.Enqueue(model.PaymentEvent{OrderID: id})
	}
	if mgr.BacklogSize() != 3 || mgr.QueueDepth() != 3 {
		t.Fatalf("backlog %d depth %d, want 3 and 3", mgr.BacklogSize(), mgr.QueueDepth())
	}
	q.flushOnce()
	if mgr.BacklogSize() != 0 || mgr.QueueDepth() != 3 {
		t.Fatalf("after flush: backlog %d depth %d", mgr.BacklogSize(), mgr.QueueDepth())
	}
	if m := mgr.QueueMetrics(); m.Enqueued != 3 || m.Depth != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
