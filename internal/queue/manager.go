// Package queue carries payment confirmations to a pool of autoscaling
// workers that fulfill the paid orders.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/magnet-rewards/internal/config"
	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
)

// Fulfiller fulfills one order.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID string) (fulfillment.Result, error)
}

// Manager runs the workers and scales them with the backlog.
type Manager struct {
	cfg    config.Config
	q      *Queue
	f      Fulfiller
	seq    Sequencer
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	workerCancels []context.CancelFunc
}

// NewManager constructs a Manager that hands queued events to f.
func NewManager(cfg config.Config, q *Queue, f Fulfiller) *Manager {
	return &Manager{cfg: cfg, q: q, f: f}
}

// Start begins processing and autoscaling in the background.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)
	m.q.Start(m.ctx, m.cfg.QueueHighWatermark)
	m.addWorkers(m.cfg.InitialWorkerCount)
	go m.scaler()
}

// Stop cancels the broker, the scaler and every worker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, c := range m.workerCancels {
		c()
	}
	m.workerCancels = nil
	m.mu.Unlock()
}

// scaler adjusts worker count based on backlog and configuration.
func (m *Manager) scaler() {
	t := time.NewTicker(m.cfg.ScaleInterval)
	defer t.Stop()
	idleTicks := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			backlog := m.q.BacklogSize()
			wc := m.WorkerCount()
			if backlog > wc*m.cfg.ScaleUpBacklogPerWorker && wc < m.cfg.WorkerMax {
				m.addWorkers(1)
				idleTicks = 0
				continue
			}
			if backlog == 0 {
				idleTicks++
				if idleTicks >= m.cfg.ScaleDownIdleTicks && wc > m.cfg.WorkerMin {
					m.removeWorkers(1)
					idleTicks = 0
				}
			} else {
				idleTicks = 0
			}
		}
	}
}

// addWorkers spawns n workers.
func (m *Manager) addWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(m.ctx)
		m.workerCancels = append(m.workerCancels, cancel)
		go m.worker(wctx)
	}
	obs.Logger.Info("workers_scaled", "worker_count", len(m.workerCancels))
}

// removeWorkers stops up to n workers.
func (m *Manager) removeWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.workerCancels) {
		n = len(m.workerCancels)
	}
	for i := 0; i < n; i++ {
		c := m.workerCancels[len(m.workerCancels)-1]
		m.workerCancels = m.workerCancels[:len(m.workerCancels)-1]
		c()
	}
	obs.Logger.Info("workers_scaled", "worker_count", len(m.workerCancels))
}

// worker drains events from the queue until ctx is done.
func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.q.Out():
			m.handle(ctx, ev)
		}
	}
}

// handle fulfills the order of one event. Failures leave the order pending
// and are only logged; the confirmation can be sent again.
func (m *Manager) handle(ctx context.Context, ev model.PaymentEvent) {
	res, err := m.f.Fulfill(ctx, ev.OrderID)
	m.q.MarkProcessed(err == nil)
	if err != nil {
		log := obs.Logger.Warn
		if errors.Is(err, fulfillment.ErrOrderNotFound) || errors.Is(err, fulfillment.ErrOrderAlreadyFulfilled) {
			log = obs.Logger.Info
		}
		log("payment_event_failed", "event_id", ev.ID, "sequence", ev.Sequence, "order_id", ev.OrderID, "error", err)
		return
	}
	obs.Logger.Debug("payment_event_processed", "event_id", ev.ID, "sequence", ev.Sequence, "order_id", ev.OrderID, "status", string(res.Status))
}

// Enqueue stamps the event with the next sequence number and queues it.
func (m *Manager) Enqueue(ev model.PaymentEvent) (model.PaymentEvent, bool) {
	if m.q.IsShuttingDown() {
		return ev, false
	}
	ev.Sequence = m.seq.Next()
	return ev, m.q.Enqueue(ev)
}

// BacklogSize returns events not yet moved to the output buffer.
func (m *Manager) BacklogSize() int { return m.q.BacklogSize() }

// QueueDepth returns backlog plus buffered output events.
func (m *Manager) QueueDepth() int { return m.q.QueueDepth() }

// WorkerCount returns the current number of workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workerCancels)
}

// IsShuttingDown reports whether new enqueues are rejected.
func (m *Manager) IsShuttingDown() bool { return m.q.IsShuttingDown() }

// CloseIntake disallows future enqueues.
func (m *Manager) CloseIntake() { m.q.CloseIntake() }

// QueueMetrics exposes the underlying queue counters.
func (m *Manager) QueueMetrics() Metrics { return m.q.Metrics() }

// DrainUntil blocks until every accepted event was handled or ctx is done.
func (m *Manager) DrainUntil(ctx context.Context) bool {
	for {
		mt := m.q.Metrics()
		if mt.Backlog == 0 && mt.Depth == 0 && mt.Enqueued == mt.Processed {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
