package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/magnet-rewards/internal/config"
	"github.com/fairyhunter13/magnet-rewards/internal/engine"
	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	httpopenapi "github.com/fairyhunter13/magnet-rewards/internal/http/openapi"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/queue"
)

// Rewards is the engine surface the API serves.
type Rewards interface {
	Inventory() []model.ItemInfo
	Item(breed string) (model.ItemInfo, error)
	PutItem(ctx context.Context, it model.MagnetItem, stock int) (model.ItemInfo, error)
	SetItemActive(ctx context.Context, breed string, active bool) (model.ItemInfo, error)
	BonusInventory() map[string]int
	SetBonusStock(ctx context.Context, reward string, n int) (int, error)
	RegisterClient(ctx context.Context, id, name string) (model.Client, error)
	Client(id string) (engine.ClientView, error)
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	Order(id string) (model.Order, error)
	Fulfill(ctx context.Context, orderID string) (fulfillment.Result, error)
	GrantBonus(ctx context.Context, orderID, reward string) (fulfillment.BonusResult, error)
	ReturnOrder(ctx context.Context, orderID string) (model.Order, error)
	Milestones() []model.Milestone
	Levels() []model.Level
}

type App struct {
	Cfg     config.Config
	Rewards Rewards
	Manager *queue.Manager
	closing atomic.Bool
	started time.Time
}

type ack struct {
	Status      string `json:"status"`
	RequestID   string `json:"request_id"`
	EventID     string `json:"event_id"`
	Sequence    uint64 `json:"sequence"`
	OrderID     string `json:"order_id"`
	ReceivedAt  string `json:"received_at"`
	QueueDepth  int    `json:"queue_depth"`
	BacklogSize int    `json:"backlog_size"`
	WorkerCount int    `json:"worker_count"`
}

func NewApp(cfg config.Config, rw Rewards, m *queue.Manager) *App {
	return &App{Cfg: cfg, Rewards: rw, Manager: m, started: time.Now()}
}

// StartShutdown stops accepting payment events.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	a.Manager.CloseIntake()
}

// decodeJSON enforces a JSON content type and rejects unknown fields. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (a *App) postEventsHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() || a.Manager.IsShuttingDown() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	var ev model.PaymentEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	if ev.OrderID == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "order_id is required")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev, ok := a.Manager.Enqueue(ev)
	if !ok {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	ac := ack{
		Status:      "accepted",
		RequestID:   RequestIDFromContext(r.Context()),
		EventID:     ev.ID,
		Sequence:    ev.Sequence,
		OrderID:     ev.OrderID,
		ReceivedAt:  time.Now().UTC().Format(time.RFC3339),
		QueueDepth:  a.Manager.QueueDepth(),
		BacklogSize: a.Manager.BacklogSize(),
		WorkerCount: a.Manager.WorkerCount(),
	}
	writeJSON(w, http.StatusAccepted, ac)
	obs.Logger.Info("payment_event_accepted",
		"request_id", ac.RequestID,
		"event_id", ac.EventID,
		"sequence", ac.Sequence,
		"order_id", ac.OrderID,
		"queue_depth", ac.QueueDepth,
		"backlog_size", ac.BacklogSize,
		"worker_count", ac.WorkerCount,
	)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if a.closing.Load() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	qm := a.Manager.QueueMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"events_enqueued":  qm.Enqueued,
		"events_processed": qm.Processed,
		"events_failed":    qm.Failed,
		"backlog_size":     qm.Backlog,
		"queue_depth":      qm.Depth,
		"worker_count":     a.Manager.WorkerCount(),
		"uptime_sec":       time.Since(a.started).Seconds(),
	})
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

const docsPage = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Magnet Rewards API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(docsPage))
}
