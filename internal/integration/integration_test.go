package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/magnet-rewards/internal/catalog"
	"github.com/fairyhunter13/magnet-rewards/internal/config"
	"github.com/fairyhunter13/magnet-rewards/internal/engine"
	httpapi "github.com/fairyhunter13/magnet-rewards/internal/http"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/queue"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/storage/sqlite"
)

const scarceCatalog = `
welcome: Oak
levels:
  - { level: 1, name: Chip collector, xp_min: 0 }
  - { level: 2, name: Breed sorter, xp_min: 50 }
items:
  - { breed: Oak, stars: 1, category: Classic, stock: 12 }
milestones:
  - { threshold: 1, basis: by-distinct, reward: Glue brush }
bonus_stock:
  Glue brush: 3
`

type service struct {
	url  string
	mgr  *queue.Manager
	stop func()
}

// startService runs the full stack behind a real HTTP listener. An empty
// dbPath keeps the state in memory only.
func startService(t testing.TB, dbPath string) *service {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	obs.InitLogger()
	cat, err := catalog.Parse([]byte(scarceCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var journal storage.Journal = storage.Nop{}
	if dbPath != "" {
		db, err := sqlite.Open(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		journal = db
	}
	eng, err := engine.New(cat, journal, engine.Options{
		SelectionRetries: cfg.SelectionRetries,
		SelectionSeed:    11,
		JournalMaxTries:  cfg.JournalMaxTries,
		JournalBackoff:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := queue.NewManager(cfg, queue.New(128), eng)
	mgr.Start(ctx)
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewApp(cfg, eng, mgr)))

	var once sync.Once
	s := &service{url: srv.URL, mgr: mgr}
	s.stop = func() {
		once.Do(func() {
			srv.Close()
			cancel()
			mgr.Stop()
			if err := journal.Close(); err != nil {
				t.Errorf("close journal: %v", err)
			}
		})
	}
	t.Cleanup(s.stop)
	return s
}

func (s *service) call(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	r, err := http.NewRequest(method, s.url+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(r)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func (s *service) mustCall(t *testing.T, want int, method, path, body string, out any) {
	t.Helper()
	code, b := s.call(t, method, path, body)
	if code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, code, b)
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (s *service) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok := s.mgr.DrainUntil(ctx); !ok {
		t.Fatalf("drain timeout")
	}
}

type order struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AwardedBreed string `json:"awarded_breed"`
}

// Sends many payment confirmations concurrently for more orders than there
// are magnets in stock.
func TestIntegration_PaymentsNeverOversell(t *testing.T) {
	s := startService(t, "")
	const clients = 40
	for i := 0; i < clients; i++ {
		s.mustCall(t, http.StatusCreated, http.MethodPost, "/clients", fmt.Sprintf(`{"id":"c-%d"}`, i), nil)
		s.mustCall(t, http.StatusCreated, http.MethodPost, "/orders", fmt.Sprintf(`{"id":"o-%d","client_id":"c-%d","amount":"9.99"}`, i, i), nil)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"order_id":"o-%d"}`, i)
			resp, err := http.Post(s.url+"/events", "application/json", bytes.NewBufferString(body))
			if err != nil {
				errCh <- err
				return
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				errCh <- fmt.Errorf("expected 202, got %d", resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	s.drain(t)

	fulfilled := 0
	for i := 0; i < clients; i++ {
		var o order
		s.mustCall(t, http.StatusOK, http.MethodGet, fmt.Sprintf("/orders/o-%d", i), "", &o)
		switch o.Status {
		case "awaiting-bonus", "completed":
			fulfilled++
			if o.AwardedBreed != "Oak" {
				t.Fatalf("order %s awarded %q", o.ID, o.AwardedBreed)
			}
		case "pending":
		default:
			t.Fatalf("order %s in unexpected status %s", o.ID, o.Status)
		}
	}
	if fulfilled != 12 {
		t.Fatalf("expected 12 fulfilled orders, got %d", fulfilled)
	}
	var inv map[string]struct {
		Stock int `json:"stock"`
	}
	s.mustCall(t, http.StatusOK, http.MethodGet, "/inventory", "", &inv)
	if inv["Oak"].Stock != 0 {
		t.Fatalf("expected Oak stock 0, got %d", inv["Oak"].Stock)
	}
}

func TestIntegration_StateSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rewards.db")
	s := startService(t, dbPath)
	s.mustCall(t, http.StatusCreated, http.MethodPost, "/clients", `{"id":"ada","name":"Ada"}`, nil)
	s.mustCall(t, http.StatusCreated, http.MethodPost, "/orders", `{"id":"o1","client_id":"ada","amount":"25.00"}`, nil)
	s.mustCall(t, http.StatusCreated, http.MethodPost, "/orders", `{"id":"o2","client_id":"ada","amount":"5.00"}`, nil)
	s.mustCall(t, http.StatusOK, http.MethodPost, "/orders/o1/fulfill", "", nil)
	s.mustCall(t, http.StatusOK, http.MethodPost, "/orders/o2/return", "", nil)
	s.stop()

	s = startService(t, dbPath)
	var o order
	s.mustCall(t, http.StatusOK, http.MethodGet, "/orders/o1", "", &o)
	if o.Status != "awaiting-bonus" || o.AwardedBreed != "Oak" {
		t.Fatalf("unexpected restored order %+v", o)
	}
	s.mustCall(t, http.StatusOK, http.MethodGet, "/orders/o2", "", &o)
	if o.Status != "returned" {
		t.Fatalf("expected returned order, got %s", o.Status)
	}

	var res struct {
		Status string `json:"status"`
	}
	s.mustCall(t, http.StatusOK, http.MethodPost, "/orders/o1/bonuses", `{"reward":"Glue brush"}`, &res)
	if res.Status != "completed" {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	s.mustCall(t, http.StatusConflict, http.MethodPost, "/orders/o1/bonuses", `{"reward":"Glue brush"}`, nil)

	var view struct {
		Experience     int `json:"experience"`
		TotalCollected int `json:"total_collected"`
		Granted        map[string]struct {
			Reward string `json:"reward"`
		} `json:"granted"`
	}
	s.mustCall(t, http.StatusOK, http.MethodGet, "/clients/ada", "", &view)
	if view.Experience != 10 || view.TotalCollected != 1 || len(view.Granted) != 1 {
		t.Fatalf("unexpected client after restart %+v", view)
	}
	var bonus map[string]int
	s.mustCall(t, http.StatusOK, http.MethodGet, "/bonus-stock", "", &bonus)
	if bonus["Glue brush"] != 2 {
		t.Fatalf("expected 2 brushes left, got %v", bonus)
	}
}

func TestIntegration_MethodNotAllowed(t *testing.T) {
	s := startService(t, "")
	if code, _ := s.call(t, http.MethodGet, "/events", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
	if code, _ := s.call(t, http.MethodDelete, "/inventory/Oak", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestIntegration_ContentTypeVariants(t *testing.T) {
	s := startService(t, "")
	cases := []struct {
		ctype string
		want  int
	}{
		{"application/json", http.StatusAccepted},
		{"application/json; charset=utf-8", http.StatusAccepted},
		{"Application/JSON", http.StatusAccepted},
		{"text/plain", http.StatusUnsupportedMediaType},
		{"", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		r, _ := http.NewRequest(http.MethodPost, s.url+"/events", bytes.NewBufferString(`{"order_id":"x"}`))
		if tc.ctype != "" {
			r.Header.Set("Content-Type", tc.ctype)
		}
		resp, err := http.DefaultClient.Do(r)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("content type %q: expected %d, got %d", tc.ctype, tc.want, resp.StatusCode)
		}
	}
}

func TestIntegration_GeneratedRequestIDWhenMissing(t *testing.T) {
	s := startService(t, "")
	var a struct {
		RequestID string `json:"request_id"`
		EventID   string `json:"event_id"`
	}
	s.mustCall(t, http.StatusAccepted, http.MethodPost, "/events", `{"order_id":"gen"}`, &a)
	if a.RequestID == "" || a.EventID == "" {
		t.Fatalf("expected generated ids, got %+v", a)
	}
}

func TestIntegration_OpenAPIAndVarsEndpoints(t *testing.T) {
	s := startService(t, "")
	for _, path := range []string{"/openapi.yaml", "/debug/vars", "/docs", "/milestones", "/levels"} {
		if code, _ := s.call(t, http.MethodGet, path, ""); code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, code)
		}
	}
}

// Benchmark for POST /events; to run: go test -bench=. ./internal/integration -run ^$
func BenchmarkPostEvents(b *testing.B) {
	s := startService(b, "")
	client := &http.Client{}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r, _ := http.NewRequest(http.MethodPost, s.url+"/events", bytes.NewBufferString(`{"order_id":"bench"}`))
			r.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(r)
			if err == nil {
				_ = resp.Body.Close()
			}
		}
	})
}
