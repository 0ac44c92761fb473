// Package sqlite is the SQLite-backed journal.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/storage/sqlite/migrations"
)

// Store persists engine effects in a single SQLite file.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Journal = (*Store)(nil)

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classify wraps constraint violations with storage.ErrConflict.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// inTx runs fn in one transaction.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// SaveItem stores item metadata. A new row starts with no stock.
func (s *Store) SaveItem(ctx context.Context, it model.MagnetItem, active bool) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO items (breed, stars, category, active, stock, stock_version, updated_at)
VALUES (?, ?, ?, ?, 0, 0, ?)
ON CONFLICT(breed) DO UPDATE SET
	stars = excluded.stars,
	category = excluded.category,
	active = excluded.active,
	updated_at = excluded.updated_at
`, it.Breed, int(it.Tier), it.Category, boolInt(active), millis(time.Now()))
	return classify("save item", err)
}

func (s *Store) SaveItemStock(ctx context.Context, it model.MagnetItem, l model.StockLevel) error {
	return classify("save item stock", saveItemStock(ctx, s.sqlDB, it, l))
}

// saveItemStock keeps the level only if it is newer than the stored one.
func saveItemStock(ctx context.Context, db execer, it model.MagnetItem, l model.StockLevel) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO items (breed, stars, category, active, stock, stock_version, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(breed) DO UPDATE SET
	stock = excluded.stock,
	stock_version = excluded.stock_version,
	updated_at = excluded.updated_at
WHERE excluded.stock_version > items.stock_version
`, it.Breed, int(it.Tier), it.Category, l.Count, int64(l.Version), millis(time.Now()))
	return err
}

func (s *Store) SaveBonusStock(ctx context.Context, reward string, l model.StockLevel) error {
	return classify("save bonus stock", saveBonusStock(ctx, s.sqlDB, reward, l))
}

func saveBonusStock(ctx context.Context, db execer, reward string, l model.StockLevel) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO bonus_stock (reward, stock, stock_version, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(reward) DO UPDATE SET
	stock = excluded.stock,
	stock_version = excluded.stock_version,
	updated_at = excluded.updated_at
WHERE excluded.stock_version > bonus_stock.stock_version
`, reward, l.Count, int64(l.Version), millis(time.Now()))
	return err
}

func (s *Store) SaveClient(ctx context.Context, c model.Client) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO clients (id, name, experience, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, experience = MAX(clients.experience, excluded.experience)
`, c.ID, c.Name, c.Experience, millis(c.CreatedAt))
	return classify("save client", err)
}

func (s *Store) SaveOrder(ctx context.Context, o model.Order) error {
	return classify("save order", saveOrder(ctx, s.sqlDB, o))
}

// saveOrder upserts the order. Terminal orders keep their status, and an
// order that earned its magnet never goes back to pending.
func saveOrder(ctx context.Context, db execer, o model.Order) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO orders (id, client_id, amount, channel, status, awarded_breed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	awarded_breed = excluded.awarded_breed,
	updated_at = excluded.updated_at
WHERE orders.status NOT IN (?, ?)
	AND NOT (orders.status = ? AND excluded.status IN (?, ?))
`, o.ID, o.ClientID, o.Amount.String(), o.Channel, string(o.Status), o.AwardedBreed, millis(o.CreatedAt), millis(o.UpdatedAt),
		string(model.OrderCompleted), string(model.OrderReturned),
		string(model.OrderAwaitingBonus), string(model.OrderPending), string(model.OrderFulfilling))
	return err
}

// RecordFulfillment writes the stock level, the award, the client's
// experience, the order and its pending bonuses in one transaction.
func (s *Store) RecordFulfillment(ctx context.Context, f storage.Fulfillment) error {
	const op = "record fulfillment"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := saveItemStock(ctx, tx, f.Item, f.Stock); err != nil {
			return classify(op+": stock", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO clients (id, name, experience, created_at) VALUES (?, '', ?, ?)
ON CONFLICT(id) DO UPDATE SET experience = MAX(clients.experience, excluded.experience)
`, f.Order.ClientID, f.Experience, millis(f.Award.AwardedAt)); err != nil {
			return classify(op+": experience", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO client_awards (id, client_id, breed, stars, order_id, awarded_at)
VALUES (?, ?, ?, ?, ?, ?)
`, f.Award.ID, f.Order.ClientID, f.Award.Breed, int(f.Award.Tier), f.Order.ID, millis(f.Award.AwardedAt)); err != nil {
			return classify(op+": award", err)
		}
		if err := saveOrder(ctx, tx, f.Order); err != nil {
			return classify(op+": order", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_pending_bonuses WHERE order_id = ?`, f.Order.ID); err != nil {
			return classify(op+": pending", err)
		}
		for _, id := range f.Pending {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_pending_bonuses (order_id, milestone_id) VALUES (?, ?)`,
				f.Order.ID, id); err != nil {
				return classify(op+": pending", err)
			}
		}
		return nil
	})
}

// RecordRedemption writes the grant, the bonus stock level, the order's
// pending set and, once the last bonus is out, the completed order in one
// transaction.
func (s *Store) RecordRedemption(ctx context.Context, r storage.Redemption) error {
	const op = "record redemption"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if g := r.Grant; g != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO client_grants (client_id, milestone_id, reward, order_id, granted_at)
VALUES (?, ?, ?, ?, ?)
`, r.ClientID, g.MilestoneID, g.Reward, g.OrderID, millis(g.GrantedAt)); err != nil {
				return classify(op+": grant", err)
			}
			if err := saveBonusStock(ctx, tx, g.Reward, r.Stock); err != nil {
				return classify(op+": stock", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM order_pending_bonuses WHERE order_id = ? AND milestone_id = ?`,
			r.OrderID, r.MilestoneID); err != nil {
			return classify(op+": pending", err)
		}
		if r.Order != nil {
			if err := saveOrder(ctx, tx, *r.Order); err != nil {
				return classify(op+": order", err)
			}
		}
		return nil
	})
}

// Load reads back the full state.
func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	snap := storage.Snapshot{BonusStock: map[string]model.StockLevel{}, PendingBonuses: map[string][]string{}}
	var err error
	if snap.Items, err = s.loadItems(ctx); err != nil {
		return storage.Snapshot{}, err
	}
	if err := s.loadBonusStock(ctx, snap.BonusStock); err != nil {
		return storage.Snapshot{}, err
	}
	if snap.Clients, err = s.loadClients(ctx); err != nil {
		return storage.Snapshot{}, err
	}
	if snap.Orders, err = s.loadOrders(ctx); err != nil {
		return storage.Snapshot{}, err
	}
	if err := s.loadPending(ctx, snap.PendingBonuses); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadItems(ctx context.Context) ([]storage.Item, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT breed, stars, category, active, stock, stock_version FROM items ORDER BY stars, breed`)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()
	var out []storage.Item
	for rows.Next() {
		var it storage.Item
		var stars, active int
		var version int64
		if err := rows.Scan(&it.Breed, &stars, &it.Category, &active, &it.Stock.Count, &version); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Tier = model.Tier(stars)
		it.Active = active != 0
		it.Stock.Version = uint64(version)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (s *Store) loadBonusStock(ctx context.Context, into map[string]model.StockLevel) error {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT reward, stock, stock_version FROM bonus_stock`)
	if err != nil {
		return fmt.Errorf("load bonus stock: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reward string
		var n int
		var version int64
		if err := rows.Scan(&reward, &n, &version); err != nil {
			return fmt.Errorf("scan bonus stock: %w", err)
		}
		into[reward] = model.StockLevel{Count: n, Version: uint64(version)}
	}
	return rows.Err()
}

func (s *Store) loadClients(ctx context.Context) ([]model.Client, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, experience, created_at FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	var out []model.Client
	index := map[string]int{}
	for rows.Next() {
		var c model.Client
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Experience, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		c.Granted = map[string]model.Grant{}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}

	awards, err := s.sqlDB.QueryContext(ctx, `
SELECT id, client_id, breed, stars, order_id, awarded_at
FROM client_awards ORDER BY awarded_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("load awards: %w", err)
	}
	defer awards.Close()
	for awards.Next() {
		var a model.CollectedItem
		var clientID string
		var stars int
		var at int64
		if err := awards.Scan(&a.ID, &clientID, &a.Breed, &stars, &a.OrderID, &at); err != nil {
			return nil, fmt.Errorf("scan award: %w", err)
		}
		a.Tier = model.Tier(stars)
		a.AwardedAt = fromMillis(at)
		if i, ok := index[clientID]; ok {
			out[i].Collected = append(out[i].Collected, a)
		}
	}
	if err := awards.Err(); err != nil {
		return nil, fmt.Errorf("iterate awards: %w", err)
	}

	grants, err := s.sqlDB.QueryContext(ctx,
		`SELECT client_id, milestone_id, reward, order_id, granted_at FROM client_grants`)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	defer grants.Close()
	for grants.Next() {
		var g model.Grant
		var clientID string
		var at int64
		if err := grants.Scan(&clientID, &g.MilestoneID, &g.Reward, &g.OrderID, &at); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.GrantedAt = fromMillis(at)
		if i, ok := index[clientID]; ok {
			out[i].Granted[g.MilestoneID] = g
		}
	}
	if err := grants.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return out, nil
}

func (s *Store) loadOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, client_id, amount, channel, status, awarded_breed, created_at, updated_at
FROM orders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var amount, status string
		var created, updated int64
		if err := rows.Scan(&o.ID, &o.ClientID, &amount, &o.Channel, &status, &o.AwardedBreed, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("order %s amount: %w", o.ID, err)
		}
		o.Status = model.OrderStatus(status)
		o.CreatedAt = fromMillis(created)
		o.UpdatedAt = fromMillis(updated)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

func (s *Store) loadPending(ctx context.Context, into map[string][]string) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT order_id, milestone_id FROM order_pending_bonuses ORDER BY order_id, milestone_id`)
	if err != nil {
		return fmt.Errorf("load pending bonuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var orderID, id string
		if err := rows.Scan(&orderID, &id); err != nil {
			return fmt.Errorf("scan pending bonus: %w", err)
		}
		into[orderID] = append(into[orderID], id)
	}
	return rows.Err()
}
