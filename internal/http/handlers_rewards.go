package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/magnet-rewards/internal/engine"
	"github.com/fairyhunter13/magnet-rewards/internal/model"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// count parses a non-negative integer field. Fractions and negatives are
// rejected as invalid values.
func count(field string, n json.Number) (int, error) {
	v, err := strconv.Atoi(n.String())
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", store.ErrInvalidValue, field, n.String())
	}
	return v, nil
}

type inventoryEntry struct {
	Stars    model.Tier `json:"stars"`
	Category string     `json:"category"`
	Stock    int        `json:"stock"`
	Active   bool       `json:"active"`
}

func (a *App) getInventory(w http.ResponseWriter, r *http.Request) {
	inv := a.Rewards.Inventory()
	out := make(map[string]inventoryEntry, len(inv))
	for _, it := range inv {
		out[it.Breed] = inventoryEntry{Stars: it.Tier, Category: it.Category, Stock: it.Stock, Active: it.Active}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) putInventoryItem(w http.ResponseWriter, r *http.Request) {
	breed := pathParam(r, "item")
	var req struct {
		Stars    json.Number `json:"stars"`
		Category *string     `json:"category"`
		Stock    json.Number `json:"stock"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	stock, err := count("stock", req.Stock)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Omitted fields keep their current values on existing items.
	it := model.MagnetItem{Breed: breed}
	if cur, err := a.Rewards.Item(breed); err == nil {
		it = cur.MagnetItem
	} else if !errors.Is(err, engine.ErrItemNotFound) {
		writeDomainError(w, r, err)
		return
	}
	if req.Stars != "" {
		stars, err := count("stars", req.Stars)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		it.Tier = model.Tier(stars)
	}
	if req.Category != nil {
		it.Category = *req.Category
	}

	info, err := a.Rewards.PutItem(r.Context(), it, stock)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) putItemActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "active is required")
		return
	}
	info, err := a.Rewards.SetItemActive(r.Context(), pathParam(r, "item"), *req.Active)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) getBonusStock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Rewards.BonusInventory())
}

func (a *App) putBonusStock(w http.ResponseWriter, r *http.Request) {
	reward := pathParam(r, "reward")
	var req struct {
		Stock json.Number `json:"stock"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := count("stock", req.Stock)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	n, err = a.Rewards.SetBonusStock(r.Context(), reward, n)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reward": reward, "stock": n})
}

func (a *App) postClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := a.Rewards.RegisterClient(r.Context(), req.ID, req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *App) getClient(w http.ResponseWriter, r *http.Request) {
	v, err := a.Rewards.Client(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *App) postOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string          `json:"id"`
		ClientID string          `json:"client_id"`
		Amount   decimal.Decimal `json:"amount"`
		Channel  string          `json:"channel"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := a.Rewards.CreateOrder(r.Context(), model.Order{
		ID:       req.ID,
		ClientID: req.ClientID,
		Amount:   req.Amount,
		Channel:  req.Channel,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *App) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Rewards.Order(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *App) postFulfill(w http.ResponseWriter, r *http.Request) {
	res, err := a.Rewards.Fulfill(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) postBonus(w http.ResponseWriter, r *http.Request) {
	orderID := pathParam(r, "id")
	var req struct {
		Reward string `json:"reward"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reward == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "reward is required")
		return
	}
	res, err := a.Rewards.GrantBonus(r.Context(), orderID, req.Reward)
	if errors.Is(err, redemption.ErrAlreadyGranted) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "already_granted",
			"order_id":     res.OrderID,
			"remaining":    res.Remaining,
			"order_status": res.Status,
		})
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) postReturn(w http.ResponseWriter, r *http.Request) {
	o, err := a.Rewards.ReturnOrder(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *App) getMilestones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Rewards.Milestones())
}

func (a *App) getLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Rewards.Levels())
}
