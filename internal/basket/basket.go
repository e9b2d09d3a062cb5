// Package basket holds the pre-checkout item selection. A Basket belongs to
// one browsing session and one restaurant; the Store hands out baskets by
// session id so concurrent sessions never share state.
package basket

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"dostava/internal/errs"
	"dostava/internal/models"
)

type Item struct {
	MenuItemID int64           `json:"menu_item_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	Subtotal   decimal.Decimal `json:"total_price"`
	Addons     []string        `json:"addons,omitempty"`
}

// Basket methods lock internally: the same user can have concurrent
// requests in flight (two adds, an add racing checkout).
type Basket struct {
	mu           sync.Mutex
	restaurantID int64
	items        []*Item
}

func (b *Basket) RestaurantID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restaurantID
}

// AddItem merges by menu item identity: adding an item that is already in
// the basket increments its quantity instead of duplicating the entry.
// The basket is scoped to a single restaurant; adding from a second one is
// rejected and the caller must Clear first.
func (b *Basket) AddItem(mi models.MenuItem, quantity int, addons []string) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive: %w", errs.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 && b.restaurantID != mi.RestaurantID {
		return fmt.Errorf("basket already holds items from restaurant %d: %w", b.restaurantID, errs.ErrValidation)
	}

	added := mi.Price.Mul(decimal.NewFromInt(int64(quantity)))
	for _, it := range b.items {
		if it.MenuItemID == mi.ID {
			it.Quantity += quantity
			it.Subtotal = it.Subtotal.Add(added)
			it.Addons = append(it.Addons, addons...)
			return nil
		}
	}

	b.restaurantID = mi.RestaurantID
	b.items = append(b.items, &Item{
		MenuItemID: mi.ID,
		Name:       mi.Name,
		UnitPrice:  mi.Price,
		Quantity:   quantity,
		Subtotal:   added,
		Addons:     addons,
	})
	return nil
}

func (b *Basket) RemoveItem(menuItemID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(menuItemID)
}

func (b *Basket) removeLocked(menuItemID int64) {
	for i, it := range b.items {
		if it.MenuItemID == menuItemID {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

// DecrementItem takes one unit off the entry; the entry is removed entirely
// when its quantity reaches zero.
func (b *Basket) DecrementItem(menuItemID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range b.items {
		if it.MenuItemID == menuItemID {
			it.Quantity--
			it.Subtotal = it.Subtotal.Sub(it.UnitPrice)
			if it.Quantity <= 0 {
				b.removeLocked(menuItemID)
			}
			return
		}
	}
}

func (b *Basket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
	b.restaurantID = 0
}

// TotalPrice is recomputed from the entries on every call, never cached.
func (b *Basket) TotalPrice() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, it := range b.items {
		total = total.Add(it.Subtotal)
	}
	return total
}

func (b *Basket) Items() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, *it)
	}
	return out
}

func (b *Basket) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) == 0
}

// Store keeps one basket per session id.
type Store struct {
	mu      sync.Mutex
	baskets map[string]*Basket
}

func NewStore() *Store {
	return &Store{baskets: make(map[string]*Basket)}
}

func (s *Store) Get(sessionID string) *Basket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baskets[sessionID]
	if !ok {
		b = &Basket{}
		s.baskets[sessionID] = b
	}
	return b
}

func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.baskets, sessionID)
}
