// Package lifecycle enforces the order state machine: which status edges
// exist, which role may trigger each edge, and who owns the resulting
// records. All mutations go through the OrderStore's conditional updates, so
// concurrent actors cannot overwrite each other.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dostava/internal/errs"
	"dostava/internal/models"
)

// Actor is the resolved identity of the caller, taken from the verified
// token by the HTTP layer.
type Actor struct {
	UserID int64
	Role   models.Role
}

// ItemRequest is one basket line at checkout. Prices are never taken from
// the client; they are resolved against the restaurant's current menu.
type ItemRequest struct {
	MenuItemID int64 `json:"menu_item_id"`
	Quantity   int   `json:"quantity"`
}

// OrderStore is the persistence contract. Accept, UpdateStatus, Deliver and
// Release must be atomic conditional updates, not read-then-write pairs.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListForCustomer(ctx context.Context, customerID int64, limit int64) ([]*models.Order, error)
	ListUnassigned(ctx context.Context, limit int64) ([]*models.Order, error)
	ListForCourier(ctx context.Context, courierID int64, limit int64) ([]*models.Order, error)
	ListForRestaurant(ctx context.Context, restaurantID int64, limit int64) ([]*models.Order, error)
	Accept(ctx context.Context, orderID uuid.UUID, courierID int64) error
	UpdateStatus(ctx context.Context, orderID uuid.UUID, from, to models.OrderStatus) error
	Deliver(ctx context.Context, orderID uuid.UUID, courierID int64) error
	Release(ctx context.Context, orderID uuid.UUID, courierID *int64) error
}

// MenuSource resolves restaurants and their menus for order validation and
// restaurant-operator ownership checks.
type MenuSource interface {
	Menu(ctx context.Context, restaurantID int64) (map[int64]models.MenuItem, error)
	RestaurantForOperator(ctx context.Context, operatorID int64) (*models.Restaurant, error)
}

// Recorder is the fire-and-forget notification side-channel. Failures are
// logged by the engine and never fail the order mutation that triggered
// them.
type Recorder interface {
	Record(ctx context.Context, kind string, orderID uuid.UUID, payload []byte) error
}

// Transition table: which edge exists and which role walks it. Courier
// edges are not listed here because acceptance is keyed on the courier
// assignment (delivery_id), not on the preparation status, and delivery
// completion additionally requires ownership; both have dedicated
// operations.
var restaurantEdges = map[models.OrderStatus]models.OrderStatus{
	models.StatusPlaced:    models.StatusPreparing,
	models.StatusPreparing: models.StatusPrepared,
}

// PriorStatus returns the status a successful restaurant advance to target
// moved from. The preparation edges form a chain, so the predecessor is
// unique when it exists.
func PriorStatus(target models.OrderStatus) (models.OrderStatus, bool) {
	for from, to := range restaurantEdges {
		if to == target {
			return from, true
		}
	}
	return "", false
}

const (
	EventOrderCreated  = "order_created"
	EventOrderAccepted = "order_accepted"
	EventStatusChanged = "status_changed"
	EventOrderReleased = "order_released"
)

type Engine struct {
	orders OrderStore
	menu   MenuSource
	events Recorder
	now    func() time.Time
}

func NewEngine(orders OrderStore, menu MenuSource, events Recorder) *Engine {
	return &Engine{
		orders: orders,
		menu:   menu,
		events: events,
		now:    time.Now,
	}
}

// CreateOrder validates the basket contents against the restaurant's current
// menu, computes the total server-side and persists the order atomically
// with status "Примена" and no courier.
func (e *Engine) CreateOrder(ctx context.Context, actor Actor, restaurantID int64, items []ItemRequest) (*models.Order, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("only customers place orders: %w", errs.ErrAuthorization)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("order has no items: %w", errs.ErrValidation)
	}

	menu, err := e.menu.Menu(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	orderItems := make([]models.OrderItem, 0, len(items))
	for _, req := range items {
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("menu item %d: quantity must be positive: %w", req.MenuItemID, errs.ErrValidation)
		}
		mi, ok := menu[req.MenuItemID]
		if !ok {
			return nil, fmt.Errorf("menu item %d is not on restaurant %d's menu: %w", req.MenuItemID, restaurantID, errs.ErrValidation)
		}
		orderItems = append(orderItems, models.OrderItem{
			MenuItemID: mi.ID,
			Quantity:   req.Quantity,
			UnitPrice:  mi.Price,
		})
		total = total.Add(mi.Price.Mul(decimal.NewFromInt(int64(req.Quantity))))
	}

	o := &models.Order{
		ID:           uuid.New(),
		CustomerID:   actor.UserID,
		RestaurantID: restaurantID,
		Items:        orderItems,
		TotalPrice:   total,
		Status:       models.StatusPlaced,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.orders.Create(ctx, o); err != nil {
		return nil, err
	}

	e.record(ctx, EventOrderCreated, o.ID, map[string]interface{}{
		"customer_id":   o.CustomerID,
		"restaurant_id": o.RestaurantID,
		"total_price":   o.TotalPrice,
	})
	return o, nil
}

// Accept assigns the calling courier to an unassigned order. Exactly one of
// any number of concurrent callers succeeds; the rest get ErrConflict.
func (e *Engine) Accept(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	if actor.Role != models.RoleDelivery {
		return nil, fmt.Errorf("only couriers accept orders: %w", errs.ErrAuthorization)
	}
	if err := e.orders.Accept(ctx, orderID, actor.UserID); err != nil {
		return nil, err
	}

	e.record(ctx, EventOrderAccepted, orderID, map[string]interface{}{"delivery_id": actor.UserID})
	return e.orders.GetByID(ctx, orderID)
}

// AdvanceStatus walks a restaurant-side preparation edge. The caller must
// operate the restaurant the order belongs to, and the target must be the
// direct successor of the order's current status.
func (e *Engine) AdvanceStatus(ctx context.Context, actor Actor, orderID uuid.UUID, target models.OrderStatus) (*models.Order, error) {
	if actor.Role != models.RoleRestaurant {
		return nil, fmt.Errorf("only restaurant operators advance preparation: %w", errs.ErrAuthorization)
	}

	rest, err := e.menu.RestaurantForOperator(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve operator restaurant: %w", err)
	}

	o, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.RestaurantID != rest.ID {
		return nil, fmt.Errorf("order %s belongs to restaurant %d: %w", orderID, o.RestaurantID, errs.ErrAuthorization)
	}
	if next, ok := restaurantEdges[o.Status]; !ok || next != target {
		return nil, fmt.Errorf("no edge %q -> %q: %w", o.Status, target, errs.ErrInvalidTransition)
	}

	// Conditional on the status read above; if another actor moved the
	// order in between, the update is rejected rather than overwritten.
	if err := e.orders.UpdateStatus(ctx, orderID, o.Status, target); err != nil {
		return nil, err
	}

	e.record(ctx, EventStatusChanged, orderID, map[string]interface{}{
		"old_status": o.Status,
		"new_status": target,
	})
	return e.orders.GetByID(ctx, orderID)
}

// MarkDelivered completes the delivery. Only the assigned courier may call
// it, and only while the order is out for delivery. Preparation state is an
// independent axis and is deliberately not required to be "Завршена".
func (e *Engine) MarkDelivered(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	if actor.Role != models.RoleDelivery {
		return nil, fmt.Errorf("only couriers complete deliveries: %w", errs.ErrAuthorization)
	}
	if err := e.orders.Deliver(ctx, orderID, actor.UserID); err != nil {
		return nil, err
	}

	e.record(ctx, EventStatusChanged, orderID, map[string]interface{}{
		"new_status":  models.StatusDelivered,
		"delivery_id": actor.UserID,
	})
	return e.orders.GetByID(ctx, orderID)
}

// Release gives an accepted order back to the unassigned pool. The assigned
// courier may release their own order; an admin may release any. This is the
// single sanctioned backward transition.
func (e *Engine) Release(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	var courierID *int64
	switch actor.Role {
	case models.RoleDelivery:
		courierID = &actor.UserID
	case models.RoleAdmin:
		// admin releases unconditionally
	default:
		return nil, fmt.Errorf("only the assigned courier or an admin releases orders: %w", errs.ErrAuthorization)
	}

	if err := e.orders.Release(ctx, orderID, courierID); err != nil {
		return nil, err
	}

	e.record(ctx, EventOrderReleased, orderID, map[string]interface{}{"released_by": actor.UserID})
	return e.orders.GetByID(ctx, orderID)
}

// GetOrder serves the customer-facing single-order view: only the owning
// customer or an admin may read it.
func (e *Engine) GetOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	o, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleAdmin {
		return o, nil
	}
	if actor.Role != models.RoleCustomer || o.CustomerID != actor.UserID {
		return nil, fmt.Errorf("order %s belongs to another customer: %w", orderID, errs.ErrAuthorization)
	}
	return o, nil
}

// MyOrders lists the authenticated customer's orders.
func (e *Engine) MyOrders(ctx context.Context, actor Actor, limit int64) ([]*models.Order, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("customer projection: %w", errs.ErrAuthorization)
	}
	return e.orders.ListForCustomer(ctx, actor.UserID, limit)
}

// MyDeliveries lists unassigned orders plus the courier's own assignments,
// capped at limit after the merge.
func (e *Engine) MyDeliveries(ctx context.Context, actor Actor, limit int64) ([]*models.Order, error) {
	if actor.Role != models.RoleDelivery {
		return nil, fmt.Errorf("courier projection: %w", errs.ErrAuthorization)
	}
	unassigned, err := e.orders.ListUnassigned(ctx, limit)
	if err != nil {
		return nil, err
	}
	mine, err := e.orders.ListForCourier(ctx, actor.UserID, limit)
	if err != nil {
		return nil, err
	}
	merged := append(unassigned, mine...)
	if limit > 0 && int64(len(merged)) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// RestaurantOrders lists orders for the operator's restaurant.
func (e *Engine) RestaurantOrders(ctx context.Context, actor Actor, limit int64) ([]*models.Order, error) {
	if actor.Role != models.RoleRestaurant {
		return nil, fmt.Errorf("restaurant projection: %w", errs.ErrAuthorization)
	}
	rest, err := e.menu.RestaurantForOperator(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return e.orders.ListForRestaurant(ctx, rest.ID, limit)
}

func (e *Engine) record(ctx context.Context, kind string, orderID uuid.UUID, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("marshal %s event for order %s: %v", kind, orderID, err)
		return
	}
	if err := e.events.Record(ctx, kind, orderID, data); err != nil {
		log.Printf("record %s event for order %s: %v", kind, orderID, err)
	}
}
