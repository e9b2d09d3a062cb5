package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dostava/internal/audit"
	"dostava/internal/auth"
	"dostava/internal/basket"
	"dostava/internal/config"
	"dostava/internal/errs"
	"dostava/internal/lifecycle"
	"dostava/internal/middleware"
	"dostava/internal/models"
)

// Orders is the slice of the lifecycle engine the HTTP layer consumes;
// tests swap in a fake.
type Orders interface {
	CreateOrder(ctx context.Context, actor lifecycle.Actor, restaurantID int64, items []lifecycle.ItemRequest) (*models.Order, error)
	Accept(ctx context.Context, actor lifecycle.Actor, orderID uuid.UUID) (*models.Order, error)
	AdvanceStatus(ctx context.Context, actor lifecycle.Actor, orderID uuid.UUID, target models.OrderStatus) (*models.Order, error)
	MarkDelivered(ctx context.Context, actor lifecycle.Actor, orderID uuid.UUID) (*models.Order, error)
	Release(ctx context.Context, actor lifecycle.Actor, orderID uuid.UUID) (*models.Order, error)
	GetOrder(ctx context.Context, actor lifecycle.Actor, orderID uuid.UUID) (*models.Order, error)
	MyOrders(ctx context.Context, actor lifecycle.Actor, limit int64) ([]*models.Order, error)
	MyDeliveries(ctx context.Context, actor lifecycle.Actor, limit int64) ([]*models.Order, error)
	RestaurantOrders(ctx context.Context, actor lifecycle.Actor, limit int64) ([]*models.Order, error)
}

// Menus is the menu lookup the basket endpoints resolve items against.
type Menus interface {
	Menu(ctx context.Context, restaurantID int64) (map[int64]models.MenuItem, error)
}

type Server struct {
	engine   Orders
	menus    Menus
	baskets  *basket.Store
	verifier auth.Verifier
	trail    *audit.WorkerPool
	addr     string
}

func NewServer(engine Orders, menus Menus, verifier auth.Verifier, trail *audit.WorkerPool, cfg *config.Config) *Server {
	return &Server{
		engine:   engine,
		menus:    menus,
		baskets:  basket.NewStore(),
		verifier: verifier,
		trail:    trail,
		addr:     cfg.Addr(),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/orders", s.protected(s.handleOrders))
	mux.Handle("/orders/", s.protected(s.handleOrderOne))
	mux.Handle("/my-orders", s.protected(s.handleMyOrders))
	mux.Handle("/my-deliveries", s.protected(s.handleMyDeliveries))
	mux.Handle("/restaurant/orders", s.protected(s.handleRestaurantOrders))
	mux.Handle("/basket", s.protected(s.handleBasket))
	mux.Handle("/basket/items", s.protected(s.handleBasketItems))
	mux.Handle("/basket/checkout", s.protected(s.handleCheckout))
}

func (s *Server) Run() error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	log.Printf("Server listen on %s...", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) protected(handlerFunc http.HandlerFunc) http.Handler {
	return middleware.LogMiddleware(s.trail)(
		middleware.AuthMiddleware(s.verifier)(
			handlerFunc,
		),
	)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleCreateOrder(w, r)
}

// handleOrderOne dispatches /orders/{id} and /orders/{id}/{action}.
func (s *Server) handleOrderOne(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	idStr, action, _ := strings.Cut(rest, "/")

	orderID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "bad order id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetOrder(w, r, orderID)
	case action == "accept" && r.Method == http.MethodPut:
		s.handleAccept(w, r, orderID)
	case action == "status" && r.Method == http.MethodPut:
		s.handleAdvanceStatus(w, r, orderID)
	case action == "deliver" && r.Method == http.MethodPut:
		s.handleDeliver(w, r, orderID)
	case action == "release" && r.Method == http.MethodPut:
		s.handleRelease(w, r, orderID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createOrderRequest struct {
	RestaurantID int64                   `json:"restaurant_id"`
	Items        []lifecycle.ItemRequest `json:"items"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}

	order, err := s.engine.CreateOrder(r.Context(), actor, req.RestaurantID, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	order, err := s.engine.GetOrder(r.Context(), actor, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	order, err := s.engine.Accept(r.Context(), actor, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logStatusChange(orderID, string(models.StatusPlaced), string(order.Status), r)
	writeJSON(w, http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	target, err := models.ToOrderStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := s.engine.AdvanceStatus(r.Context(), actor, orderID, target)
	if err != nil {
		writeError(w, err)
		return
	}

	oldStatus := ""
	if prior, found := lifecycle.PriorStatus(order.Status); found {
		oldStatus = string(prior)
	}
	s.logStatusChange(orderID, oldStatus, string(order.Status), r)
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	order, err := s.engine.MarkDelivered(r.Context(), actor, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logStatusChange(orderID, string(models.StatusInDelivery), string(order.Status), r)
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	order, err := s.engine.Release(r.Context(), actor, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logStatusChange(orderID, string(models.StatusInDelivery), string(order.Status), r)
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	s.handleListing(w, r, s.engine.MyOrders)
}

func (s *Server) handleMyDeliveries(w http.ResponseWriter, r *http.Request) {
	s.handleListing(w, r, s.engine.MyDeliveries)
}

func (s *Server) handleRestaurantOrders(w http.ResponseWriter, r *http.Request) {
	s.handleListing(w, r, s.engine.RestaurantOrders)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request,
	list func(ctx context.Context, actor lifecycle.Actor, limit int64) ([]*models.Order, error),
) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if err != nil {
		limit = 50
	}

	orders, err := list(r.Context(), actor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

type basketView struct {
	RestaurantID int64           `json:"restaurant_id,omitempty"`
	Items        []basket.Item   `json:"items"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}

// Baskets live server-side, one per authenticated user.
func basketKey(actor lifecycle.Actor) string {
	return fmt.Sprintf("user:%d", actor.UserID)
}

func (s *Server) handleBasket(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b := s.baskets.Get(basketKey(actor))

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, basketView{
			RestaurantID: b.RestaurantID(),
			Items:        b.Items(),
			TotalPrice:   b.TotalPrice(),
		})
	case http.MethodDelete:
		b.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type basketItemRequest struct {
	RestaurantID int64    `json:"restaurant_id"`
	MenuItemID   int64    `json:"menu_item_id"`
	Quantity     int      `json:"quantity"`
	Addons       []string `json:"addons,omitempty"`
}

func (s *Server) handleBasketItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req basketItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	b := s.baskets.Get(basketKey(actor))

	switch r.Method {
	case http.MethodPost:
		menu, err := s.menus.Menu(r.Context(), req.RestaurantID)
		if err != nil {
			writeError(w, err)
			return
		}
		mi, found := menu[req.MenuItemID]
		if !found {
			writeError(w, fmt.Errorf("menu item %d is not on restaurant %d's menu: %w",
				req.MenuItemID, req.RestaurantID, errs.ErrValidation))
			return
		}
		if err := b.AddItem(mi, req.Quantity, req.Addons); err != nil {
			writeError(w, err)
			return
		}
	case http.MethodDelete:
		b.DecrementItem(req.MenuItemID)
	}

	writeJSON(w, http.StatusOK, basketView{
		RestaurantID: b.RestaurantID(),
		Items:        b.Items(),
		TotalPrice:   b.TotalPrice(),
	})
}

// handleCheckout turns the basket into an order; the basket is dropped only
// after the order is persisted.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b := s.baskets.Get(basketKey(actor))
	if b.IsEmpty() {
		writeError(w, fmt.Errorf("basket is empty: %w", errs.ErrValidation))
		return
	}

	items := make([]lifecycle.ItemRequest, 0, len(b.Items()))
	for _, it := range b.Items() {
		items = append(items, lifecycle.ItemRequest{MenuItemID: it.MenuItemID, Quantity: it.Quantity})
	}

	order, err := s.engine.CreateOrder(r.Context(), actor, b.RestaurantID(), items)
	if err != nil {
		writeError(w, err)
		return
	}
	s.baskets.Drop(basketKey(actor))
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) logStatusChange(orderID uuid.UUID, oldStatus, newStatus string, r *http.Request) {
	if s.trail == nil {
		return
	}
	s.trail.Log(audit.Entry{
		OrderID:   orderID.String(),
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Endpoint:  r.URL.Path,
		Request:   r.Method + " " + r.URL.String(),
		Message:   "status changed",
	})
}

func actorFromRequest(r *http.Request) (lifecycle.Actor, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return lifecycle.Actor{}, false
	}
	return lifecycle.Actor{UserID: claims.UserID, Role: claims.Role}, true
}

// writeError translates the failure taxonomy into status codes. Business
// failures and authorization failures map to distinct codes so callers can
// tell "retry elsewhere" from "not yours".
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrAuthentication):
		code = http.StatusUnauthorized
	case errors.Is(err, errs.ErrAuthorization):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, errs.ErrInvalidTransition):
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
