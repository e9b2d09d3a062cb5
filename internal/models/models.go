package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

// Canonical status values are stored and served as-is.
const (
	StatusPlaced     OrderStatus = "Примена"
	StatusPreparing  OrderStatus = "Во подготовка"
	StatusPrepared   OrderStatus = "Завршена"
	StatusInDelivery OrderStatus = "Во достава"
	StatusDelivered  OrderStatus = "Испорачана"
)

var validOrderStatuses = map[OrderStatus]struct{}{
	StatusPlaced:     {},
	StatusPreparing:  {},
	StatusPrepared:   {},
	StatusInDelivery: {},
	StatusDelivered:  {},
}

func ToOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := validOrderStatuses[status]; ok {
		return status, nil
	}
	return "", errors.New("invalid order status: " + s)
}

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleDelivery   Role = "delivery"
	RoleRestaurant Role = "restaurant"
	RoleAdmin      Role = "admin"
)

// Order is the persisted record of a placed purchase. Everything except
// Status and CourierID is immutable after creation; TotalPrice is fixed at
// creation time and never recomputed from current menu prices.
type Order struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   int64           `json:"customer_id"`
	RestaurantID int64           `json:"restaurant_id"`
	CourierID    *int64          `json:"delivery_id,omitempty"`
	Items        []OrderItem     `json:"items"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

type OrderItem struct {
	MenuItemID int64           `json:"menu_item_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type MenuItem struct {
	ID           int64           `json:"id"`
	RestaurantID int64           `json:"restaurant_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
}

type Restaurant struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	OperatorID int64  `json:"operator_id"`
}
