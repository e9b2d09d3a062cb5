package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dostava/internal/errs"
	"dostava/internal/models"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, customer_id, restaurant_id, delivery_id, total_price, status, created_at`

// Create persists the order row and its item rows as one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.CustomerID, o.RestaurantID, nullableCourier(o.CourierID), o.TotalPrice, o.Status, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, menu_item_id, quantity, unit_price) VALUES ($1,$2,$3,$4)`,
			o.ID, item.MenuItemID, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", item.MenuItemID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}

	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) ListForCustomer(ctx context.Context, customerID int64, limit int64) ([]*models.Order, error) {
	return r.list(ctx, `WHERE customer_id=$1`, limit, customerID)
}

// ListUnassigned returns placed orders with no courier yet.
func (r *OrderRepository) ListUnassigned(ctx context.Context, limit int64) ([]*models.Order, error) {
	return r.list(ctx, `WHERE delivery_id IS NULL AND status=$1`, limit, models.StatusPlaced)
}

func (r *OrderRepository) ListForCourier(ctx context.Context, courierID int64, limit int64) ([]*models.Order, error) {
	return r.list(ctx, `WHERE delivery_id=$1`, limit, courierID)
}

func (r *OrderRepository) ListForRestaurant(ctx context.Context, restaurantID int64, limit int64) ([]*models.Order, error) {
	return r.list(ctx, `WHERE restaurant_id=$1`, limit, restaurantID)
}

// Accept assigns the courier with a single conditional update, so of any
// number of concurrent callers exactly one wins and the rest observe
// ErrConflict.
func (r *OrderRepository) Accept(ctx context.Context, orderID uuid.UUID, courierID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET delivery_id=$2, status=$3 WHERE id=$1 AND delivery_id IS NULL`,
		orderID, courierID, models.StatusInDelivery,
	)
	if err != nil {
		return fmt.Errorf("accept order: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	return acceptConflict(orderID, o)
}

// acceptConflict diagnoses a zero-row accept from the re-read order. The
// winner may have released the assignment before the re-read, so the courier
// can be gone again; the caller still lost the race.
func acceptConflict(orderID uuid.UUID, o *models.Order) error {
	if o.CourierID == nil {
		return fmt.Errorf("order %s was accepted by another courier: %w", orderID, errs.ErrConflict)
	}
	return fmt.Errorf("order %s already accepted by courier %d: %w", orderID, *o.CourierID, errs.ErrConflict)
}

// UpdateStatus moves status from the expected current value to the new one;
// if the state already moved the call is rejected instead of overwriting.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID uuid.UUID, from, to models.OrderStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status=$3 WHERE id=$1 AND status=$2`,
		orderID, from, to,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s is %q, not %q: %w", orderID, o.Status, from, errs.ErrInvalidTransition)
}

// Deliver completes the delivery, conditional on both the current status and
// the courier holding the assignment.
func (r *OrderRepository) Deliver(ctx context.Context, orderID uuid.UUID, courierID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status=$3 WHERE id=$1 AND delivery_id=$2 AND status=$4`,
		orderID, courierID, models.StatusDelivered, models.StatusInDelivery,
	)
	if err != nil {
		return fmt.Errorf("deliver order: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.CourierID == nil || *o.CourierID != courierID {
		return fmt.Errorf("order %s is not assigned to courier %d: %w", orderID, courierID, errs.ErrAuthorization)
	}
	return fmt.Errorf("order %s is %q, not %q: %w", orderID, o.Status, models.StatusInDelivery, errs.ErrInvalidTransition)
}

// Release clears the courier assignment and puts the order back on the
// unassigned list. When courierID is non-nil the release is additionally
// conditional on that courier holding the assignment.
func (r *OrderRepository) Release(ctx context.Context, orderID uuid.UUID, courierID *int64) error {
	query := `UPDATE orders SET delivery_id=NULL, status=$2 WHERE id=$1 AND status=$3 AND delivery_id IS NOT NULL`
	args := []interface{}{orderID, models.StatusPlaced, models.StatusInDelivery}
	if courierID != nil {
		query += ` AND delivery_id=$4`
		args = append(args, *courierID)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("release order: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if courierID != nil && (o.CourierID == nil || *o.CourierID != *courierID) {
		return fmt.Errorf("order %s is not assigned to courier %d: %w", orderID, *courierID, errs.ErrAuthorization)
	}
	return fmt.Errorf("order %s is %q and cannot be released: %w", orderID, o.Status, errs.ErrInvalidTransition)
}

func (r *OrderRepository) list(ctx context.Context, where string, limit int64, args ...interface{}) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT `+orderColumns+` FROM orders %s ORDER BY created_at DESC LIMIT %d`, where, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var res []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	for _, o := range res {
		if err := r.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, o *models.Order) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT menu_item_id, quantity, unit_price FROM order_items WHERE order_id=$1 ORDER BY menu_item_id`,
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.MenuItemID, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var courier sql.NullInt64
	var status string

	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &courier, &o.TotalPrice, &status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Status, err = models.ToOrderStatus(status)
	if err != nil {
		return nil, err
	}
	if courier.Valid {
		o.CourierID = &courier.Int64
	}
	return o, nil
}

func nullableCourier(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
