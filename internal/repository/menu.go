package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dostava/internal/errs"
	"dostava/internal/models"
)

type MenuRepository struct {
	db *sql.DB
}

func NewMenuRepository(db *sql.DB) *MenuRepository {
	return &MenuRepository{db: db}
}

// Menu returns the restaurant's current menu keyed by item id. A missing
// restaurant is ErrNotFound even when it simply has no items yet.
func (r *MenuRepository) Menu(ctx context.Context, restaurantID int64) (map[int64]models.MenuItem, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM restaurants WHERE id=$1)`, restaurantID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check restaurant: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("restaurant %d: %w", restaurantID, errs.ErrNotFound)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, restaurant_id, name, price FROM menu_items WHERE restaurant_id=$1`, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("load menu: %w", err)
	}
	defer rows.Close()

	menu := make(map[int64]models.MenuItem)
	for rows.Next() {
		var mi models.MenuItem
		if err := rows.Scan(&mi.ID, &mi.RestaurantID, &mi.Name, &mi.Price); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		menu[mi.ID] = mi
	}
	return menu, rows.Err()
}

// RestaurantForOperator resolves which restaurant the authenticated operator
// manages.
func (r *MenuRepository) RestaurantForOperator(ctx context.Context, operatorID int64) (*models.Restaurant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, operator_id FROM restaurants WHERE operator_id=$1`, operatorID)

	rest := &models.Restaurant{}
	err := row.Scan(&rest.ID, &rest.Name, &rest.OperatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no restaurant for operator %d: %w", operatorID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("restaurant for operator: %w", err)
	}
	return rest, nil
}
