package repository

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dostava/internal/db"
	"dostava/internal/errs"
	"dostava/internal/models"
)

// Integration tests run against a real Postgres; set TEST_DSN to enable,
// e.g. TEST_DSN="host=localhost user=postgres dbname=dostava_test sslmode=disable".
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		t.Skip("TEST_DSN not set")
	}

	database, err := db.NewDB(dsn, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = database.Exec(`TRUNCATE order_items, orders, menu_items, restaurants, outbox_events, audit_logs CASCADE`)
		database.Close()
	})
	return database
}

func seedRestaurant(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	var id int64
	err := database.QueryRow(
		`INSERT INTO restaurants (name, operator_id) VALUES ($1, $2) RETURNING id`,
		"Скара кај Миле", time.Now().UnixNano(),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedOrder(t *testing.T, repo *OrderRepository, restaurantID int64) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:           uuid.New(),
		CustomerID:   1,
		RestaurantID: restaurantID,
		Items: []models.OrderItem{
			{MenuItemID: 1, Quantity: 2, UnitPrice: decimal.NewFromInt(250)},
		},
		TotalPrice: decimal.NewFromInt(500),
		Status:     models.StatusPlaced,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func TestAcceptConflictDiagnosis(t *testing.T) {
	id := uuid.New()

	holder := int64(100)
	err := acceptConflict(id, &models.Order{ID: id, CourierID: &holder, Status: models.StatusInDelivery})
	assert.ErrorIs(t, err, errs.ErrConflict)

	// The winner released before the loser's re-read: no courier on the
	// order anymore, still a lost race rather than a panic.
	err = acceptConflict(id, &models.Order{ID: id, Status: models.StatusPlaced})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestOrderRoundTrip(t *testing.T) {
	database := testDB(t)
	repo := NewOrderRepository(database)
	restaurantID := seedRestaurant(t, database)
	ctx := context.Background()

	o := seedOrder(t, repo, restaurantID)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, models.StatusPlaced, got.Status)
	assert.Nil(t, got.CourierID)
	assert.True(t, o.TotalPrice.Equal(got.TotalPrice))
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAcceptIsAtomic(t *testing.T) {
	database := testDB(t)
	repo := NewOrderRepository(database)
	restaurantID := seedRestaurant(t, database)
	ctx := context.Background()

	o := seedOrder(t, repo, restaurantID)

	const n = 8
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(courierID int64) {
			defer wg.Done()
			errCh <- repo.Accept(ctx, o.ID, courierID)
		}(int64(100 + i))
	}
	wg.Wait()
	close(errCh)

	wins, conflicts := 0, 0
	for err := range errCh {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConflict)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CourierID)
	assert.Equal(t, models.StatusInDelivery, got.Status)
}

func TestUpdateStatusConditional(t *testing.T) {
	database := testDB(t)
	repo := NewOrderRepository(database)
	restaurantID := seedRestaurant(t, database)
	ctx := context.Background()

	o := seedOrder(t, repo, restaurantID)

	require.NoError(t, repo.UpdateStatus(ctx, o.ID, models.StatusPlaced, models.StatusPreparing))

	// Stale expectation: the order already moved on.
	err := repo.UpdateStatus(ctx, o.ID, models.StatusPlaced, models.StatusPreparing)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreparing, got.Status)
}

func TestDeliverRequiresAssignment(t *testing.T) {
	database := testDB(t)
	repo := NewOrderRepository(database)
	restaurantID := seedRestaurant(t, database)
	ctx := context.Background()

	o := seedOrder(t, repo, restaurantID)
	require.NoError(t, repo.Accept(ctx, o.ID, 100))

	assert.ErrorIs(t, repo.Deliver(ctx, o.ID, 555), errs.ErrAuthorization)
	require.NoError(t, repo.Deliver(ctx, o.ID, 100))
	assert.ErrorIs(t, repo.Deliver(ctx, o.ID, 100), errs.ErrInvalidTransition)
}

func TestReleaseReturnsOrderToPool(t *testing.T) {
	database := testDB(t)
	repo := NewOrderRepository(database)
	restaurantID := seedRestaurant(t, database)
	ctx := context.Background()

	o := seedOrder(t, repo, restaurantID)
	require.NoError(t, repo.Accept(ctx, o.ID, 100))

	other := int64(555)
	assert.ErrorIs(t, repo.Release(ctx, o.ID, &other), errs.ErrAuthorization)

	owner := int64(100)
	require.NoError(t, repo.Release(ctx, o.ID, &owner))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CourierID)
	assert.Equal(t, models.StatusPlaced, got.Status)

	unassigned, err := repo.ListUnassigned(ctx, 50)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, o.ID, unassigned[0].ID)
}
