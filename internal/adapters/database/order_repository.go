package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

// PostgresOrderRepository implements auctions.OrderRepository using pgx.
type PostgresOrderRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderRepository creates a new PostgreSQL order repository.
func NewPostgresOrderRepository(pool *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{pool: pool}
}

// Create inserts the order within the settlement transaction. The unique
// index on auction_id backs the exactly-one-order guarantee at the storage
// level.
func (r *PostgresOrderRepository) Create(ctx context.Context, tx pgx.Tx, order *auctions.Order) error {
	query := `
		INSERT INTO orders (id, order_number, auction_id, buyer_id, seller_id, product_ref, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		order.ID, order.OrderNumber, order.AuctionID, order.BuyerID,
		order.SellerID, order.ProductRef, order.Amount, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetByAuctionID retrieves the order produced by an auction's settlement.
func (r *PostgresOrderRepository) GetByAuctionID(ctx context.Context, auctionID uuid.UUID) (*auctions.Order, error) {
	query := `
		SELECT id, order_number, auction_id, buyer_id, seller_id, product_ref, amount, created_at
		FROM orders
		WHERE auction_id = $1
	`
	var order auctions.Order
	err := r.pool.QueryRow(ctx, query, auctionID).Scan(
		&order.ID, &order.OrderNumber, &order.AuctionID, &order.BuyerID,
		&order.SellerID, &order.ProductRef, &order.Amount, &order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order not found")
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}
