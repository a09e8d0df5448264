package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWatcherRepository stores (auction, user) notification subscriptions.
type PostgresWatcherRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresWatcherRepository creates a new PostgreSQL watcher repository.
func NewPostgresWatcherRepository(pool *pgxpool.Pool) *PostgresWatcherRepository {
	return &PostgresWatcherRepository{pool: pool}
}

// Watch subscribes a user to an auction. Watching twice is a no-op.
func (r *PostgresWatcherRepository) Watch(ctx context.Context, auctionID, userID uuid.UUID) error {
	query := `
		INSERT INTO auction_watchers (auction_id, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (auction_id, user_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, auctionID, userID); err != nil {
		return fmt.Errorf("failed to insert watcher: %w", err)
	}
	return nil
}

// ListUserIDs returns all watchers of an auction.
func (r *PostgresWatcherRepository) ListUserIDs(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM auction_watchers WHERE auction_id = $1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchers: %w", err)
	}
	return ids, nil
}
