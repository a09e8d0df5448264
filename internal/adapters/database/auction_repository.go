package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	pkgdb "github.com/gavelworks/auctiond/pkg/database"
)

const auctionColumns = `
	id, seller_id, title, product_ref, auction_type, status,
	starting_price, current_price, reserve_price, buy_now_price, min_bid_increment,
	dutch_start_price, dutch_end_price, dutch_decrement_amount, dutch_decrement_interval_seconds,
	start_time, end_time, auto_extend_seconds, extension_count,
	winner_id, winning_bid_id, view_count, bid_count, max_bids_per_user, flagged_at,
	created_at, updated_at`

// PostgresAuctionRepository implements auctions.AuctionRepository using pgx.
type PostgresAuctionRepository struct {
	pool *pgxpool.Pool // Keep pool for non-transactional reads
}

// NewPostgresAuctionRepository creates a new PostgreSQL auction repository.
func NewPostgresAuctionRepository(pool *pgxpool.Pool) *PostgresAuctionRepository {
	return &PostgresAuctionRepository{pool: pool}
}

// Create persists a new auction.
func (r *PostgresAuctionRepository) Create(ctx context.Context, a *auctions.Auction) error {
	query := `
		INSERT INTO auctions (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID, a.SellerID, a.Title, a.ProductRef, a.Type, a.Status,
		a.StartingPrice, a.CurrentPrice, a.ReservePrice, a.BuyNowPrice, a.MinBidIncrement,
		a.DutchStartPrice, a.DutchEndPrice, a.DutchDecrementAmount, int64(a.DutchDecrementInterval/time.Second),
		a.StartTime, a.EndTime, int64(a.AutoExtendWindow/time.Second), a.ExtensionCount,
		a.WinnerID, a.WinningBidID, a.ViewCount, a.BidCount, a.MaxBidsPerUser, a.FlaggedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

// GetByID retrieves an auction (non-transactional read).
func (r *PostgresAuctionRepository) GetByID(ctx context.Context, id uuid.UUID) (*auctions.Auction, error) {
	return r.getByID(ctx, r.pool, id, false)
}

// GetByIDForUpdate retrieves an auction and locks its row for update. This is
// the serialization point for all mutating operations on one auction.
func (r *PostgresAuctionRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*auctions.Auction, error) {
	return r.getByID(ctx, tx, id, true)
}

func (r *PostgresAuctionRepository) getByID(ctx context.Context, db pkgdb.DBTX, id uuid.UUID, forUpdate bool) (*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	a, err := scanAuction(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auctions.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// ListActive returns active auctions ordered by soonest ending first.
func (r *PostgresAuctionRepository) ListActive(ctx context.Context, limit, offset int) ([]*auctions.Auction, error) {
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status = 'active'
		ORDER BY end_time ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query auctions: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return result, nil
}

// ListDue returns IDs of unflagged active auctions past their end time.
func (r *PostgresAuctionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM auctions
		WHERE status = 'active' AND end_time <= $1 AND flagged_at IS NULL
		ORDER BY end_time ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due auctions: %w", err)
	}
	return ids, nil
}

// ActivateDue publishes drafts whose start time has passed and returns the
// activated auctions.
func (r *PostgresAuctionRepository) ActivateDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]*auctions.Auction, error) {
	query := `
		UPDATE auctions
		SET status = 'active', updated_at = NOW()
		WHERE status = 'draft' AND start_time <= $1
		RETURNING ` + auctionColumns
	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to activate auctions: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activated auction: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activated auctions: %w", err)
	}
	return result, nil
}

// UpdateForBid applies the outcome of one PlaceBid admission cycle.
func (r *PostgresAuctionRepository) UpdateForBid(ctx context.Context, tx pgx.Tx, id uuid.UUID, currentPrice int64, bidCount int, endTime time.Time, extensionCount int) error {
	query := `
		UPDATE auctions
		SET current_price = $1, bid_count = $2, end_time = $3, extension_count = $4, updated_at = NOW()
		WHERE id = $5 AND status = 'active'
	`
	tag, err := tx.Exec(ctx, query, currentPrice, bidCount, endTime, extensionCount, id)
	if err != nil {
		return fmt.Errorf("failed to update auction for bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auctions.ErrAuctionClosed
	}
	return nil
}

// MarkSold performs the active -> sold transition. The status guard makes the
// terminal transition a compare-and-set: a concurrent settlement that already
// closed the auction leaves zero rows affected.
func (r *PostgresAuctionRepository) MarkSold(ctx context.Context, tx pgx.Tx, id uuid.UUID, winnerID, winningBidID uuid.UUID, settledPrice int64) error {
	query := `
		UPDATE auctions
		SET status = 'sold', winner_id = $1, winning_bid_id = $2, current_price = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'active'
	`
	tag, err := tx.Exec(ctx, query, winnerID, winningBidID, settledPrice, id)
	if err != nil {
		return fmt.Errorf("failed to mark auction sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auctions.ErrAlreadySold
	}
	return nil
}

// MarkEnded performs the active -> ended transition, with or without a winner.
func (r *PostgresAuctionRepository) MarkEnded(ctx context.Context, tx pgx.Tx, id uuid.UUID, winnerID, winningBidID *uuid.UUID, settledPrice int64) error {
	query := `
		UPDATE auctions
		SET status = 'ended', winner_id = $1, winning_bid_id = $2, current_price = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'active'
	`
	tag, err := tx.Exec(ctx, query, winnerID, winningBidID, settledPrice, id)
	if err != nil {
		return fmt.Errorf("failed to mark auction ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auctions.ErrAuctionClosed
	}
	return nil
}

// MarkCancelled performs the active -> cancelled transition.
func (r *PostgresAuctionRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `
		UPDATE auctions
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark auction cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auctions.ErrAuctionClosed
	}
	return nil
}

// MarkFlagged halts automatic settlement for an auction.
func (r *PostgresAuctionRepository) MarkFlagged(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `
		UPDATE auctions
		SET flagged_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND flagged_at IS NULL
	`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to flag auction: %w", err)
	}
	return nil
}

// IncrementViewCount bumps the advisory view counter.
func (r *PostgresAuctionRepository) IncrementViewCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE auctions SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment view count: %w", err)
	}
	return nil
}

func scanAuction(row pgx.Row) (*auctions.Auction, error) {
	var a auctions.Auction
	var dutchIntervalSec, autoExtendSec int64
	err := row.Scan(
		&a.ID, &a.SellerID, &a.Title, &a.ProductRef, &a.Type, &a.Status,
		&a.StartingPrice, &a.CurrentPrice, &a.ReservePrice, &a.BuyNowPrice, &a.MinBidIncrement,
		&a.DutchStartPrice, &a.DutchEndPrice, &a.DutchDecrementAmount, &dutchIntervalSec,
		&a.StartTime, &a.EndTime, &autoExtendSec, &a.ExtensionCount,
		&a.WinnerID, &a.WinningBidID, &a.ViewCount, &a.BidCount, &a.MaxBidsPerUser, &a.FlaggedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.DutchDecrementInterval = time.Duration(dutchIntervalSec) * time.Second
	a.AutoExtendWindow = time.Duration(autoExtendSec) * time.Second
	return &a, nil
}
