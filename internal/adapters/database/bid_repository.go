package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	pkgdb "github.com/gavelworks/auctiond/pkg/database"
)

const bidColumns = `id, auction_id, bidder_id, amount, max_auto_bid, sequence, is_sealed, is_winning, is_auto_bid, created_at`

// PostgresBidRepository implements auctions.BidRepository using pgx.
// The bids table is append-only: rows are inserted, never deleted, and
// is_winning is the only column ever updated.
type PostgresBidRepository struct {
	pool *pgxpool.Pool // Keep pool for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository.
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// Insert appends a bid to the ledger within a transaction.
func (r *PostgresBidRepository) Insert(ctx context.Context, tx pgx.Tx, bid *auctions.Bid) error {
	query := `
		INSERT INTO bids (` + bidColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.MaxAutoBid,
		bid.Sequence, bid.IsSealed, bid.IsWinning, bid.IsAutoBid, bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetByID retrieves a bid by its ID.
func (r *PostgresBidRepository) GetByID(ctx context.Context, id uuid.UUID) (*auctions.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = $1`
	bid, err := scanBid(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bid not found")
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return bid, nil
}

// GetWinning returns the bid currently flagged winning, or nil if none.
func (r *PostgresBidRepository) GetWinning(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auctions.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 AND is_winning = TRUE`
	bid, err := scanBid(tx.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get winning bid: %w", err)
	}
	return bid, nil
}

// CountWinning counts bids flagged winning; anything above one is an
// invariant violation.
func (r *PostgresBidRepository) CountWinning(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM bids WHERE auction_id = $1 AND is_winning = TRUE`, auctionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count winning bids: %w", err)
	}
	return count, nil
}

// SetWinning flips the is_winning flag, the only mutable bid column.
func (r *PostgresBidRepository) SetWinning(ctx context.Context, tx pgx.Tx, bidID uuid.UUID, winning bool) error {
	tag, err := tx.Exec(ctx, `UPDATE bids SET is_winning = $1 WHERE id = $2`, winning, bidID)
	if err != nil {
		return fmt.Errorf("failed to update winning flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid not found")
	}
	return nil
}

// CountByBidder counts a bidder's bids on one auction, for bid-limit checks.
func (r *PostgresBidRepository) CountByBidder(ctx context.Context, tx pgx.Tx, auctionID, bidderID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM bids WHERE auction_id = $1 AND bidder_id = $2`, auctionID, bidderID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bids: %w", err)
	}
	return count, nil
}

// ListRanked returns all bids for an auction ordered by amount descending,
// then sequence ascending (earliest first on ties).
func (r *PostgresBidRepository) ListRanked(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) ([]*auctions.Bid, error) {
	query := `
		SELECT ` + bidColumns + `
		FROM bids
		WHERE auction_id = $1
		ORDER BY amount DESC, sequence ASC
	`
	return r.list(ctx, tx, query, auctionID)
}

// ListByAuction returns the bid history newest first.
func (r *PostgresBidRepository) ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*auctions.Bid, error) {
	query := `
		SELECT ` + bidColumns + `
		FROM bids
		WHERE auction_id = $1
		ORDER BY sequence DESC
	`
	return r.list(ctx, r.pool, query, auctionID)
}

func (r *PostgresBidRepository) list(ctx context.Context, db pkgdb.DBTX, query string, args ...any) ([]*auctions.Bid, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		result = append(result, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

func scanBid(row pgx.Row) (*auctions.Bid, error) {
	var bid auctions.Bid
	err := row.Scan(
		&bid.ID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &bid.MaxAutoBid,
		&bid.Sequence, &bid.IsSealed, &bid.IsWinning, &bid.IsAutoBid, &bid.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}
