package auctions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AuctionRepository is the Auction Store. Methods taking a pgx.Tx must be
// called within a transaction; GetByIDForUpdate acquires the per-auction row
// lock that serializes all mutating operations on one auction.
type AuctionRepository interface {
	Create(ctx context.Context, auction *Auction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Auction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Auction, error)
	ListActive(ctx context.Context, limit, offset int) ([]*Auction, error)

	// ListDue returns IDs of active auctions whose end time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// ActivateDue publishes draft auctions whose start time has passed and
	// returns them so the caller can announce each one.
	ActivateDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]*Auction, error)

	// UpdateForBid applies the price, counter and end-time changes of one
	// PlaceBid admission cycle.
	UpdateForBid(ctx context.Context, tx pgx.Tx, id uuid.UUID, currentPrice int64, bidCount int, endTime time.Time, extensionCount int) error

	// MarkSold and MarkEnded perform the terminal transitions. Winner fields
	// are nil for unsold endings.
	MarkSold(ctx context.Context, tx pgx.Tx, id uuid.UUID, winnerID, winningBidID uuid.UUID, settledPrice int64) error
	MarkEnded(ctx context.Context, tx pgx.Tx, id uuid.UUID, winnerID, winningBidID *uuid.UUID, settledPrice int64) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error

	// MarkFlagged halts automatic settlement for an auction.
	MarkFlagged(ctx context.Context, tx pgx.Tx, id uuid.UUID) error

	IncrementViewCount(ctx context.Context, id uuid.UUID) error
}

// BidRepository is the append-only Bid Ledger.
type BidRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, bid *Bid) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bid, error)

	// GetWinning returns the bid currently flagged winning, or nil.
	GetWinning(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Bid, error)

	// CountWinning exists to detect invariant violations before settlement.
	CountWinning(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error)

	// SetWinning flips the only mutable bid field.
	SetWinning(ctx context.Context, tx pgx.Tx, bidID uuid.UUID, winning bool) error

	CountByBidder(ctx context.Context, tx pgx.Tx, auctionID, bidderID uuid.UUID) (int, error)

	// ListRanked returns all bids for an auction ordered by amount descending,
	// then sequence ascending (earliest first on ties).
	ListRanked(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) ([]*Bid, error)

	ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
}

// OrderRepository records settlement outcomes.
type OrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, order *Order) error
	GetByAuctionID(ctx context.Context, auctionID uuid.UUID) (*Order, error)
}

// WalletLedger is the external balance collaborator. Debit and Credit are
// enlisted in the caller's transaction so funds movement is atomic with the
// auction transition. Idempotency keys make retried settlements safe.
type WalletLedger interface {
	// Debit returns ErrInsufficientFunds without writing anything when the
	// balance cannot cover the amount.
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, idempotencyKey string) error
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, idempotencyKey string) error
}

// WatcherRepository routes ended/starting-soon notifications. Read-only from
// the engines' perspective apart from subscription.
type WatcherRepository interface {
	Watch(ctx context.Context, auctionID, userID uuid.UUID) error
	ListUserIDs(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error)
}

// AuctionCache is a read-through projection of auction rows. It is never a
// source of truth; all concurrency decisions go through the store.
type AuctionCache interface {
	Get(ctx context.Context, id uuid.UUID) (*Auction, bool)
	Set(ctx context.Context, auction *Auction)
	Invalidate(ctx context.Context, id uuid.UUID)
}
