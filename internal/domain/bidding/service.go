package bidding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/pkg/database"
	"github.com/gavelworks/auctiond/pkg/events"
)

// PlaceBidCommand carries a bid placement request.
type PlaceBidCommand struct {
	AuctionID  uuid.UUID
	BidderID   uuid.UUID
	Amount     int64
	MaxAutoBid *int64
}

// PlaceBidResult is returned on admission. CurrentPrice reflects any auto-bid
// escalation that followed the admitted bid.
type PlaceBidResult struct {
	Bid          *auctions.Bid
	CurrentPrice int64
	EndTime      time.Time
}

var ErrInvalidMaxAutoBid = fmt.Errorf("max auto-bid must be at least the bid amount")

// validateAmount checks the basic shape of a bid before touching the store.
func validateAmount(amount int64, maxAutoBid *int64) error {
	if amount <= 0 {
		return auctions.ErrInvalidAmount
	}
	if maxAutoBid != nil && *maxAutoBid < amount {
		return ErrInvalidMaxAutoBid
	}
	return nil
}

// validateIncrement enforces the minimum raise over the current price.
func validateIncrement(amount, currentPrice, increment int64) error {
	if amount < currentPrice+increment {
		return auctions.ErrBidTooLow
	}
	return nil
}

// extendDeadline applies the anti-snipe rule: a bid landing inside the
// auto-extend window pushes the end time to now + window, up to maxExtensions
// (0 = unlimited). Returns the new end time, extension count, and whether an
// extension happened.
func extendDeadline(a *auctions.Auction, now time.Time, maxExtensions int) (time.Time, int, bool) {
	if a.AutoExtendWindow <= 0 {
		return a.EndTime, a.ExtensionCount, false
	}
	if now.Before(a.EndTime.Add(-a.AutoExtendWindow)) {
		return a.EndTime, a.ExtensionCount, false
	}
	if maxExtensions > 0 && a.ExtensionCount >= maxExtensions {
		return a.EndTime, a.ExtensionCount, false
	}
	return now.Add(a.AutoExtendWindow), a.ExtensionCount + 1, true
}

// Engine admits or rejects bids against active auctions, maintains the current
// price, and resolves auto-bid wars deterministically. All writes for one
// PlaceBid call happen in a single transaction holding the auction row lock,
// so concurrent bids on the same auction serialize: the loser revalidates
// against the updated price and fails with ErrBidTooLow.
type Engine struct {
	txManager     database.TransactionManager
	auctionRepo   auctions.AuctionRepository
	bidRepo       auctions.BidRepository
	outboxRepo    events.OutboxRepository
	cache         auctions.AuctionCache
	clock         auctions.Clock
	maxExtensions int
}

// NewEngine creates the bidding engine. maxExtensions caps anti-snipe
// extensions per auction (0 = unlimited).
func NewEngine(
	txManager database.TransactionManager,
	auctionRepo auctions.AuctionRepository,
	bidRepo auctions.BidRepository,
	outboxRepo events.OutboxRepository,
	cache auctions.AuctionCache,
	clock auctions.Clock,
	maxExtensions int,
) *Engine {
	return &Engine{
		txManager:     txManager,
		auctionRepo:   auctionRepo,
		bidRepo:       bidRepo,
		outboxRepo:    outboxRepo,
		cache:         cache,
		clock:         clock,
		maxExtensions: maxExtensions,
	}
}

// PlaceBid validates and admits a bid. Validation failures each map to a
// distinct sentinel; see the auctions package. Sealed bids are admitted
// opaque: no price update, no winner recomputation until the close-time
// reveal.
func (e *Engine) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*PlaceBidResult, error) {
	if err := validateAmount(cmd.Amount, cmd.MaxAutoBid); err != nil {
		return nil, err
	}

	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Row lock: serializes all mutating operations on this auction.
	auction, err := e.auctionRepo.GetByIDForUpdate(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if auction.Status != auctions.StatusActive || !auction.InBiddingWindow(now) || !auction.AcceptsBids() {
		return nil, auctions.ErrAuctionClosed
	}
	if auction.SellerID == cmd.BidderID {
		return nil, auctions.ErrSellerCannotBid
	}

	var result *PlaceBidResult
	if auction.Type == auctions.TypeSealed {
		result, err = e.admitSealed(ctx, tx, auction, cmd, now)
	} else {
		result, err = e.admitOpen(ctx, tx, auction, cmd, now)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.cache.Invalidate(ctx, cmd.AuctionID)
	return result, nil
}

// admitOpen handles time_based auctions: price check, winner flip, auto-bid
// resolution and anti-snipe extension.
func (e *Engine) admitOpen(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, cmd PlaceBidCommand, now time.Time) (*PlaceBidResult, error) {
	if err := validateIncrement(cmd.Amount, auction.CurrentPrice, auction.MinBidIncrement); err != nil {
		return nil, err
	}

	displaced, err := e.bidRepo.GetWinning(ctx, tx, auction.ID)
	if err != nil {
		return nil, err
	}
	if displaced != nil && displaced.BidderID == cmd.BidderID {
		return nil, auctions.ErrAlreadyWinning
	}

	if err := e.checkBidLimit(ctx, tx, auction, cmd.BidderID); err != nil {
		return nil, err
	}

	seq := auction.BidCount + 1
	bid := &auctions.Bid{
		ID:         uuid.New(),
		AuctionID:  auction.ID,
		BidderID:   cmd.BidderID,
		Amount:     cmd.Amount,
		MaxAutoBid: cmd.MaxAutoBid,
		Sequence:   seq,
		CreatedAt:  now,
	}

	steps := resolveAutoBidWar(bid, displaced, auction.MinBidIncrement)

	// The displaced bid loses its flag before any new winning row is inserted:
	// the one-winning-bid index is enforced per statement, so the flip must
	// come first.
	if displaced != nil {
		if err := e.bidRepo.SetWinning(ctx, tx, displaced.ID, false); err != nil {
			return nil, err
		}
	}

	// Only the final admission carries is_winning = true.
	bid.IsWinning = len(steps) == 0
	if err := e.bidRepo.Insert(ctx, tx, bid); err != nil {
		return nil, fmt.Errorf("failed to save bid: %w", err)
	}

	currentPrice := cmd.Amount
	winnerBidderID := cmd.BidderID
	autoBids := make([]*auctions.Bid, 0, len(steps))
	for i, step := range steps {
		seq++
		auto := &auctions.Bid{
			ID:         uuid.New(),
			AuctionID:  auction.ID,
			BidderID:   step.BidderID,
			Amount:     step.Amount,
			MaxAutoBid: step.MaxAutoBid,
			Sequence:   seq,
			IsWinning:  i == len(steps)-1,
			IsAutoBid:  true,
			CreatedAt:  now,
		}
		if err := e.bidRepo.Insert(ctx, tx, auto); err != nil {
			return nil, fmt.Errorf("failed to save auto-bid: %w", err)
		}
		autoBids = append(autoBids, auto)
		currentPrice = step.Amount
		winnerBidderID = step.BidderID
	}

	endTime, extensions, extended := extendDeadline(auction, now, e.maxExtensions)

	if err := e.auctionRepo.UpdateForBid(ctx, tx, auction.ID, currentPrice, seq, endTime, extensions); err != nil {
		return nil, err
	}

	if err := e.saveBidEvents(ctx, tx, auction, bid, autoBids, displaced, winnerBidderID, currentPrice, endTime, extensions, extended, now); err != nil {
		return nil, err
	}

	return &PlaceBidResult{Bid: bid, CurrentPrice: currentPrice, EndTime: endTime}, nil
}

// admitSealed admits a bid without revealing its amount or touching the
// current price; ranking is deferred to the settlement reveal. The anti-snipe
// rule still applies.
func (e *Engine) admitSealed(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, cmd PlaceBidCommand, now time.Time) (*PlaceBidResult, error) {
	if cmd.Amount < auction.StartingPrice {
		return nil, auctions.ErrBidTooLow
	}
	if err := e.checkBidLimit(ctx, tx, auction, cmd.BidderID); err != nil {
		return nil, err
	}

	seq := auction.BidCount + 1
	bid := &auctions.Bid{
		ID:        uuid.New(),
		AuctionID: auction.ID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		Sequence:  seq,
		IsSealed:  true,
		CreatedAt: now,
	}
	if err := e.bidRepo.Insert(ctx, tx, bid); err != nil {
		return nil, fmt.Errorf("failed to save sealed bid: %w", err)
	}

	endTime, extensions, extended := extendDeadline(auction, now, e.maxExtensions)
	if err := e.auctionRepo.UpdateForBid(ctx, tx, auction.ID, auction.CurrentPrice, seq, endTime, extensions); err != nil {
		return nil, err
	}

	// The placed event for a sealed bid carries no amount.
	placed, err := auctions.NewOutboxEvent(auctions.EventTypeBidPlaced, auctions.BidPlacedEvent{
		BidID:        bid.ID,
		AuctionID:    auction.ID,
		BidderID:     cmd.BidderID,
		CurrentPrice: auction.CurrentPrice,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, placed); err != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", err)
	}
	if extended {
		if err := e.saveExtendedEvent(ctx, tx, auction.ID, endTime, extensions, now); err != nil {
			return nil, err
		}
	}

	return &PlaceBidResult{Bid: bid, CurrentPrice: auction.CurrentPrice, EndTime: endTime}, nil
}

func (e *Engine) checkBidLimit(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, bidderID uuid.UUID) error {
	if auction.MaxBidsPerUser == nil {
		return nil
	}
	count, err := e.bidRepo.CountByBidder(ctx, tx, auction.ID, bidderID)
	if err != nil {
		return err
	}
	if count >= *auction.MaxBidsPerUser {
		return auctions.ErrBidLimitExceeded
	}
	return nil
}

func (e *Engine) saveBidEvents(
	ctx context.Context,
	tx pgx.Tx,
	auction *auctions.Auction,
	bid *auctions.Bid,
	autoBids []*auctions.Bid,
	displaced *auctions.Bid,
	winnerBidderID uuid.UUID,
	currentPrice int64,
	endTime time.Time,
	extensions int,
	extended bool,
	now time.Time,
) error {
	if err := e.savePlacedEvent(ctx, tx, bid, bid.Amount, now); err != nil {
		return err
	}
	for _, auto := range autoBids {
		if err := e.savePlacedEvent(ctx, tx, auto, auto.Amount, now); err != nil {
			return err
		}
	}

	// Every bidder who lost the winning position hears about it: the displaced
	// incumbent when the challenger prevailed, or the challenger when the
	// incumbent's auto-bid countered. A bidder is never outbid by themselves.
	if displaced != nil && displaced.BidderID != winnerBidderID {
		if err := e.saveOutbidEvent(ctx, tx, auction.ID, displaced.BidderID, currentPrice, now); err != nil {
			return err
		}
	}
	if bid.BidderID != winnerBidderID {
		if err := e.saveOutbidEvent(ctx, tx, auction.ID, bid.BidderID, currentPrice, now); err != nil {
			return err
		}
	}

	if extended {
		if err := e.saveExtendedEvent(ctx, tx, auction.ID, endTime, extensions, now); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) savePlacedEvent(ctx context.Context, tx pgx.Tx, bid *auctions.Bid, currentPrice int64, now time.Time) error {
	placed, err := auctions.NewOutboxEvent(auctions.EventTypeBidPlaced, auctions.BidPlacedEvent{
		BidID:        bid.ID,
		AuctionID:    bid.AuctionID,
		BidderID:     bid.BidderID,
		Amount:       bid.Amount,
		CurrentPrice: currentPrice,
		IsAutoBid:    bid.IsAutoBid,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, placed); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (e *Engine) saveOutbidEvent(ctx context.Context, tx pgx.Tx, auctionID, bidderID uuid.UUID, currentPrice int64, now time.Time) error {
	outbid, err := auctions.NewOutboxEvent(auctions.EventTypeBidOutbid, auctions.BidOutbidEvent{
		AuctionID:    auctionID,
		BidderID:     bidderID,
		CurrentPrice: currentPrice,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, outbid); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (e *Engine) saveExtendedEvent(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, endTime time.Time, extensions int, now time.Time) error {
	event, err := auctions.NewOutboxEvent(auctions.EventTypeAuctionExtended, auctions.AuctionExtendedEvent{
		AuctionID:      auctionID,
		NewEndTime:     endTime,
		ExtensionCount: extensions,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}
