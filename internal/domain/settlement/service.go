package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/pkg/database"
	"github.com/gavelworks/auctiond/pkg/events"
)

// BuyNowCommand carries an immediate-purchase request. ExpectedPrice guards
// against the stale-UI race where the price changed between read and click.
type BuyNowCommand struct {
	AuctionID     uuid.UUID
	BuyerID       uuid.UUID
	ExpectedPrice int64
}

// BuyNowResult is returned on a successful purchase.
type BuyNowResult struct {
	OrderID     uuid.UUID
	OrderNumber string
	Amount      int64
}

// Idempotency keys are derived from the auction and the settlement attempt so
// retried sweeps never double-charge a wallet.
func buyNowKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("buynow:%s", auctionID)
}

func settleKey(auctionID uuid.UUID, attempt int) string {
	return fmt.Sprintf("settle:%s:%d", auctionID, attempt)
}

func proceedsKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("proceeds:%s", auctionID)
}

// newOrderNumber builds a human-readable order reference.
func newOrderNumber(now time.Time, id uuid.UUID) string {
	short := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), short)
}

// Engine converts winning bids and purchase requests into exactly one order
// each, exactly once, with funds debited in the same transaction as the
// terminal status transition.
type Engine struct {
	txManager   database.TransactionManager
	auctionRepo auctions.AuctionRepository
	bidRepo     auctions.BidRepository
	orderRepo   auctions.OrderRepository
	wallet      auctions.WalletLedger
	outboxRepo  events.OutboxRepository
	cache       auctions.AuctionCache
	clock       auctions.Clock
}

// NewEngine creates the settlement engine.
func NewEngine(
	txManager database.TransactionManager,
	auctionRepo auctions.AuctionRepository,
	bidRepo auctions.BidRepository,
	orderRepo auctions.OrderRepository,
	wallet auctions.WalletLedger,
	outboxRepo events.OutboxRepository,
	cache auctions.AuctionCache,
	clock auctions.Clock,
) *Engine {
	return &Engine{
		txManager:   txManager,
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		orderRepo:   orderRepo,
		wallet:      wallet,
		outboxRepo:  outboxRepo,
		cache:       cache,
		clock:       clock,
	}
}

// BuyNow performs the atomic active -> sold transition: wallet debit, order
// creation and status change commit together or not at all. Two concurrent
// calls on the same auction serialize on the row lock; the second sees the
// terminal state and fails with ErrAlreadySold.
func (e *Engine) BuyNow(ctx context.Context, cmd BuyNowCommand) (*BuyNowResult, error) {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	auction, err := e.auctionRepo.GetByIDForUpdate(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	if auction.Status == auctions.StatusSold {
		return nil, auctions.ErrAlreadySold
	}
	now := e.clock.Now()
	if auction.Status != auctions.StatusActive || !auction.InBiddingWindow(now) {
		return nil, auctions.ErrAuctionClosed
	}
	if auction.SellerID == cmd.BuyerID {
		return nil, auctions.ErrSellerCannotBid
	}

	price := auction.PurchasePriceAt(now)
	if price == nil {
		return nil, auctions.ErrBuyNowUnavailable
	}
	if cmd.ExpectedPrice != *price {
		return nil, auctions.ErrPriceChanged
	}

	if err := e.wallet.Debit(ctx, tx, cmd.BuyerID, *price, buyNowKey(auction.ID)); err != nil {
		return nil, err
	}
	if err := e.wallet.Credit(ctx, tx, auction.SellerID, *price, proceedsKey(auction.ID)); err != nil {
		return nil, err
	}

	// A purchase records a winning bid at the settled price so every settled
	// auction has exactly one winning ledger entry.
	if displaced, err := e.bidRepo.GetWinning(ctx, tx, auction.ID); err != nil {
		return nil, err
	} else if displaced != nil {
		if err := e.bidRepo.SetWinning(ctx, tx, displaced.ID, false); err != nil {
			return nil, err
		}
	}

	winningBid := &auctions.Bid{
		ID:        uuid.New(),
		AuctionID: auction.ID,
		BidderID:  cmd.BuyerID,
		Amount:    *price,
		Sequence:  auction.BidCount + 1,
		IsWinning: true,
		CreatedAt: now,
	}
	if err := e.bidRepo.Insert(ctx, tx, winningBid); err != nil {
		return nil, fmt.Errorf("failed to save purchase bid: %w", err)
	}

	order := &auctions.Order{
		ID:         uuid.New(),
		AuctionID:  auction.ID,
		BuyerID:    cmd.BuyerID,
		SellerID:   auction.SellerID,
		ProductRef: auction.ProductRef,
		Amount:     *price,
		CreatedAt:  now,
	}
	order.OrderNumber = newOrderNumber(now, order.ID)
	if err := e.orderRepo.Create(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := e.auctionRepo.MarkSold(ctx, tx, auction.ID, cmd.BuyerID, winningBid.ID, *price); err != nil {
		return nil, err
	}

	winnerID := cmd.BuyerID
	winningBidID := winningBid.ID
	event, err := auctions.NewOutboxEvent(auctions.EventTypeAuctionSold, auctions.AuctionClosedEvent{
		AuctionID:    auction.ID,
		SellerID:     auction.SellerID,
		WinnerID:     &winnerID,
		WinningBidID: &winningBidID,
		Amount:       *price,
		OrderID:      &order.ID,
		OrderNumber:  order.OrderNumber,
		ReserveMet:   true,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.cache.Invalidate(ctx, auction.ID)
	return &BuyNowResult{OrderID: order.ID, OrderNumber: order.OrderNumber, Amount: *price}, nil
}

// ActivateScheduled publishes draft auctions whose start time has arrived and
// emits an auction.started event for each, in one transaction.
func (e *Engine) ActivateScheduled(ctx context.Context) (int, error) {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := e.clock.Now()
	activated, err := e.auctionRepo.ActivateDue(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	if len(activated) == 0 {
		return 0, nil
	}

	for _, a := range activated {
		event, err := auctions.NewOutboxEvent(auctions.EventTypeAuctionStarted, auctions.AuctionStartedEvent{
			AuctionID:  a.ID,
			SellerID:   a.SellerID,
			EndTime:    a.EndTime,
			OccurredAt: now,
		}, now)
		if err != nil {
			return 0, err
		}
		if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
			return 0, fmt.Errorf("failed to save outbox event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, a := range activated {
		e.cache.Invalidate(ctx, a.ID)
	}
	return len(activated), nil
}

// SettleOnExpiry performs the time-based close for one auction. It is
// idempotent: invoked against an already-terminal auction it is a no-op, so
// concurrent sweep workers may retry safely.
//
// When the leading bidder cannot fund the debit, settlement falls through to
// the next-highest eligible bidder (distinct bidders, amount descending,
// earliest sequence on ties); if no bid can be funded the auction ends unsold.
func (e *Engine) SettleOnExpiry(ctx context.Context, auctionID uuid.UUID) error {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	auction, err := e.auctionRepo.GetByIDForUpdate(ctx, tx, auctionID)
	if err != nil {
		return err
	}

	// Terminal, unpublished or flagged auctions are not the sweep's business.
	if auction.IsTerminal() || auction.Status == auctions.StatusDraft || auction.FlaggedAt != nil {
		return nil
	}

	now := e.clock.Now()
	if now.Before(auction.EndTime) {
		// An anti-snipe extension moved the deadline since the sweep listed us.
		return nil
	}

	// Invariant gate: more than one winning bid means the ledger is corrupt.
	// Halt automatic settlement rather than compound the bug with a guess.
	winningCount, err := e.bidRepo.CountWinning(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	if winningCount > 1 {
		return e.flag(ctx, tx, auction, fmt.Sprintf("%d bids marked winning", winningCount), now)
	}

	switch auction.Type {
	case auctions.TypeTimeBased, auctions.TypeSealed:
		err = e.settleRanked(ctx, tx, auction, now)
	default:
		// buy_now and dutch auctions that expire without a purchase end unsold.
		err = e.endUnsold(ctx, tx, auction, false, now)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.cache.Invalidate(ctx, auctionID)
	return nil
}

// settleRanked settles against the ranked bid ledger: for sealed auctions this
// is the reveal; for time-based auctions the top candidate is the current
// winning bid. Each funding attempt gets its own idempotency key.
func (e *Engine) settleRanked(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, now time.Time) error {
	ranked, err := e.bidRepo.ListRanked(ctx, tx, auction.ID)
	if err != nil {
		return err
	}

	previousWinner, err := e.bidRepo.GetWinning(ctx, tx, auction.ID)
	if err != nil {
		return err
	}

	// The current winning bid leads the candidate list: ranked order alone
	// cannot distinguish it when an auto-bid war ended with equal amounts.
	candidates := highestPerBidder(ranked, previousWinner)
	hadBids := len(candidates) > 0

	attempt := 0
	for _, bid := range candidates {
		if !auction.ReserveMet(bid.Amount) {
			// Candidates are descending; nothing further can meet the reserve.
			break
		}

		attempt++
		err := e.wallet.Debit(ctx, tx, bid.BidderID, bid.Amount, settleKey(auction.ID, attempt))
		if errors.Is(err, auctions.ErrInsufficientFunds) {
			continue
		}
		if err != nil {
			return err
		}

		if err := e.wallet.Credit(ctx, tx, auction.SellerID, bid.Amount, proceedsKey(auction.ID)); err != nil {
			return err
		}
		return e.finalizeWin(ctx, tx, auction, bid, previousWinner, now)
	}

	reserveMet := hadBids && auction.ReserveMet(candidates[0].Amount)
	if previousWinner != nil {
		if err := e.bidRepo.SetWinning(ctx, tx, previousWinner.ID, false); err != nil {
			return err
		}
	}
	return e.endUnsold(ctx, tx, auction, reserveMet, now)
}

// finalizeWin creates the order, fixes the winning flag on the funded bid and
// performs the terminal transition: sealed reveals sell, time-based end won.
func (e *Engine) finalizeWin(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, bid, previousWinner *auctions.Bid, now time.Time) error {
	if previousWinner != nil && previousWinner.ID != bid.ID {
		if err := e.bidRepo.SetWinning(ctx, tx, previousWinner.ID, false); err != nil {
			return err
		}
	}
	if previousWinner == nil || previousWinner.ID != bid.ID {
		if err := e.bidRepo.SetWinning(ctx, tx, bid.ID, true); err != nil {
			return err
		}
	}

	order := &auctions.Order{
		ID:         uuid.New(),
		AuctionID:  auction.ID,
		BuyerID:    bid.BidderID,
		SellerID:   auction.SellerID,
		ProductRef: auction.ProductRef,
		Amount:     bid.Amount,
		CreatedAt:  now,
	}
	order.OrderNumber = newOrderNumber(now, order.ID)
	if err := e.orderRepo.Create(ctx, tx, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	eventType := auctions.EventTypeAuctionWon
	if auction.Type == auctions.TypeSealed {
		if err := e.auctionRepo.MarkSold(ctx, tx, auction.ID, bid.BidderID, bid.ID, bid.Amount); err != nil {
			return err
		}
		eventType = auctions.EventTypeAuctionSold
	} else {
		winnerID := bid.BidderID
		winningBidID := bid.ID
		if err := e.auctionRepo.MarkEnded(ctx, tx, auction.ID, &winnerID, &winningBidID, bid.Amount); err != nil {
			return err
		}
	}

	winnerID := bid.BidderID
	winningBidID := bid.ID
	event, err := auctions.NewOutboxEvent(eventType, auctions.AuctionClosedEvent{
		AuctionID:    auction.ID,
		SellerID:     auction.SellerID,
		WinnerID:     &winnerID,
		WinningBidID: &winningBidID,
		Amount:       bid.Amount,
		OrderID:      &order.ID,
		OrderNumber:  order.OrderNumber,
		ReserveMet:   true,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// endUnsold performs the no-winner ending: no financial side effects.
func (e *Engine) endUnsold(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, reserveMet bool, now time.Time) error {
	if err := e.auctionRepo.MarkEnded(ctx, tx, auction.ID, nil, nil, auction.CurrentPrice); err != nil {
		return err
	}
	event, err := auctions.NewOutboxEvent(auctions.EventTypeAuctionEnded, auctions.AuctionClosedEvent{
		AuctionID:  auction.ID,
		SellerID:   auction.SellerID,
		Amount:     auction.CurrentPrice,
		ReserveMet: reserveMet,
		OccurredAt: now,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// flag halts automatic settlement for the auction and commits the flag so the
// sweep stops retrying it.
func (e *Engine) flag(ctx context.Context, tx pgx.Tx, auction *auctions.Auction, reason string, now time.Time) error {
	if err := e.auctionRepo.MarkFlagged(ctx, tx, auction.ID); err != nil {
		return err
	}
	event, err := auctions.NewOutboxEvent(auctions.EventTypeAuctionFlagged, auctions.AuctionFlaggedEvent{
		AuctionID:  auction.ID,
		Reason:     reason,
		OccurredAt: now,
	}, now)
	if err != nil {
		return err
	}
	if err := e.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	e.cache.Invalidate(ctx, auction.ID)
	return fmt.Errorf("%w: %s", auctions.ErrInvariantViolation, reason)
}

// highestPerBidder reduces the ranked ledger (amount descending, sequence
// ascending) to one candidate per bidder: their highest bid, earliest on ties.
// If a winning bid exists it is placed first regardless of ranked order.
func highestPerBidder(ranked []*auctions.Bid, winning *auctions.Bid) []*auctions.Bid {
	seen := make(map[uuid.UUID]bool, len(ranked))
	out := make([]*auctions.Bid, 0, len(ranked))
	if winning != nil {
		seen[winning.BidderID] = true
		out = append(out, winning)
	}
	for _, b := range ranked {
		if seen[b.BidderID] {
			continue
		}
		seen[b.BidderID] = true
		out = append(out, b)
	}
	return out
}
