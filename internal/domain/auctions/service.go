package auctions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gavelworks/auctiond/pkg/database"
	"github.com/gavelworks/auctiond/pkg/events"
)

// CreateAuctionCommand carries the parameters for a new auction.
type CreateAuctionCommand struct {
	SellerID   uuid.UUID
	Title      string
	ProductRef string
	Type       AuctionType

	StartingPrice   int64
	ReservePrice    *int64
	BuyNowPrice     *int64
	MinBidIncrement int64

	DutchStartPrice        int64
	DutchEndPrice          int64
	DutchDecrementAmount   int64
	DutchDecrementInterval time.Duration

	StartTime        time.Time
	EndTime          time.Time
	AutoExtendWindow time.Duration
	MaxBidsPerUser   *int
}

var (
	ErrInvalidStartingPrice = fmt.Errorf("starting price must be greater than 0")
	ErrInvalidTimeWindow    = fmt.Errorf("end time must be after start time")
	ErrInvalidIncrement     = fmt.Errorf("minimum bid increment must be greater than 0")
	ErrInvalidBuyNowPrice   = fmt.Errorf("buy-now price must be set and positive for buy_now auctions")
	ErrInvalidDutchSchedule = fmt.Errorf("dutch schedule requires start > end >= 0, positive decrement and interval")
	ErrCannotCancel         = fmt.Errorf("only active auctions can be cancelled")
)

// Service is the auction read/lifecycle service: creation, cancellation,
// reads with lazy Dutch decay, bid history and watcher subscription.
// Bid admission and settlement live in their own engines.
type Service struct {
	txManager   database.TransactionManager
	auctionRepo AuctionRepository
	bidRepo     BidRepository
	watcherRepo WatcherRepository
	outboxRepo  events.OutboxRepository
	cache       AuctionCache
	clock       Clock
}

// NewService creates the auction lifecycle service.
func NewService(
	txManager database.TransactionManager,
	auctionRepo AuctionRepository,
	bidRepo BidRepository,
	watcherRepo WatcherRepository,
	outboxRepo events.OutboxRepository,
	cache AuctionCache,
	clock Clock,
) *Service {
	return &Service{
		txManager:   txManager,
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		watcherRepo: watcherRepo,
		outboxRepo:  outboxRepo,
		cache:       cache,
		clock:       clock,
	}
}

// CreateAuction validates the pricing parameters for the auction type and
// persists a new auction. Auctions starting in the future are created as
// drafts and activated by the scheduled sweep at their start time.
func (s *Service) CreateAuction(ctx context.Context, cmd CreateAuctionCommand) (*Auction, error) {
	now := s.clock.Now()

	if !cmd.EndTime.After(cmd.StartTime) {
		return nil, ErrInvalidTimeWindow
	}

	switch cmd.Type {
	case TypeTimeBased, TypeSealed:
		if cmd.StartingPrice <= 0 {
			return nil, ErrInvalidStartingPrice
		}
		if cmd.MinBidIncrement <= 0 {
			return nil, ErrInvalidIncrement
		}
	case TypeBuyNow:
		if cmd.BuyNowPrice == nil || *cmd.BuyNowPrice <= 0 {
			return nil, ErrInvalidBuyNowPrice
		}
	case TypeDutch:
		if cmd.DutchStartPrice <= 0 || cmd.DutchEndPrice < 0 ||
			cmd.DutchStartPrice <= cmd.DutchEndPrice ||
			cmd.DutchDecrementAmount <= 0 || cmd.DutchDecrementInterval <= 0 {
			return nil, ErrInvalidDutchSchedule
		}
	default:
		return nil, fmt.Errorf("unknown auction type %q", cmd.Type)
	}

	status := StatusActive
	if cmd.StartTime.After(now) {
		status = StatusDraft
	}

	startingPrice := cmd.StartingPrice
	currentPrice := cmd.StartingPrice
	switch cmd.Type {
	case TypeDutch:
		startingPrice = cmd.DutchStartPrice
		currentPrice = cmd.DutchStartPrice
	case TypeBuyNow:
		startingPrice = *cmd.BuyNowPrice
		currentPrice = *cmd.BuyNowPrice
	}

	auction := &Auction{
		ID:                     uuid.New(),
		SellerID:               cmd.SellerID,
		Title:                  cmd.Title,
		ProductRef:             cmd.ProductRef,
		Type:                   cmd.Type,
		Status:                 status,
		StartingPrice:          startingPrice,
		CurrentPrice:           currentPrice,
		ReservePrice:           cmd.ReservePrice,
		BuyNowPrice:            cmd.BuyNowPrice,
		MinBidIncrement:        cmd.MinBidIncrement,
		DutchStartPrice:        cmd.DutchStartPrice,
		DutchEndPrice:          cmd.DutchEndPrice,
		DutchDecrementAmount:   cmd.DutchDecrementAmount,
		DutchDecrementInterval: cmd.DutchDecrementInterval,
		StartTime:              cmd.StartTime,
		EndTime:                cmd.EndTime,
		AutoExtendWindow:       cmd.AutoExtendWindow,
		MaxBidsPerUser:         cmd.MaxBidsPerUser,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.auctionRepo.Create(ctx, auction); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}
	return auction, nil
}

// GetAuction returns the auction, going through the cache. Dutch auctions get
// their current price recomputed lazily on every read regardless of cache hit.
func (s *Service) GetAuction(ctx context.Context, id uuid.UUID) (*Auction, error) {
	auction, hit := s.cache.Get(ctx, id)
	if !hit {
		var err error
		auction, err = s.auctionRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, auction)
	}

	if auction.Type == TypeDutch && auction.Status == StatusActive {
		auction.CurrentPrice = auction.PriceAt(s.clock.Now())
	}

	// Advisory counter; failures are irrelevant to the read.
	_ = s.auctionRepo.IncrementViewCount(ctx, id)

	return auction, nil
}

// ListActiveAuctions returns active auctions with Dutch prices decayed to now.
func (s *Service) ListActiveAuctions(ctx context.Context, limit, offset int) ([]*Auction, error) {
	if limit <= 0 {
		limit = 20
	}
	list, err := s.auctionRepo.ListActive(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list active auctions: %w", err)
	}
	now := s.clock.Now()
	for _, a := range list {
		if a.Type == TypeDutch {
			a.CurrentPrice = a.PriceAt(now)
		}
	}
	return list, nil
}

// ListBids returns the bid history for an auction. Sealed bids stay opaque
// (amount and ceiling masked) until the auction reaches a terminal state.
func (s *Service) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	auction, err := s.auctionRepo.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	bids, err := s.bidRepo.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}

	if auction.Type == TypeSealed && !auction.IsTerminal() {
		for _, b := range bids {
			b.Amount = 0
			b.MaxAutoBid = nil
		}
	}
	return bids, nil
}

// WatchAuction subscribes a user to ended/starting-soon notifications.
func (s *Service) WatchAuction(ctx context.Context, auctionID, userID uuid.UUID) error {
	auction, err := s.auctionRepo.GetByID(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.IsTerminal() {
		return ErrAuctionClosed
	}
	return s.watcherRepo.Watch(ctx, auctionID, userID)
}

// CancelAuction performs the active -> cancelled transition. Only the seller
// may cancel, only while the auction is active. Existing bids are voided; no
// refunds are needed since bids never hold funds before settlement.
func (s *Service) CancelAuction(ctx context.Context, auctionID, sellerID uuid.UUID) error {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	auction, err := s.auctionRepo.GetByIDForUpdate(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	if auction.SellerID != sellerID {
		return ErrNotSeller
	}
	if auction.Status != StatusActive {
		return ErrCannotCancel
	}

	if winning, err := s.bidRepo.GetWinning(ctx, tx, auctionID); err != nil {
		return err
	} else if winning != nil {
		if err := s.bidRepo.SetWinning(ctx, tx, winning.ID, false); err != nil {
			return err
		}
	}

	if err := s.auctionRepo.MarkCancelled(ctx, tx, auctionID); err != nil {
		return err
	}

	now := s.clock.Now()
	event, err := NewOutboxEvent(EventTypeAuctionEnded, AuctionClosedEvent{
		AuctionID:  auctionID,
		SellerID:   auction.SellerID,
		ReserveMet: false,
		OccurredAt: now,
	}, now)
	if err != nil {
		return err
	}
	if err := s.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.cache.Invalidate(ctx, auctionID)
	return nil
}
