package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/pkg/database"
)

// Service turns broker events into per-user notifications. Every Process*
// method is idempotent: the event ID is recorded in the same transaction as
// the notifications it produced, so a redelivered message is a no-op.
type Service struct {
	repo      Repository
	watchers  WatcherDirectory
	txManager database.TransactionManager
}

func NewService(repo Repository, watchers WatcherDirectory, txManager database.TransactionManager) *Service {
	return &Service{
		repo:      repo,
		watchers:  watchers,
		txManager: txManager,
	}
}

// ProcessBidOutbid notifies the displaced bidder.
func (s *Service) ProcessBidOutbid(ctx context.Context, eventID uuid.UUID, event auctions.BidOutbidEvent) error {
	body := fmt.Sprintf("You have been outbid. The price is now %d.", event.CurrentPrice)
	return s.deliver(ctx, eventID, func(ctx context.Context, tx pgx.Tx, now time.Time) error {
		return s.insert(ctx, tx, event.BidderID, event.AuctionID, KindOutbid, body, now)
	})
}

// ProcessAuctionStarted notifies watchers that a scheduled auction went live.
func (s *Service) ProcessAuctionStarted(ctx context.Context, eventID uuid.UUID, event auctions.AuctionStartedEvent) error {
	watcherIDs, err := s.watchers.ListUserIDs(ctx, event.AuctionID)
	if err != nil {
		return fmt.Errorf("failed to list watchers: %w", err)
	}
	body := fmt.Sprintf("The auction is live. Bidding closes %s.", event.EndTime.Format(time.RFC3339))
	return s.deliver(ctx, eventID, func(ctx context.Context, tx pgx.Tx, now time.Time) error {
		for _, userID := range watcherIDs {
			if err := s.insert(ctx, tx, userID, event.AuctionID, KindAuctionStarted, body, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessAuctionExtended notifies everyone watching the auction.
func (s *Service) ProcessAuctionExtended(ctx context.Context, eventID uuid.UUID, event auctions.AuctionExtendedEvent) error {
	watcherIDs, err := s.watchers.ListUserIDs(ctx, event.AuctionID)
	if err != nil {
		return fmt.Errorf("failed to list watchers: %w", err)
	}
	body := fmt.Sprintf("Bidding extended until %s.", event.NewEndTime.Format(time.RFC3339))
	return s.deliver(ctx, eventID, func(ctx context.Context, tx pgx.Tx, now time.Time) error {
		for _, userID := range watcherIDs {
			if err := s.insert(ctx, tx, userID, event.AuctionID, KindAuctionExtended, body, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessAuctionClosed notifies the winner (if any), the seller, and the
// watchers about a terminal transition.
func (s *Service) ProcessAuctionClosed(ctx context.Context, eventID uuid.UUID, eventType string, event auctions.AuctionClosedEvent) error {
	watcherIDs, err := s.watchers.ListUserIDs(ctx, event.AuctionID)
	if err != nil {
		return fmt.Errorf("failed to list watchers: %w", err)
	}

	kind := KindAuctionEnded
	body := "The auction has ended without a sale."
	switch eventType {
	case auctions.EventTypeAuctionSold:
		kind = KindAuctionSold
		body = fmt.Sprintf("The item sold for %d.", event.Amount)
	case auctions.EventTypeAuctionWon:
		kind = KindAuctionSold
		body = fmt.Sprintf("The auction closed at %d.", event.Amount)
	}

	return s.deliver(ctx, eventID, func(ctx context.Context, tx pgx.Tx, now time.Time) error {
		notified := map[uuid.UUID]bool{}

		if event.WinnerID != nil {
			winBody := fmt.Sprintf("You won the auction at %d. Order %s has been created.", event.Amount, event.OrderNumber)
			if err := s.insert(ctx, tx, *event.WinnerID, event.AuctionID, KindAuctionWon, winBody, now); err != nil {
				return err
			}
			notified[*event.WinnerID] = true
		}

		if err := s.insert(ctx, tx, event.SellerID, event.AuctionID, kind, body, now); err != nil {
			return err
		}
		notified[event.SellerID] = true

		for _, userID := range watcherIDs {
			if notified[userID] {
				continue
			}
			if err := s.insert(ctx, tx, userID, event.AuctionID, kind, body, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListForUser returns the most recent notifications for a user.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *Service) deliver(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx, now time.Time) error) error {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	processed, err := s.repo.IsEventProcessed(ctx, tx, eventID)
	if err != nil {
		return fmt.Errorf("failed to check idempotency: %w", err)
	}
	if processed {
		return nil
	}

	if err := fn(ctx, tx, time.Now().UTC()); err != nil {
		return err
	}

	if err := s.repo.MarkEventProcessed(ctx, tx, eventID); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, tx pgx.Tx, userID, auctionID uuid.UUID, kind Kind, body string, now time.Time) error {
	return s.repo.Insert(ctx, tx, &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		AuctionID: auctionID,
		Kind:      kind,
		Body:      body,
		CreatedAt: now,
	})
}
