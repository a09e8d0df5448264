package settlement

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

// Sweeper periodically settles active auctions past their end time and
// publishes scheduled drafts whose start time has arrived. Settlement is
// idempotent, so multiple sweepers may run concurrently.
type Sweeper struct {
	engine      *Engine
	auctionRepo auctions.AuctionRepository
	clock       auctions.Clock
	interval    time.Duration
	batchSize   int
	workers     int
	logger      *slog.Logger
}

// NewSweeper creates a settlement sweeper. workers bounds how many auctions
// settle concurrently per tick.
func NewSweeper(
	engine *Engine,
	auctionRepo auctions.AuctionRepository,
	clock auctions.Clock,
	interval time.Duration,
	batchSize int,
	workers int,
	logger *slog.Logger,
) *Sweeper {
	if workers <= 0 {
		workers = 1
	}
	return &Sweeper{
		engine:      engine,
		auctionRepo: auctionRepo,
		clock:       clock,
		interval:    interval,
		batchSize:   batchSize,
		workers:     workers,
		logger:      logger,
	}
}

// Run starts the sweep loop and blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial run
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now()

	activated, err := s.engine.ActivateScheduled(ctx)
	if err != nil {
		s.logger.Error("Failed to activate scheduled auctions", "error", err)
	} else if activated > 0 {
		s.logger.Info("Activated scheduled auctions", "count", activated)
	}

	due, err := s.auctionRepo.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list due auctions", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("Settling due auctions", "count", len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range due {
		g.Go(func() error {
			if err := s.engine.SettleOnExpiry(gctx, id); err != nil {
				// Settlement errors are per-auction; log and keep sweeping.
				s.logger.Error("Failed to settle auction", "auction_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
