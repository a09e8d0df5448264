package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapters "github.com/gavelworks/auctiond/internal/adapters/database"
	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/settlement"
	"github.com/gavelworks/auctiond/internal/testhelpers"
	pkgdb "github.com/gavelworks/auctiond/pkg/database"
	"github.com/gavelworks/auctiond/pkg/events"
)

type noopCache struct{}

func (noopCache) Get(ctx context.Context, id uuid.UUID) (*auctions.Auction, bool) { return nil, false }
func (noopCache) Set(ctx context.Context, auction *auctions.Auction)              {}
func (noopCache) Invalidate(ctx context.Context, id uuid.UUID)                    {}

type testEnv struct {
	pool        *pgxpool.Pool
	engine      *settlement.Engine
	auctionRepo *adapters.PostgresAuctionRepository
	bidRepo     *adapters.PostgresBidRepository
	orderRepo   *adapters.PostgresOrderRepository
	outboxRepo  *adapters.PostgresOutboxRepository
	txManager   pkgdb.TransactionManager
}

func setupEngine(pool *pgxpool.Pool) *testEnv {
	txManager := pkgdb.NewPostgresTransactionManager(pool, 5*time.Second)
	auctionRepo := adapters.NewPostgresAuctionRepository(pool)
	bidRepo := adapters.NewPostgresBidRepository(pool)
	orderRepo := adapters.NewPostgresOrderRepository(pool)
	walletLedger := adapters.NewPostgresWalletLedger(pool)
	outboxRepo := adapters.NewPostgresOutboxRepository(pool)

	engine := settlement.NewEngine(txManager, auctionRepo, bidRepo, orderRepo, walletLedger, outboxRepo, noopCache{}, auctions.SystemClock{})
	return &testEnv{
		pool:        pool,
		engine:      engine,
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		orderRepo:   orderRepo,
		outboxRepo:  outboxRepo,
		txManager:   txManager,
	}
}

func pendingEvents(t *testing.T, env *testEnv) []*events.OutboxEvent {
	t.Helper()
	ctx := context.Background()

	tx, err := env.txManager.BeginTx(ctx)
	require.NoError(t, err)
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	pending, err := env.outboxRepo.GetPendingEvents(ctx, tx, 100)
	require.NoError(t, err)
	return pending
}

func seedAuction(t *testing.T, env *testEnv, mutate func(*auctions.Auction)) *auctions.Auction {
	t.Helper()

	now := time.Now()
	a := &auctions.Auction{
		ID:              uuid.New(),
		SellerID:        uuid.New(),
		Title:           "Vintage Guitar",
		ProductRef:      "guitar-1960",
		Type:            auctions.TypeTimeBased,
		Status:          auctions.StatusActive,
		StartingPrice:   5000,
		CurrentPrice:    5000,
		MinBidIncrement: 500,
		StartTime:       now.Add(-time.Hour),
		EndTime:         now.Add(24 * time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, env.auctionRepo.Create(context.Background(), a))
	return a
}

func seedWallet(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID, balance int64) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO wallet_accounts (user_id, balance) VALUES ($1, $2)`, userID, balance)
	require.NoError(t, err)
}

func walletBalance(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID) int64 {
	t.Helper()
	var balance int64
	err := pool.QueryRow(context.Background(),
		`SELECT balance FROM wallet_accounts WHERE user_id = $1`, userID).Scan(&balance)
	require.NoError(t, err)
	return balance
}

// seedBid appends a bid to the ledger, optionally flagged winning, and keeps
// the auction's current price and bid count in step.
func seedBid(t *testing.T, env *testEnv, auction *auctions.Auction, bidderID uuid.UUID, amount int64, seq int, winning bool) *auctions.Bid {
	t.Helper()
	ctx := context.Background()

	tx, err := env.txManager.BeginTx(ctx)
	require.NoError(t, err)
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	bid := &auctions.Bid{
		ID:        uuid.New(),
		AuctionID: auction.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Sequence:  seq,
		IsWinning: winning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.bidRepo.Insert(ctx, tx, bid))

	price := auction.CurrentPrice
	if winning {
		price = amount
	}
	require.NoError(t, env.auctionRepo.UpdateForBid(ctx, tx, auction.ID, price, seq, auction.EndTime, auction.ExtensionCount))
	require.NoError(t, tx.Commit(ctx))

	auction.CurrentPrice = price
	auction.BidCount = seq
	return bid
}

func TestEngine_BuyNow_Success(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	price := int64(9900)
	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.Type = auctions.TypeBuyNow
		a.StartingPrice = price
		a.CurrentPrice = price
		a.BuyNowPrice = &price
	})

	buyerID := uuid.New()
	seedWallet(t, testDB.Pool, buyerID, 20000)

	result, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
		AuctionID:     auction.ID,
		BuyerID:       buyerID,
		ExpectedPrice: price,
	})
	require.NoError(t, err)
	assert.Equal(t, price, result.Amount)
	assert.NotEmpty(t, result.OrderNumber)

	// Auction is sold with the buyer as winner.
	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusSold, updated.Status)
	require.NotNil(t, updated.WinnerID)
	assert.Equal(t, buyerID, *updated.WinnerID)

	// Funds moved: buyer debited, seller credited.
	assert.Equal(t, int64(20000-9900), walletBalance(t, testDB.Pool, buyerID))
	assert.Equal(t, price, walletBalance(t, testDB.Pool, auction.SellerID))

	// The order exists and matches.
	order, err := env.orderRepo.GetByAuctionID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, buyerID, order.BuyerID)
	assert.Equal(t, price, order.Amount)
}

func TestEngine_BuyNow_Rejections(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()
	price := int64(9900)

	t.Run("price changed", func(t *testing.T) {
		auction := seedAuction(t, env, func(a *auctions.Auction) {
			a.Type = auctions.TypeBuyNow
			a.BuyNowPrice = &price
		})
		buyerID := uuid.New()
		seedWallet(t, testDB.Pool, buyerID, 20000)

		_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
			AuctionID: auction.ID, BuyerID: buyerID, ExpectedPrice: price - 100,
		})
		assert.ErrorIs(t, err, auctions.ErrPriceChanged)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		auction := seedAuction(t, env, func(a *auctions.Auction) {
			a.Type = auctions.TypeBuyNow
			a.BuyNowPrice = &price
		})
		buyerID := uuid.New()
		seedWallet(t, testDB.Pool, buyerID, 100)

		_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
			AuctionID: auction.ID, BuyerID: buyerID, ExpectedPrice: price,
		})
		assert.ErrorIs(t, err, auctions.ErrInsufficientFunds)

		// Nothing committed: auction still active, balance untouched.
		updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
		require.NoError(t, err)
		assert.Equal(t, auctions.StatusActive, updated.Status)
		assert.Equal(t, int64(100), walletBalance(t, testDB.Pool, buyerID))
	})

	t.Run("no buy-now path", func(t *testing.T) {
		auction := seedAuction(t, env, nil) // plain time_based
		buyerID := uuid.New()
		seedWallet(t, testDB.Pool, buyerID, 20000)

		_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
			AuctionID: auction.ID, BuyerID: buyerID, ExpectedPrice: 5000,
		})
		assert.ErrorIs(t, err, auctions.ErrBuyNowUnavailable)
	})

	t.Run("seller cannot buy own auction", func(t *testing.T) {
		auction := seedAuction(t, env, func(a *auctions.Auction) {
			a.Type = auctions.TypeBuyNow
			a.BuyNowPrice = &price
		})

		_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
			AuctionID: auction.ID, BuyerID: auction.SellerID, ExpectedPrice: price,
		})
		assert.ErrorIs(t, err, auctions.ErrSellerCannotBid)
	})
}

// Dutch purchases settle at the decayed price of the moment, not the start
// price.
func TestEngine_BuyNow_DutchDecayedPrice(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	// Started 2.5 intervals ago: price is 10000 - 2*1000 = 8000.
	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.Type = auctions.TypeDutch
		a.StartingPrice = 10000
		a.CurrentPrice = 10000
		a.DutchStartPrice = 10000
		a.DutchEndPrice = 2000
		a.DutchDecrementAmount = 1000
		a.DutchDecrementInterval = time.Minute
		a.StartTime = time.Now().Add(-150 * time.Second)
	})

	buyerID := uuid.New()
	seedWallet(t, testDB.Pool, buyerID, 20000)

	// Stale expectation from before the last decrement step.
	_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
		AuctionID: auction.ID, BuyerID: buyerID, ExpectedPrice: 9000,
	})
	assert.ErrorIs(t, err, auctions.ErrPriceChanged)

	result, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
		AuctionID: auction.ID, BuyerID: buyerID, ExpectedPrice: 8000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8000), result.Amount)
}

// Two concurrent purchases of one auction: the row lock serializes them and
// exactly one succeeds with exactly one order.
func TestEngine_BuyNow_ConcurrentPurchases_ExactlyOneOrder(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	price := int64(9900)
	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.Type = auctions.TypeBuyNow
		a.BuyNowPrice = &price
	})

	numBuyers := 8
	buyers := make([]uuid.UUID, numBuyers)
	for i := range buyers {
		buyers[i] = uuid.New()
		seedWallet(t, testDB.Pool, buyers[i], 20000)
	}

	var wg sync.WaitGroup
	results := make(chan error, numBuyers)
	for _, buyerID := range buyers {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := env.engine.BuyNow(ctx, settlement.BuyNowCommand{
				AuctionID: auction.ID, BuyerID: id, ExpectedPrice: price,
			})
			results <- err
		}(buyerID)
	}
	wg.Wait()
	close(results)

	var successCount, soldCount int
	for err := range results {
		switch {
		case err == nil:
			successCount++
		default:
			assert.ErrorIs(t, err, auctions.ErrAlreadySold)
			soldCount++
		}
	}
	assert.Equal(t, 1, successCount, "exactly one purchase must win")
	assert.Equal(t, numBuyers-1, soldCount)

	// Exactly one order row exists.
	var orderCount int
	err := testDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE auction_id = $1`, auction.ID).Scan(&orderCount)
	require.NoError(t, err)
	assert.Equal(t, 1, orderCount)

	// Only the winner was charged.
	var debited int
	for _, id := range buyers {
		if walletBalance(t, testDB.Pool, id) != 20000 {
			debited++
		}
	}
	assert.Equal(t, 1, debited)
}

func TestEngine_SettleOnExpiry_WinnerFunded(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.EndTime = time.Now().Add(-time.Minute)
	})
	winnerID := uuid.New()
	seedWallet(t, testDB.Pool, winnerID, 10000)
	seedBid(t, env, auction, winnerID, 6000, 1, true)

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusEnded, updated.Status)
	require.NotNil(t, updated.WinnerID)
	assert.Equal(t, winnerID, *updated.WinnerID)

	assert.Equal(t, int64(4000), walletBalance(t, testDB.Pool, winnerID))
	assert.Equal(t, int64(6000), walletBalance(t, testDB.Pool, auction.SellerID))

	order, err := env.orderRepo.GetByAuctionID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, winnerID, order.BuyerID)
	assert.Equal(t, int64(6000), order.Amount)
}

// Running the sweep twice over the same auction must not double-charge or
// create a second order.
func TestEngine_SettleOnExpiry_Idempotent(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.EndTime = time.Now().Add(-time.Minute)
	})
	winnerID := uuid.New()
	seedWallet(t, testDB.Pool, winnerID, 10000)
	seedBid(t, env, auction, winnerID, 6000, 1, true)

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))
	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	assert.Equal(t, int64(4000), walletBalance(t, testDB.Pool, winnerID))

	var orderCount int
	err := testDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE auction_id = $1`, auction.ID).Scan(&orderCount)
	require.NoError(t, err)
	assert.Equal(t, 1, orderCount)
}

func TestEngine_SettleOnExpiry_ReserveNotMet(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	reserve := int64(10000)
	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.EndTime = time.Now().Add(-time.Minute)
		a.ReservePrice = &reserve
	})
	bidderID := uuid.New()
	seedWallet(t, testDB.Pool, bidderID, 50000)
	seedBid(t, env, auction, bidderID, 8000, 1, true)

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	// Ended without a winner, no funds moved, no order.
	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusEnded, updated.Status)
	assert.Nil(t, updated.WinnerID)
	assert.Equal(t, int64(50000), walletBalance(t, testDB.Pool, bidderID))

	_, err = env.orderRepo.GetByAuctionID(ctx, auction.ID)
	assert.Error(t, err)
}

// The leading bidder cannot fund the debit: settlement falls through to the
// next-highest distinct bidder.
func TestEngine_SettleOnExpiry_InsufficientFundsFallback(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.EndTime = time.Now().Add(-time.Minute)
	})

	brokeID := uuid.New()
	fundedID := uuid.New()
	seedWallet(t, testDB.Pool, brokeID, 100)
	seedWallet(t, testDB.Pool, fundedID, 10000)

	seedBid(t, env, auction, fundedID, 6000, 1, false)
	seedBid(t, env, auction, brokeID, 7000, 2, true)

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusEnded, updated.Status)
	require.NotNil(t, updated.WinnerID)
	assert.Equal(t, fundedID, *updated.WinnerID)

	// The fallback winner pays their own bid amount, not the leader's.
	assert.Equal(t, int64(4000), walletBalance(t, testDB.Pool, fundedID))
	assert.Equal(t, int64(100), walletBalance(t, testDB.Pool, brokeID))
	assert.Equal(t, int64(6000), walletBalance(t, testDB.Pool, auction.SellerID))

	order, err := env.orderRepo.GetByAuctionID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, fundedID, order.BuyerID)
}

// Sealed auctions reveal at expiry: the highest sealed amount wins and the
// auction sells.
func TestEngine_SettleOnExpiry_SealedReveal(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.Type = auctions.TypeSealed
		a.EndTime = time.Now().Add(-time.Minute)
	})

	low := uuid.New()
	high := uuid.New()
	seedWallet(t, testDB.Pool, low, 50000)
	seedWallet(t, testDB.Pool, high, 50000)

	seedBid(t, env, auction, low, 7000, 1, false)
	seedBid(t, env, auction, high, 9000, 2, false)

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusSold, updated.Status)
	require.NotNil(t, updated.WinnerID)
	assert.Equal(t, high, *updated.WinnerID)
	assert.Equal(t, int64(9000), updated.CurrentPrice)

	assert.Equal(t, int64(41000), walletBalance(t, testDB.Pool, high))
	assert.Equal(t, int64(50000), walletBalance(t, testDB.Pool, low))
}

func TestEngine_SettleOnExpiry_ExpiredDutchEndsUnsold(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, func(a *auctions.Auction) {
		a.Type = auctions.TypeDutch
		a.DutchStartPrice = 10000
		a.DutchEndPrice = 2000
		a.DutchDecrementAmount = 1000
		a.DutchDecrementInterval = time.Minute
		a.StartTime = time.Now().Add(-2 * time.Hour)
		a.EndTime = time.Now().Add(-time.Minute)
	})

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusEnded, updated.Status)
	assert.Nil(t, updated.WinnerID)
}

// Scheduled drafts whose start time has arrived go live and each activation is
// announced through the outbox.
func TestEngine_ActivateScheduled(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	due := seedAuction(t, env, func(a *auctions.Auction) {
		a.Status = auctions.StatusDraft
		a.StartTime = time.Now().Add(-time.Minute)
	})
	future := seedAuction(t, env, func(a *auctions.Auction) {
		a.Status = auctions.StatusDraft
		a.StartTime = time.Now().Add(time.Hour)
		a.EndTime = time.Now().Add(48 * time.Hour)
	})

	activated, err := env.engine.ActivateScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, activated)

	updated, err := env.auctionRepo.GetByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusActive, updated.Status)

	untouched, err := env.auctionRepo.GetByID(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusDraft, untouched.Status)

	types := map[string]int{}
	for _, e := range pendingEvents(t, env) {
		types[e.EventType]++
	}
	assert.Equal(t, 1, types[auctions.EventTypeAuctionStarted])

	// A second pass finds nothing left to activate.
	activated, err = env.engine.ActivateScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, activated)
}

func TestEngine_SettleOnExpiry_NotYetDueIsNoOp(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupEngine(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env, nil) // ends tomorrow

	require.NoError(t, env.engine.SettleOnExpiry(ctx, auction.ID))

	updated, err := env.auctionRepo.GetByID(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusActive, updated.Status)
}
