package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapters "github.com/gavelworks/auctiond/internal/adapters/database"
	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/notifications"
	"github.com/gavelworks/auctiond/internal/testhelpers"
	pkgdb "github.com/gavelworks/auctiond/pkg/database"
)

type testEnv struct {
	pool        *pgxpool.Pool
	service     *notifications.Service
	repo        *adapters.PostgresNotificationRepository
	watcherRepo *adapters.PostgresWatcherRepository
	auctionRepo *adapters.PostgresAuctionRepository
}

func setupService(pool *pgxpool.Pool) *testEnv {
	txManager := pkgdb.NewPostgresTransactionManager(pool, 5*time.Second)
	repo := adapters.NewPostgresNotificationRepository(pool)
	watcherRepo := adapters.NewPostgresWatcherRepository(pool)
	return &testEnv{
		pool:        pool,
		service:     notifications.NewService(repo, watcherRepo, txManager),
		repo:        repo,
		watcherRepo: watcherRepo,
		auctionRepo: adapters.NewPostgresAuctionRepository(pool),
	}
}

func seedAuction(t *testing.T, env *testEnv) *auctions.Auction {
	t.Helper()

	now := time.Now()
	a := &auctions.Auction{
		ID:              uuid.New(),
		SellerID:        uuid.New(),
		Title:           "Antique Clock",
		ProductRef:      "clock-1890",
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
	require.NoError(t, env.auctionRepo.Create(context.Background(), a))
	return a
}

func TestService_ProcessBidOutbid(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	bidderID := uuid.New()
	eventID := uuid.New()
	event := auctions.BidOutbidEvent{
		AuctionID:    uuid.New(),
		BidderID:     bidderID,
		CurrentPrice: 6500,
		OccurredAt:   time.Now(),
	}

	require.NoError(t, env.service.ProcessBidOutbid(ctx, eventID, event))

	got, err := env.service.ListForUser(ctx, bidderID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, notifications.KindOutbid, got[0].Kind)
	assert.Contains(t, got[0].Body, "6500")

	// Redelivery of the same event is a no-op.
	require.NoError(t, env.service.ProcessBidOutbid(ctx, eventID, event))

	got, err = env.service.ListForUser(ctx, bidderID, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestService_ProcessAuctionStarted_FansOutToWatchers(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env)
	watcherID := uuid.New()
	require.NoError(t, env.watcherRepo.Watch(ctx, auction.ID, watcherID))

	eventID := uuid.New()
	event := auctions.AuctionStartedEvent{
		AuctionID:  auction.ID,
		SellerID:   auction.SellerID,
		EndTime:    auction.EndTime,
		OccurredAt: time.Now(),
	}
	require.NoError(t, env.service.ProcessAuctionStarted(ctx, eventID, event))

	got, err := env.service.ListForUser(ctx, watcherID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, notifications.KindAuctionStarted, got[0].Kind)

	// Redelivery is a no-op.
	require.NoError(t, env.service.ProcessAuctionStarted(ctx, eventID, event))

	got, err = env.service.ListForUser(ctx, watcherID, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestService_ProcessAuctionExtended_FansOutToWatchers(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env)
	watcherA := uuid.New()
	watcherB := uuid.New()
	require.NoError(t, env.watcherRepo.Watch(ctx, auction.ID, watcherA))
	require.NoError(t, env.watcherRepo.Watch(ctx, auction.ID, watcherB))

	newEnd := time.Now().Add(5 * time.Minute)
	err := env.service.ProcessAuctionExtended(ctx, uuid.New(), auctions.AuctionExtendedEvent{
		AuctionID:      auction.ID,
		NewEndTime:     newEnd,
		ExtensionCount: 1,
	})
	require.NoError(t, err)

	for _, userID := range []uuid.UUID{watcherA, watcherB} {
		got, err := env.service.ListForUser(ctx, userID, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, notifications.KindAuctionExtended, got[0].Kind)
	}
}

func TestService_ProcessAuctionClosed(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env)
	winnerID := uuid.New()
	watcherID := uuid.New()
	// The winner also watches the auction; they must not be notified twice.
	require.NoError(t, env.watcherRepo.Watch(ctx, auction.ID, winnerID))
	require.NoError(t, env.watcherRepo.Watch(ctx, auction.ID, watcherID))

	orderID := uuid.New()
	winningBidID := uuid.New()
	err := env.service.ProcessAuctionClosed(ctx, uuid.New(), auctions.EventTypeAuctionWon, auctions.AuctionClosedEvent{
		AuctionID:    auction.ID,
		SellerID:     auction.SellerID,
		WinnerID:     &winnerID,
		WinningBidID: &winningBidID,
		Amount:       7200,
		OrderID:      &orderID,
		OrderNumber:  "ORD-20260830-DEADBEEF",
		ReserveMet:   true,
		OccurredAt:   time.Now(),
	})
	require.NoError(t, err)

	// The winner gets exactly one notification: the win, with the order number.
	won, err := env.service.ListForUser(ctx, winnerID, 10)
	require.NoError(t, err)
	require.Len(t, won, 1)
	assert.Equal(t, notifications.KindAuctionWon, won[0].Kind)
	assert.Contains(t, won[0].Body, "ORD-20260830-DEADBEEF")

	sellerGot, err := env.service.ListForUser(ctx, auction.SellerID, 10)
	require.NoError(t, err)
	require.Len(t, sellerGot, 1)
	assert.Equal(t, notifications.KindAuctionSold, sellerGot[0].Kind)

	watcherGot, err := env.service.ListForUser(ctx, watcherID, 10)
	require.NoError(t, err)
	require.Len(t, watcherGot, 1)
	assert.Equal(t, notifications.KindAuctionSold, watcherGot[0].Kind)
}

func TestService_ProcessAuctionClosed_EndedWithoutSale(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	auction := seedAuction(t, env)

	err := env.service.ProcessAuctionClosed(ctx, uuid.New(), auctions.EventTypeAuctionEnded, auctions.AuctionClosedEvent{
		AuctionID:  auction.ID,
		SellerID:   auction.SellerID,
		Amount:     5000,
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	got, err := env.service.ListForUser(ctx, auction.SellerID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, notifications.KindAuctionEnded, got[0].Kind)
	assert.Contains(t, got[0].Body, "without a sale")
}

func TestService_ListForUser_ClampsLimit(t *testing.T) {
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	defer testDB.Close()

	env := setupService(testDB.Pool)
	ctx := context.Background()

	userID := uuid.New()
	for i := 0; i < 3; i++ {
		err := env.service.ProcessBidOutbid(ctx, uuid.New(), auctions.BidOutbidEvent{
			AuctionID:    uuid.New(),
			BidderID:     userID,
			CurrentPrice: int64(1000 + i),
			OccurredAt:   time.Now(),
		})
		require.NoError(t, err)
	}

	got, err := env.service.ListForUser(ctx, userID, -5)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
