package settlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

func bid(bidder uuid.UUID, amount int64, seq int) *auctions.Bid {
	return &auctions.Bid{
		ID:       uuid.New(),
		BidderID: bidder,
		Amount:   amount,
		Sequence: seq,
	}
}

func TestHighestPerBidder(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	t.Run("keeps only the first ranked bid per bidder", func(t *testing.T) {
		ranked := []*auctions.Bid{
			bid(alice, 100, 5),
			bid(bob, 90, 4),
			bid(alice, 80, 3),
			bid(carol, 70, 2),
			bid(bob, 60, 1),
		}

		out := highestPerBidder(ranked, nil)

		require.Len(t, out, 3)
		assert.Equal(t, alice, out[0].BidderID)
		assert.Equal(t, int64(100), out[0].Amount)
		assert.Equal(t, bob, out[1].BidderID)
		assert.Equal(t, int64(90), out[1].Amount)
		assert.Equal(t, carol, out[2].BidderID)
	})

	t.Run("winning bid leads even when ranked order ties", func(t *testing.T) {
		// After an auto-bid war that ended at a shared ceiling, both sides
		// hold a bid at the same amount; the winner is whoever holds the
		// winning flag, not whoever ranks first.
		losing := bid(bob, 100, 7)
		winning := bid(alice, 100, 8)
		ranked := []*auctions.Bid{losing, winning, bid(bob, 95, 6)}

		out := highestPerBidder(ranked, winning)

		require.Len(t, out, 2)
		assert.Equal(t, winning.ID, out[0].ID)
		assert.Equal(t, bob, out[1].BidderID)
		assert.Equal(t, int64(100), out[1].Amount)
	})

	t.Run("empty ledger", func(t *testing.T) {
		assert.Empty(t, highestPerBidder(nil, nil))
	})
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	id := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")

	got := newOrderNumber(now, id)

	assert.Equal(t, "ORD-20260315-A1B2C3D4", got)
}

func TestIdempotencyKeys(t *testing.T) {
	auctionID := uuid.New()

	t.Run("buy-now key is stable per auction", func(t *testing.T) {
		assert.Equal(t, buyNowKey(auctionID), buyNowKey(auctionID))
	})

	t.Run("settle keys differ per attempt", func(t *testing.T) {
		assert.NotEqual(t, settleKey(auctionID, 1), settleKey(auctionID, 2))
	})

	t.Run("debit and credit keys never collide", func(t *testing.T) {
		keys := map[string]bool{
			buyNowKey(auctionID):    true,
			proceedsKey(auctionID):  true,
			settleKey(auctionID, 1): true,
			settleKey(auctionID, 2): true,
		}
		assert.Len(t, keys, 4)
	})
}
