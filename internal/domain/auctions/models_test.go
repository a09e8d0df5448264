package auctions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func newDutchAuction(start time.Time) *Auction {
	return &Auction{
		Type:                   TypeDutch,
		Status:                 StatusActive,
		DutchStartPrice:        100,
		DutchEndPrice:          20,
		DutchDecrementAmount:   10,
		DutchDecrementInterval: 60 * time.Second,
		StartTime:              start,
		EndTime:                start.Add(24 * time.Hour),
	}
}

func TestPriceAt_DutchDecay(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newDutchAuction(start)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"at start", 0, 100},
		{"just before first step", 59 * time.Second, 100},
		{"first step boundary", 60 * time.Second, 90},
		{"one second past first step", 61 * time.Second, 90},
		{"fourth step", 4 * time.Minute, 60},
		{"exactly at floor", 8 * time.Minute, 20},
		{"well past floor", 3 * time.Hour, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.PriceAt(start.Add(tt.elapsed)))
		})
	}
}

func TestPriceAt_DutchBeforeStartClampsToStartPrice(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newDutchAuction(start)

	assert.Equal(t, int64(100), a.PriceAt(start.Add(-time.Hour)))
}

func TestPriceAt_NonDutchReturnsCurrentPrice(t *testing.T) {
	a := &Auction{Type: TypeTimeBased, CurrentPrice: 550}

	assert.Equal(t, int64(550), a.PriceAt(time.Now()))
}

func TestPurchasePriceAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("dutch returns decayed price", func(t *testing.T) {
		a := newDutchAuction(start)
		price := a.PurchasePriceAt(start.Add(2 * time.Minute))
		require.NotNil(t, price)
		assert.Equal(t, int64(80), *price)
	})

	t.Run("buy_now returns fixed price", func(t *testing.T) {
		a := &Auction{Type: TypeBuyNow, BuyNowPrice: ptr(5000)}
		price := a.PurchasePriceAt(start)
		require.NotNil(t, price)
		assert.Equal(t, int64(5000), *price)
	})

	t.Run("time_based without buy-now has no purchase path", func(t *testing.T) {
		a := &Auction{Type: TypeTimeBased}
		assert.Nil(t, a.PurchasePriceAt(start))
	})
}

func TestIsTerminal(t *testing.T) {
	for status, want := range map[AuctionStatus]bool{
		StatusDraft:     false,
		StatusActive:    false,
		StatusEnded:     true,
		StatusCancelled: true,
		StatusSold:      true,
	} {
		a := &Auction{Status: status}
		assert.Equal(t, want, a.IsTerminal(), "status %s", status)
	}
}

func TestAcceptsBids(t *testing.T) {
	for typ, want := range map[AuctionType]bool{
		TypeTimeBased: true,
		TypeSealed:    true,
		TypeBuyNow:    false,
		TypeDutch:     false,
	} {
		a := &Auction{Type: typ}
		assert.Equal(t, want, a.AcceptsBids(), "type %s", typ)
	}
}

func TestInBiddingWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	a := &Auction{StartTime: start, EndTime: end}

	assert.False(t, a.InBiddingWindow(start.Add(-time.Second)))
	assert.True(t, a.InBiddingWindow(start))
	assert.True(t, a.InBiddingWindow(end.Add(-time.Second)))
	assert.False(t, a.InBiddingWindow(end), "end time is exclusive")
}

func TestReserveMet(t *testing.T) {
	t.Run("no reserve always met", func(t *testing.T) {
		a := &Auction{}
		assert.True(t, a.ReserveMet(1))
	})

	t.Run("reserve boundary", func(t *testing.T) {
		a := &Auction{ReservePrice: ptr(1000)}
		assert.False(t, a.ReserveMet(800))
		assert.False(t, a.ReserveMet(999))
		assert.True(t, a.ReserveMet(1000))
		assert.True(t, a.ReserveMet(1500))
	})
}
