package auctions

import (
	"time"

	"github.com/google/uuid"
)

// AuctionType determines which settlement path applies to an auction.
type AuctionType string

const (
	TypeTimeBased AuctionType = "time_based"
	TypeBuyNow    AuctionType = "buy_now"
	TypeDutch     AuctionType = "dutch"
	TypeSealed    AuctionType = "sealed"
)

// AuctionStatus is the lifecycle state of an auction.
// Transitions are monotonic: draft -> active -> {ended, cancelled, sold}.
type AuctionStatus string

const (
	StatusDraft     AuctionStatus = "draft"
	StatusActive    AuctionStatus = "active"
	StatusEnded     AuctionStatus = "ended"
	StatusCancelled AuctionStatus = "cancelled"
	StatusSold      AuctionStatus = "sold"
)

// Auction is the authoritative record of an auction and its pricing parameters.
// CurrentPrice, Status, WinnerID and WinningBidID are only ever mutated by the
// bidding and settlement engines, always under a row lock.
type Auction struct {
	ID         uuid.UUID     `db:"id"`
	SellerID   uuid.UUID     `db:"seller_id"`
	Title      string        `db:"title"`
	ProductRef string        `db:"product_ref"`
	Type       AuctionType   `db:"auction_type"`
	Status     AuctionStatus `db:"status"`

	StartingPrice   int64  `db:"starting_price"`
	CurrentPrice    int64  `db:"current_price"`
	ReservePrice    *int64 `db:"reserve_price"`
	BuyNowPrice     *int64 `db:"buy_now_price"`
	MinBidIncrement int64  `db:"min_bid_increment"`

	// Dutch decay schedule; zero values for non-Dutch auctions.
	DutchStartPrice        int64         `db:"dutch_start_price"`
	DutchEndPrice          int64         `db:"dutch_end_price"`
	DutchDecrementAmount   int64         `db:"dutch_decrement_amount"`
	DutchDecrementInterval time.Duration `db:"dutch_decrement_interval"`

	StartTime        time.Time     `db:"start_time"`
	EndTime          time.Time     `db:"end_time"`
	AutoExtendWindow time.Duration `db:"auto_extend_window"`
	ExtensionCount   int           `db:"extension_count"`

	WinnerID     *uuid.UUID `db:"winner_id"`
	WinningBidID *uuid.UUID `db:"winning_bid_id"`

	// Advisory counters, not used for correctness.
	ViewCount int64 `db:"view_count"`
	BidCount  int   `db:"bid_count"`

	MaxBidsPerUser *int       `db:"max_bids_per_user"`
	FlaggedAt      *time.Time `db:"flagged_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsTerminal reports whether the auction is in a terminal state.
func (a *Auction) IsTerminal() bool {
	switch a.Status {
	case StatusEnded, StatusCancelled, StatusSold:
		return true
	}
	return false
}

// AcceptsBids reports whether incremental bids are valid for this auction type.
// buy_now and dutch auctions are purchase-only.
func (a *Auction) AcceptsBids() bool {
	return a.Type == TypeTimeBased || a.Type == TypeSealed
}

// InBiddingWindow reports whether now falls inside [StartTime, EndTime).
func (a *Auction) InBiddingWindow(now time.Time) bool {
	return !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// PriceAt returns the effective price of the auction at the given instant.
// For Dutch auctions the decayed price is computed lazily; no background job
// keeps CurrentPrice up to date.
func (a *Auction) PriceAt(now time.Time) int64 {
	if a.Type != TypeDutch {
		return a.CurrentPrice
	}
	return dutchPriceAt(a.DutchStartPrice, a.DutchEndPrice, a.DutchDecrementAmount, a.DutchDecrementInterval, a.StartTime, now)
}

// PurchasePriceAt returns the price an immediate purchase would settle at,
// or nil if the auction has no buy-now path.
func (a *Auction) PurchasePriceAt(now time.Time) *int64 {
	if a.Type == TypeDutch {
		p := a.PriceAt(now)
		return &p
	}
	return a.BuyNowPrice
}

// ReserveMet reports whether amount satisfies the reserve price, if one is set.
func (a *Auction) ReserveMet(amount int64) bool {
	return a.ReservePrice == nil || amount >= *a.ReservePrice
}

// dutchPriceAt computes the decayed price:
// max(end, start - floor(elapsed/interval) * decrement), clamped to the start
// price before the auction opens.
func dutchPriceAt(start, end, decrement int64, interval time.Duration, startTime, now time.Time) int64 {
	if interval <= 0 || decrement <= 0 || now.Before(startTime) {
		return start
	}
	elapsed := now.Sub(startTime)
	steps := int64(elapsed / interval)
	price := start - steps*decrement
	if price < end {
		return end
	}
	return price
}

// Bid is an append-only entry in the bid ledger. Bids are never mutated or
// deleted once persisted; IsWinning is the only field a later event may flip.
type Bid struct {
	ID         uuid.UUID  `db:"id"`
	AuctionID  uuid.UUID  `db:"auction_id"`
	BidderID   uuid.UUID  `db:"bidder_id"`
	Amount     int64      `db:"amount"`
	MaxAutoBid *int64     `db:"max_auto_bid"`
	Sequence   int        `db:"sequence"`
	IsSealed   bool       `db:"is_sealed"`
	IsWinning  bool       `db:"is_winning"`
	IsAutoBid  bool       `db:"is_auto_bid"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Order is the durable record produced by exactly one successful settlement.
type Order struct {
	ID          uuid.UUID `db:"id"`
	OrderNumber string    `db:"order_number"`
	AuctionID   uuid.UUID `db:"auction_id"`
	BuyerID     uuid.UUID `db:"buyer_id"`
	SellerID    uuid.UUID `db:"seller_id"`
	ProductRef  string    `db:"product_ref"`
	Amount      int64     `db:"amount"`
	CreatedAt   time.Time `db:"created_at"`
}

// Watcher is a (auction, user) subscription used only to route
// ended/starting-soon notifications.
type Watcher struct {
	AuctionID uuid.UUID `db:"auction_id"`
	UserID    uuid.UUID `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Clock supplies wall time for deadline comparisons. Injected so lifecycle
// logic is testable with a fixed time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
