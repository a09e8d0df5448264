package auctions

import "fmt"

// Domain failure kinds. These are returned as typed results to the caller and
// mapped to transport codes at the API layer; they must never be retried
// blindly since the same stale input will fail identically.
var (
	ErrNotFound           = fmt.Errorf("auction not found")
	ErrAuctionClosed      = fmt.Errorf("auction is not open for bidding or purchase")
	ErrAlreadySold        = fmt.Errorf("auction has already been sold")
	ErrBidTooLow          = fmt.Errorf("bid amount must be at least current price plus minimum increment")
	ErrAlreadyWinning     = fmt.Errorf("bidder already holds the winning bid")
	ErrBidLimitExceeded   = fmt.Errorf("bidder has reached the bid limit for this auction")
	ErrPriceChanged       = fmt.Errorf("price has changed since it was read")
	ErrInsufficientFunds  = fmt.Errorf("wallet balance is insufficient")
	ErrReserveNotMet      = fmt.Errorf("reserve price was not met")
	ErrBuyNowUnavailable  = fmt.Errorf("auction has no buy-now price")
	ErrInvariantViolation = fmt.Errorf("auction state violates an invariant; flagged for manual reconciliation")

	ErrInvalidAmount   = fmt.Errorf("amount must be positive")
	ErrSellerCannotBid = fmt.Errorf("seller cannot bid on their own auction")
	ErrNotSeller       = fmt.Errorf("only the seller can perform this action")
)
