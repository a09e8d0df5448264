package auctions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gavelworks/auctiond/pkg/events"
)

// Event types published through the outbox. The routing key on the broker is
// the event type itself.
const (
	EventTypeBidPlaced       = "bid.placed"
	EventTypeBidOutbid       = "bid.outbid"
	EventTypeAuctionStarted  = "auction.started"
	EventTypeAuctionExtended = "auction.extended"
	EventTypeAuctionSold     = "auction.sold"
	EventTypeAuctionWon      = "auction.won"
	EventTypeAuctionEnded    = "auction.ended"
	EventTypeAuctionFlagged  = "auction.flagged"
)

// BidPlacedEvent announces an admitted bid (human or auto).
type BidPlacedEvent struct {
	BidID        uuid.UUID `json:"bid_id"`
	AuctionID    uuid.UUID `json:"auction_id"`
	BidderID     uuid.UUID `json:"bidder_id"`
	Amount       int64     `json:"amount"`
	CurrentPrice int64     `json:"current_price"`
	IsAutoBid    bool      `json:"is_auto_bid"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// BidOutbidEvent tells a bidder their winning bid was displaced.
type BidOutbidEvent struct {
	AuctionID    uuid.UUID `json:"auction_id"`
	BidderID     uuid.UUID `json:"bidder_id"`
	CurrentPrice int64     `json:"current_price"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AuctionStartedEvent announces that a scheduled auction went live.
type AuctionStartedEvent struct {
	AuctionID  uuid.UUID `json:"auction_id"`
	SellerID   uuid.UUID `json:"seller_id"`
	EndTime    time.Time `json:"end_time"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuctionExtendedEvent announces an anti-snipe extension of the end time.
type AuctionExtendedEvent struct {
	AuctionID      uuid.UUID `json:"auction_id"`
	NewEndTime     time.Time `json:"new_end_time"`
	ExtensionCount int       `json:"extension_count"`
}

// AuctionClosedEvent announces a terminal transition (sold, won or ended).
// WinnerID is nil for unsold endings.
type AuctionClosedEvent struct {
	AuctionID    uuid.UUID  `json:"auction_id"`
	SellerID     uuid.UUID  `json:"seller_id"`
	WinnerID     *uuid.UUID `json:"winner_id,omitempty"`
	WinningBidID *uuid.UUID `json:"winning_bid_id,omitempty"`
	Amount       int64      `json:"amount"`
	OrderID      *uuid.UUID `json:"order_id,omitempty"`
	OrderNumber  string     `json:"order_number,omitempty"`
	ReserveMet   bool       `json:"reserve_met"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// AuctionFlaggedEvent signals that automatic settlement was halted for an
// auction pending manual reconciliation.
type AuctionFlaggedEvent struct {
	AuctionID  uuid.UUID `json:"auction_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewOutboxEvent wraps a payload into an outbox row ready to be saved in the
// same transaction as the state change it describes.
func NewOutboxEvent(eventType string, payload any, now time.Time) (*events.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &events.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   body,
		Status:    events.OutboxStatusPending,
		CreatedAt: now,
	}, nil
}
