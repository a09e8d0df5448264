package notifications

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification for client rendering.
type Kind string

const (
	KindOutbid          Kind = "outbid"
	KindAuctionStarted  Kind = "auction_started"
	KindAuctionExtended Kind = "auction_extended"
	KindAuctionWon      Kind = "auction_won"
	KindAuctionSold     Kind = "auction_sold"
	KindAuctionEnded    Kind = "auction_ended"
)

// Notification is a per-user message produced from an auction event.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AuctionID uuid.UUID
	Kind      Kind
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time
}
