package notifications

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository persists notifications and the processed-event inbox that makes
// delivery idempotent.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, n *Notification) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error)
	IsEventProcessed(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (bool, error)
	MarkEventProcessed(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error
}

// WatcherDirectory resolves the users subscribed to an auction.
type WatcherDirectory interface {
	ListUserIDs(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error)
}
