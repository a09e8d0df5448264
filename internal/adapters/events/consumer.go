package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/notifications"
	"github.com/gavelworks/auctiond/pkg/events"
)

const notificationsQueue = "auction_notifications"

// Routing keys the notifier cares about.
var notificationBindings = []string{
	auctions.EventTypeBidOutbid,
	auctions.EventTypeAuctionStarted,
	auctions.EventTypeAuctionExtended,
	auctions.EventTypeAuctionSold,
	auctions.EventTypeAuctionWon,
	auctions.EventTypeAuctionEnded,
}

// NotificationConsumer consumes auction events and fans them out as user
// notifications. Deduplication happens in the service layer keyed on the
// message ID, so redeliveries are safe.
type NotificationConsumer struct {
	conn    *amqp.Connection
	service *notifications.Service
	logger  *slog.Logger
}

// NewNotificationConsumer creates a new notification consumer
func NewNotificationConsumer(conn *amqp.Connection, service *notifications.Service, logger *slog.Logger) *NotificationConsumer {
	return &NotificationConsumer{
		conn:    conn,
		service: service,
		logger:  logger,
	}
}

// Run starts the consumer loop
func (c *NotificationConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if setupErr := c.setupRabbitMQ(ch); setupErr != nil {
		return fmt.Errorf("failed to setup rabbitmq: %w", setupErr)
	}

	msgs, err := ch.Consume(
		notificationsQueue, // queue
		"",                 // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *NotificationConsumer) handle(ctx context.Context, d amqp.Delivery) {
	c.logger.Info("Received message", "routing_key", d.RoutingKey)

	eventID, err := uuid.Parse(d.MessageId)
	if err != nil {
		// Without an event ID there is no dedupe key; the message can never
		// be processed, so drop it without requeue.
		c.logger.Error("Dropping message with invalid id", "message_id", d.MessageId)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to Nack message", "error", nackErr)
		}
		return
	}

	if err := c.process(ctx, eventID, d); err != nil {
		c.logger.Error("Failed to process event", "routing_key", d.RoutingKey, "error", err)
		// Requeue and retry
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to Nack message (requeue)", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to Ack message", "error", ackErr)
	}
}

func (c *NotificationConsumer) process(ctx context.Context, eventID uuid.UUID, d amqp.Delivery) error {
	switch d.RoutingKey {
	case auctions.EventTypeBidOutbid:
		var event auctions.BidOutbidEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to unmarshal outbid event: %w", err)
		}
		return c.service.ProcessBidOutbid(ctx, eventID, event)

	case auctions.EventTypeAuctionStarted:
		var event auctions.AuctionStartedEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to unmarshal started event: %w", err)
		}
		return c.service.ProcessAuctionStarted(ctx, eventID, event)

	case auctions.EventTypeAuctionExtended:
		var event auctions.AuctionExtendedEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to unmarshal extended event: %w", err)
		}
		return c.service.ProcessAuctionExtended(ctx, eventID, event)

	case auctions.EventTypeAuctionSold, auctions.EventTypeAuctionWon, auctions.EventTypeAuctionEnded:
		var event auctions.AuctionClosedEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to unmarshal closed event: %w", err)
		}
		return c.service.ProcessAuctionClosed(ctx, eventID, d.RoutingKey, event)

	default:
		c.logger.Warn("Ignoring unknown routing key", "routing_key", d.RoutingKey)
		return nil
	}
}

func (c *NotificationConsumer) setupRabbitMQ(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		events.ExchangeName, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // args
	)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		notificationsQueue, // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return err
	}

	for _, key := range notificationBindings {
		if err := ch.QueueBind(q.Name, key, events.ExchangeName, false, nil); err != nil {
			return err
		}
	}
	return nil
}
