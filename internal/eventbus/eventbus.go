// Package eventbus publishes domain events after commit to per-auction
// rooms and per-user direct channels. Delivery is WebSocket fan-out
// through a Sink; each event is then also relayed to a durable RabbitMQ
// topic exchange: declare the exchange at startup, publish best-effort,
// never block a caller on broker latency. No queue is declared here and
// the WebSocket side does not read from the broker.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Scope says who an event fans out to.
type Scope string

const (
	ScopeAuctionRoom Scope = "auction-room"
	ScopeDirectUser  Scope = "direct-user"
)

// Event is the wire shape delivered to subscribers.
type Event struct {
	Type      string    `json:"type"`
	AuctionID string    `json:"auctionId"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// Sink is the delivery mechanism; the WebSocket hub implements it.
// Kept as an interface so the bus doesn't import the transport package
// (and so tests can substitute a recording sink).
type Sink interface {
	PublishToAuction(auctionID string, evt Event)
	PublishToUser(userID string, evt Event)
}

const exchangeName = "slotauction.events"

type Bus struct {
	sink Sink
	ch   *amqp.Channel
	log  *logrus.Logger
}

// New wires a sink (the WebSocket hub) and, optionally, an AMQP channel
// for durable relay. ch may be nil — the bus still delivers over the
// sink, it just skips the broker hop.
func New(sink Sink, ch *amqp.Channel, log *logrus.Logger) (*Bus, error) {
	b := &Bus{sink: sink, ch: ch, log: log}
	if ch != nil {
		if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// PublishAuctionRoom fans an event out to every subscriber of an
// auction's room (auction:started, round:started, etc).
// MUST be called only after the producing transaction has committed.
func (b *Bus) PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any) {
	evt := Event{Type: eventType, AuctionID: auctionID, Timestamp: time.Now(), Data: data}
	b.sink.PublishToAuction(auctionID, evt)
	b.relay(ctx, "auction."+eventType, evt)
}

// PublishDirectUser delivers to one user's channel regardless of room
// membership (user:won, bid:refunded).
func (b *Bus) PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any) {
	evt := Event{Type: eventType, AuctionID: auctionID, Timestamp: time.Now(), Data: data}
	b.sink.PublishToUser(userID, evt)
	b.relay(ctx, "user."+eventType, evt)
}

func (b *Bus) relay(ctx context.Context, routingKey string, evt Event) {
	if b.ch == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		b.log.WithError(err).Warn("eventbus: marshal for relay failed")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = b.ch.PublishWithContext(pubCtx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   evt.Timestamp,
	})
	if err != nil {
		// publish is best-effort: the bus never gates a write on broker
		// availability.
		b.log.WithError(err).WithField("routing_key", routingKey).Warn("eventbus: relay publish failed")
	}
}
