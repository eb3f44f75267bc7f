// Package events publishes device domain events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	DeviceLinked           = "device.linked"
	DeviceLocationAssigned = "device.location_assigned"
)

// Names lists every event published by the server. Each one has a durable
// queue of the same name.
var Names = []string{DeviceLinked, DeviceLocationAssigned}

type DeviceLinkedEvent struct {
	Code       string    `json:"code"`
	DeviceID   string    `json:"deviceId"`
	OwnerID    string    `json:"ownerId"`
	LocationID string    `json:"locationId,omitempty"`
	LinkedAt   time.Time `json:"linkedAt"`
}

type LocationAssignedEvent struct {
	DeviceID   string    `json:"deviceId"`
	OwnerID    string    `json:"ownerId"`
	LocationID string    `json:"locationId"`
	AssignedAt time.Time `json:"assignedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// AMQPPublisher publishes persistent JSON messages on the default exchange,
// routed to the queue named after the event.
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	for _, name := range Names {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
	}

	log.Info().Strs("queues", Names).Msg("connected to rabbitmq")
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	chErr := p.ch.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return chErr
}
