package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/adgenius/carousel-tv/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
	subscribeTimeout  = 5 * time.Second
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Client struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

type topic struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
	// ready is closed once events published to the topic are being received.
	ready chan struct{}
}

// Broker fans events out to the SSE clients of a topic. With a redis client
// events travel through redis pub/sub so that every server instance (and
// the TV players) share topics; without one the broker is process-local.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*topic
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(name string) *Client {
	client := &Client{
		Topic:  name,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topics[name]
	if t == nil {
		t = &topic{clients: make(map[*Client]bool), ready: make(chan struct{})}
		if b.redis != nil {
			ctx, cancel := context.WithCancel(b.ctx)
			t.cancel = cancel
			go b.subscribeToRedis(ctx, name, t.ready)
		} else {
			close(t.ready)
		}
		b.topics[name] = t
	}
	t.clients[client] = true
	clientCount := len(t.clients)
	b.mu.Unlock()

	select {
	case <-t.ready:
	case <-time.After(subscribeTimeout):
		log.Warn().Str("topic", name).Msg("redis subscription not confirmed, events may be missed")
	}

	log.Info().
		Str("topic", name).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[client.Topic]
	if !ok || !t.clients[client] {
		return
	}

	delete(t.clients, client)
	close(client.Done)

	if len(t.clients) == 0 {
		if t.cancel != nil {
			t.cancel()
		}
		delete(b.topics, client.Topic)
	}

	log.Info().
		Str("topic", client.Topic).
		Int("clientCount", len(t.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, name string, event Event) error {
	if b.redis == nil {
		b.broadcast(name, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, redisclient.TopicChannel(name), data).Err()
}

// PublishJSON publishes data as an event of the given type.
func (b *Broker) PublishJSON(ctx context.Context, name, eventType string, data any) error {
	event, err := NewEvent(eventType, data)
	if err != nil {
		return err
	}
	return b.Publish(ctx, name, event)
}

// subscribeToRedis forwards the topic channel to local clients. ready is
// closed once redis has confirmed the subscription, or has refused it.
func (b *Broker) subscribeToRedis(ctx context.Context, name string, ready chan struct{}) {
	channel := redisclient.TopicChannel(name)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	_, err := pubsub.Receive(ctx)
	close(ready)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("topic", name).Msg("redis pubsub subscription failed")
		}
		return
	}

	log.Debug().
		Str("topic", name).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(name, event)
		}
	}
}

func (b *Broker) broadcast(name string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.topics[name]
	if t == nil {
		return
	}

	for client := range t.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("topic", name).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for client := range t.clients {
			close(client.Done)
		}
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) ClientCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t := b.topics[name]; t != nil {
		return len(t.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.topics {
		total += len(t.clients)
	}
	return total
}
