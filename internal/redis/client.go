package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	client, err := New(redisURL)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// New builds a client without a round trip to the server.
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{redis.NewClient(opts)}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// DocumentChannel carries the ids of documents written to a collection.
func DocumentChannel(collection string) string {
	return fmt.Sprintf("docs:%s", collection)
}

// TopicChannel carries SSE events for one status topic.
func TopicChannel(topic string) string {
	return fmt.Sprintf("events:%s", topic)
}

// SetupTopic is the status topic of a coordinator session.
func SetupTopic(code string) string {
	return fmt.Sprintf("setup:%s", code)
}

// DeviceTopic is the playback status topic of a paired TV.
func DeviceTopic(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}
