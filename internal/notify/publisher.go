// Package notify publishes wake-up hints to connected clients over Redis
// pub/sub. Delivery is best-effort: the durable queue is the source of
// truth, the hint only shortens polling latency.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "almanac:wake:"

// WakeMessage is the payload published on an account's wake channel.
type WakeMessage struct {
	DeviceIDs []string `json:"deviceIds"`
	SentAt    string   `json:"sentAt"`
}

// Publisher sends wake hints for accounts with pending queue entries.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a publisher connected to the given Redis URL.
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client}, nil
}

// NewPublisherWithClient creates a publisher from an existing Redis client.
func NewPublisherWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Channel returns the pub/sub channel name for an account.
func Channel(accountID string) string {
	return channelPrefix + accountID
}

// WakeDevices publishes a hint that the listed devices have new queue
// entries waiting.
func (p *Publisher) WakeDevices(ctx context.Context, accountID string, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}

	payload, err := json.Marshal(WakeMessage{
		DeviceIDs: deviceIDs,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal wake message: %w", err)
	}

	if err := p.client.Publish(ctx, Channel(accountID), payload).Err(); err != nil {
		return fmt.Errorf("publish wake message: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
