// Package pubsub publishes issue and notification events on Redis channels.
// Delivery is at-most-once: no ack, no retry, in-channel order follows
// publish-call order.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the lightweight payload published on an issue's shared channel.
type Event struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// IssueChannel is the shared channel for one issue's mutation events.
func IssueChannel(issueID string) string {
	return "issues/" + issueID
}

// UserNotificationChannel is a user's private notification channel.
func UserNotificationChannel(username string) string {
	return "users/" + username + "/notifications"
}

// RedisPublisher publishes JSON payloads over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
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

	return &RedisPublisher{client: client}, nil
}

// NewRedisPublisherWithClient wraps an existing Redis client.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish marshals the payload and sends it on the channel. Callers treat
// failures as best-effort: they are logged, never retried, never rolled
// back into the triggering write.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a go-redis subscription for the given channels. Used by
// live subscribers (and tests); consumers read from sub.Channel().
func (p *RedisPublisher) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return p.client.Subscribe(ctx, channels...)
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
