// Package notify announces chapter version changes over Redis so other processes
// (a site build, a preview server) can react without polling the content tree.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smartchapter/manager/internal/apperr"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "chapters:versions"
	keyPrefix      = "chapter:version:"
)

// Event is published on every save that lands and on every delete.
type Event struct {
	ID      string    `json:"id"`
	Group   string    `json:"group"`
	File    string    `json:"file"`
	Version string    `json:"version"`
	Active  bool      `json:"isActive"`
	Deleted bool      `json:"deleted,omitempty"`
	At      time.Time `json:"at"`
}

// RedisPublisher keeps the latest event per chapter under a key and publishes
// each event on a channel.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	channel string
}

func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, channel), nil
}

func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, prefix: keyPrefix, channel: channel}
}

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) key(chapterID string) string {
	return p.prefix + chapterID
}

// Publish records event as the latest for its chapter, then broadcasts it.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal version event: %w", err)
	}
	if event.Deleted {
		if err := p.client.Del(ctx, p.key(event.ID)).Err(); err != nil {
			return fmt.Errorf("clear latest version: %w", err)
		}
	} else if err := p.client.Set(ctx, p.key(event.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store latest version: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish version event: %w", err)
	}
	return nil
}

// Latest returns the last event stored for chapterID.
func (p *RedisPublisher) Latest(ctx context.Context, chapterID string) (Event, error) {
	raw, err := p.client.Get(ctx, p.key(chapterID)).Result()
	if errors.Is(err, redis.Nil) {
		return Event{}, apperr.New(apperr.NotFound, "latest version", chapterID, errors.New("no version published"))
	}
	if err != nil {
		return Event{}, fmt.Errorf("lookup latest version: %w", err)
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, fmt.Errorf("unmarshal version event: %w", err)
	}
	return event, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
