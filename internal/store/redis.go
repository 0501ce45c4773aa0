package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ctrlplane/internal/domain"
)

const redisKeyPrefix = "ctrlplane:event:"

// Redis is a distributed Store for deployments where multiple instances must
// share idempotency state. SETNX gives the atomic first-writer-wins.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client}, nil
}

func (s *Redis) Get(ctx context.Context, key string) (domain.Event, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	return decodeEvent(data)
}

func (s *Redis) Put(ctx context.Context, key string, event domain.Event) (domain.Event, bool, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("marshal event: %w", err)
	}
	// Events never expire; the key is the idempotency contract.
	created, err := s.client.SetNX(ctx, redisKeyPrefix+key, string(data), 0).Result()
	if err != nil {
		return domain.Event{}, false, err
	}
	if !created {
		existing, err := s.Get(ctx, key)
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("read winning event: %w", err)
		}
		return existing, false, nil
	}
	return event, true, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func decodeEvent(data string) (domain.Event, error) {
	var e domain.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
