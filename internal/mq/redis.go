package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/saborly/apiserver/config"
)

const (
	redisKeyPrefix   = "mq:"
	redisPollTimeout = time.Second
)

// redisEnvelope is the list element stored per message.
type redisEnvelope struct {
	ID         string            `json:"id"`
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RedisClient implements a work queue on Redis lists: producers LPUSH and
// consumers BRPOP.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient constructs a Redis queue client from config.
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	return NewRedisClientFrom(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})), nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Publish pushes a message onto the named list.
func (r *RedisClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("redis channel is required")
	}
	envelope := redisEnvelope{
		ID:         uuid.NewString(),
		Data:       data,
		Attributes: attrs,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	if err := r.client.LPush(ctx, redisKeyPrefix+channel, payload).Err(); err != nil {
		return "", err
	}
	return envelope.ID, nil
}

// Subscribe pops messages from the named list until ctx is done. A failed
// message is pushed back with its attempt counter advanced until MaxAttempts.
func (r *RedisClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("redis channel is required")
	}
	key := redisKeyPrefix + channel

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := r.client.BRPop(ctx, redisPollTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var envelope redisEnvelope
		if err := json.Unmarshal([]byte(result[1]), &envelope); err != nil {
			// Undecodable payloads can never succeed.
			continue
		}
		message := Message{
			ID:         envelope.ID,
			Data:       envelope.Data,
			Attributes: envelope.Attributes,
			Attempt:    attemptFrom(envelope.Attributes),
		}
		if err := handler(ctx, message); err != nil && message.Attempt < MaxAttempts {
			if _, err := r.Publish(ctx, channel, message.Data, retryAttributes(message.Attributes, message.Attempt)); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying Redis client.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
