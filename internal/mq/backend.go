package mq

import (
	"context"
	"fmt"

	"github.com/saborly/apiserver/config"
)

// Open connects to the broker named in cfg.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "rabbitmq":
		backend, err = NewRabbitMQClient(cfg.RabbitMQ)
	case "pubsub":
		backend, err = NewPubSubClient(ctx, cfg.PubSub)
	case "redis":
		backend, err = NewRedisClient(cfg.Redis)
	case "kafka":
		backend, err = NewKafkaClient(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unsupported mq backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s mq: %w", cfg.Backend, err)
	}
	return New(backend), nil
}
