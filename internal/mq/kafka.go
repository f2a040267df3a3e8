package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/saborly/apiserver/config"
	"github.com/segmentio/kafka-go"
)

// KafkaClient publishes to and consumes from Kafka topics. Channels map to
// topic names.
type KafkaClient struct {
	brokers []string
	groupID string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaClient constructs a Kafka client from config.
func NewKafkaClient(cfg config.KafkaConfig) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka group id is required")
	}

	return &KafkaClient{
		brokers: cfg.Brokers,
		groupID: cfg.GroupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Publish writes a message to the named topic.
func (k *KafkaClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("kafka channel is required")
	}

	messageID := uuid.NewString()
	headers := make([]kafka.Header, 0, len(attrs))
	for key, value := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   channel,
		Key:     []byte(messageID),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// Subscribe consumes the named topic as part of the configured consumer
// group. Offsets are committed after handling; a failed message is
// republished with its attempt counter advanced until MaxAttempts.
func (k *KafkaClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("kafka channel is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  k.groupID,
		Topic:    channel,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		attrs := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			attrs[h.Key] = string(h.Value)
		}
		message := Message{
			ID:         string(m.Key),
			Data:       m.Value,
			Attributes: attrs,
			Attempt:    attemptFrom(attrs),
		}
		if err := handler(ctx, message); err != nil && message.Attempt < MaxAttempts {
			if _, err := k.Publish(ctx, channel, message.Data, retryAttributes(attrs, message.Attempt)); err != nil {
				return err
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			return err
		}
	}
}

// Close flushes the writer and closes every reader.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	errs := []error{k.writer.Close()}
	for _, reader := range k.readers {
		errs = append(errs, reader.Close())
	}
	k.readers = nil
	return errors.Join(errs...)
}
