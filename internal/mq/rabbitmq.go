package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/saborly/apiserver/config"
)

// RabbitMQClient publishes on one shared AMQP channel and opens a dedicated
// channel per subscription. amqp channels are not safe for concurrent
// publishes, so publishing is serialized.
type RabbitMQClient struct {
	conn          *amqp.Connection
	cfg           config.RabbitMQConfig
	publishMu     sync.Mutex
	publishCh     *amqp.Channel
	declaredMu    sync.Mutex
	declaredQueue map[string]struct{}
}

// NewRabbitMQClient dials the broker and opens the publishing channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return &RabbitMQClient{
		conn:          conn,
		cfg:           cfg,
		publishCh:     ch,
		declaredQueue: make(map[string]struct{}),
	}, nil
}

// Publish sends a persistent JSON message to the named queue.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if err := r.ensureQueue(r.publishCh, channel); err != nil {
		return "", err
	}

	headers := make(amqp.Table, len(attrs))
	for key, value := range attrs {
		headers[key] = value
	}

	messageID := uuid.NewString()
	err := r.publishCh.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// Subscribe consumes the named queue on its own channel. A message whose
// handler fails is republished with the attempt counter advanced and the
// original is acked; past MaxAttempts it is acked and dropped. The original
// is requeued only when the republish itself fails.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if r.cfg.PrefetchCount > 0 {
		if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
			return err
		}
	}
	if err := r.declare(ch, channel); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, channel, "mailer-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			r.deliver(ctx, channel, delivery, handler)
		}
	}
}

func (r *RabbitMQClient) deliver(ctx context.Context, channel string, delivery amqp.Delivery, handler Handler) {
	attrs := headersToAttributes(delivery.Headers)
	message := Message{
		ID:         delivery.MessageId,
		Data:       delivery.Body,
		Attributes: attrs,
		Attempt:    attemptFrom(attrs),
	}

	err := handler(ctx, message)
	if err != nil && message.Attempt < MaxAttempts {
		if _, err := r.Publish(ctx, channel, message.Data, retryAttributes(attrs, message.Attempt)); err != nil {
			_ = delivery.Nack(false, true)
			return
		}
	}
	_ = delivery.Ack(false)
}

// Close closes the publishing channel and the connection, which also ends
// any running subscriptions.
func (r *RabbitMQClient) Close() error {
	var errs []error
	if r.publishCh != nil {
		if err := r.publishCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureQueue declares name on ch once per client.
func (r *RabbitMQClient) ensureQueue(ch *amqp.Channel, name string) error {
	r.declaredMu.Lock()
	defer r.declaredMu.Unlock()

	if _, ok := r.declaredQueue[name]; ok {
		return nil
	}
	if err := r.declare(ch, name); err != nil {
		return err
	}
	r.declaredQueue[name] = struct{}{}
	return nil
}

func (r *RabbitMQClient) declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, r.cfg.QueueDurable, r.cfg.QueueAutoDelete, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}
