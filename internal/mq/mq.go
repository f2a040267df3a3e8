package mq

import (
	"context"
	"encoding/json"
	"strconv"
)

// MaxAttempts bounds how often a message whose handler keeps failing is
// delivered before it is dropped.
const MaxAttempts = 5

// attemptAttribute carries the delivery attempt on brokers without native
// redelivery counters.
const attemptAttribute = "x-attempt"

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
	// Attempt is the 1-based delivery attempt.
	Attempt int
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON encodes v as JSON and sends it to the named channel.
func (m *MQ) PublishJSON(ctx context.Context, channel string, v any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}

func attemptFrom(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[attemptAttribute])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// retryAttributes copies attrs with the attempt counter advanced past attempt.
func retryAttributes(attrs map[string]string, attempt int) map[string]string {
	next := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		next[k] = v
	}
	next[attemptAttribute] = strconv.Itoa(attempt + 1)
	return next
}
