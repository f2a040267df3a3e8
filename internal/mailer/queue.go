package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saborly/apiserver/internal/metrics"
	"github.com/saborly/apiserver/internal/mq"
	"go.uber.org/zap"
)

// QueueMailer hands emails to the mail worker through a message queue.
type QueueMailer struct {
	queue   *mq.MQ
	channel string
}

func NewQueueMailer(queue *mq.MQ, channel string) *QueueMailer {
	return &QueueMailer{queue: queue, channel: channel}
}

func (q *QueueMailer) Send(ctx context.Context, email Email) error {
	_, err := q.queue.PublishJSON(ctx, q.channel, email, map[string]string{"kind": string(email.Kind)})
	if err != nil {
		return fmt.Errorf("publish %s email: %w", email.Kind, err)
	}
	return nil
}

// LogMailer only records that an email would have been sent. Message
// bodies carry secrets and are never logged.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (l *LogMailer) Send(_ context.Context, email Email) error {
	l.logger.Info("email not delivered, log transport",
		zap.String("kind", string(email.Kind)),
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
	)
	return nil
}

// Worker consumes queued emails and delivers them through sender.
type Worker struct {
	queue       *mq.MQ
	channel     string
	sender      Mailer
	sendTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewWorker(queue *mq.MQ, channel string, sender Mailer, sendTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		queue:       queue,
		channel:     channel,
		sender:      sender,
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     m,
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("mail worker started", zap.String("channel", w.channel))
	err := w.queue.Subscribe(ctx, w.channel, w.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle delivers a single queued message. Undecodable payloads are
// dropped; delivery failures are returned so the broker redelivers.
func (w *Worker) Handle(ctx context.Context, msg mq.Message) error {
	var email Email
	if err := json.Unmarshal(msg.Data, &email); err != nil {
		w.logger.Error("drop undecodable email message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	if w.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.sendTimeout)
		defer cancel()
	}

	if err := w.sender.Send(ctx, email); err != nil {
		w.metrics.Email(string(email.Kind), "failed")
		w.logger.Warn("deliver email",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(email.Kind)),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		return err
	}
	w.metrics.Email(string(email.Kind), "sent")
	return nil
}
