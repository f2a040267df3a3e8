package services

import (
	"context"
	"sync"
	"time"

	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/metrics"
	"go.uber.org/zap"
)

// MailDispatcher sends emails off the request path. Delivery failures are
// logged and counted, never returned to the caller.
type MailDispatcher struct {
	mailer  mailer.Mailer
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewMailDispatcher(m mailer.Mailer, timeout time.Duration, logger *zap.Logger, mt *metrics.Metrics) *MailDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MailDispatcher{
		mailer:  m,
		timeout: timeout,
		logger:  logger,
		metrics: mt,
	}
}

// Dispatch sends email in the background. The send outlives the request
// context but is bounded by the dispatcher timeout.
func (d *MailDispatcher) Dispatch(email mailer.Email) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.mailer.Send(ctx, email); err != nil {
			d.metrics.Email(string(email.Kind), "failed")
			d.logger.Warn("email dispatch failed",
				zap.String("kind", string(email.Kind)),
				zap.String("to", email.To),
				zap.Error(err),
			)
			return
		}
		d.metrics.Email(string(email.Kind), "dispatched")
	}()
}

// Wait blocks until every pending dispatch finished or ctx is done.
func (d *MailDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
