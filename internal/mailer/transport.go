package mailer

import (
	"errors"
	"fmt"

	"github.com/saborly/apiserver/config"
	"github.com/saborly/apiserver/internal/mq"
	"go.uber.org/zap"
)

// Open selects the mailer for cfg.Transport. queue is only used by the
// "queue" transport and may be nil otherwise.
func Open(cfg config.MailConfig, queue *mq.MQ, logger *zap.Logger) (Mailer, error) {
	switch cfg.Transport {
	case "direct":
		return NewBrevoClient(cfg)
	case "queue":
		if queue == nil {
			return nil, errors.New("queue mail transport requires a message queue")
		}
		return NewQueueMailer(queue, cfg.Queue), nil
	case "log":
		return NewLogMailer(logger), nil
	default:
		return nil, fmt.Errorf("unsupported mail transport %q", cfg.Transport)
	}
}
