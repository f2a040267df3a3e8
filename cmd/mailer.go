/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/metrics"
	"github.com/saborly/apiserver/internal/mq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// mailerCmd represents the mailer command
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Delivers queued account emails through Brevo",
	Long: `Consumes the account email queue from the configured broker and
delivers each message through Brevo. Used with MAIL_TRANSPORT=queue.

	saborly mailer
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		brevo, err := mailer.NewBrevoClient(cfg.Mail)
		if err != nil {
			return fmt.Errorf("init brevo: %w", err)
		}

		queue, err := mq.Open(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Warn("close queue", zap.Error(err))
			}
		}()

		m := metrics.New()
		if mailerMetricsAddr != "" {
			metricsServer := &http.Server{
				Addr:              mailerMetricsAddr,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics listener", zap.Error(err))
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(ctx)
			}()
		}

		worker := mailer.NewWorker(queue, cfg.Mail.Queue, brevo, cfg.Mail.SendTimeout, logger, m)
		logger.Info("mailer worker started", zap.String("queue", cfg.Mail.Queue), zap.String("backend", cfg.MQ.Backend))
		return worker.Run(cmd.Context())
	},
}

var mailerMetricsAddr string

func init() {
	rootCmd.AddCommand(mailerCmd)
	mailerCmd.Flags().StringVar(&mailerMetricsAddr, "metrics-addr", ":9091", "listen address for /metrics, empty to disable")
}
