package cli

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/mintqueue/internal/bootstrap"
	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/spf13/cobra"
)

func newCallbacksCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Inspect terminal-state callbacks",
	}
	cmd.AddCommand(newCallbacksTailCmd(s))
	return cmd
}

func newCallbacksTailCmd(s *session) *cobra.Command {
	var consumerTag string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Consume terminal callbacks from RabbitMQ and log each job once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}
			cfg := app.Config
			if !cfg.RabbitMQ.Enabled() {
				return errors.New("rabbitmq is not configured")
			}

			ctx := cmd.Context()
			client, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Terminal, true, app.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			var dedup callback.Deduper = callback.NewMemoryDeduper()
			redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, app.Logger)
			if err != nil {
				return err
			}
			if redisClient != nil {
				defer redisClient.Close()
				dedup = callback.NewRedisDeduper(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.DedupTTL)
			}

			deliveries, err := client.Consume(consumerTag)
			if err != nil {
				return fmt.Errorf("failed to consume terminal callbacks: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Tailing %s (Ctrl+C to stop)\n", cfg.RabbitMQ.Terminal.Queue.Name)
			receiver := callback.NewReceiver(dedup, callback.LogHandler(app.Logger), app.Logger)
			callback.Consume(ctx, deliveries, receiver, app.Logger)
			return nil
		},
	}

	cmd.Flags().StringVar(&consumerTag, "consumer-tag", "queuectl", "AMQP consumer tag")
	return cmd
}
