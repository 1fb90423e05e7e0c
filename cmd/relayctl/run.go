package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/workflow"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the producers, probe and workflows of a config file",
		Long: `Run starts a relay client from a YAML config file. Every workflow logs the
messages it receives and forwards them unchanged to its forward producer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Format, cfg.Log.Level)
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") {
				logger = slog.Default()
			}

			opts := []relay.ClientOption{relay.WithLogger(logger)}
			for _, w := range cfg.Workflows {
				opts = append(opts, relay.WithProcessor(w.Name, passThrough(logger.With("workflow", w.Name))))
			}

			client, err := relay.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return err
			}

			if healthAddr != "" {
				srv := &http.Server{
					Addr:              healthAddr,
					Handler:           client.HealthHandler(5 * time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health endpoint stopped", "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
				logger.Info("serving health", "addr", healthAddr)
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health checks as JSON on this address")
	return cmd
}

func passThrough(logger *slog.Logger) workflow.Processor {
	return workflow.ProcessorFunc(func(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
		logger.Info("received message",
			"messageId", env.ID(),
			"size", env.Size(),
			"metadata", env.Metadata().Len())
		return []*envelope.Envelope{env}, nil
	})
}

