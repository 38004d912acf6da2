package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCommand(configPath *string) *cobra.Command {
	var conversationID string
	var claim bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and keep the chat session open until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Path)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(runContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			a.serveMetrics()
			if err := a.start(ctx, conversationID, claim); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to open after connecting")
	cmd.Flags().BoolVar(&claim, "claim", false, "take over when the destination is open in another session")
	return cmd
}

func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
