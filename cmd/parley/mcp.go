package main

import (
	"os/signal"
	"syscall"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/parley/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPCommand(configPath *string) *cobra.Command {
	var claim bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the chat session as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// stdout carries JSON-RPC.
			logger, closeLog, err := stderrLogger(cfg)
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
			if err := a.start(ctx, "", claim); err != nil {
				return err
			}

			server := mcp.NewServer(mcp.Config{
				Chat:       a.client,
				Connection: a.manager,
				Version:    version,
				Logger:     logger.With("component", "mcp"),
			})
			logger.Info("starting stdio transport")
			if err := server.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&claim, "claim", false, "take over when another session is open")
	return cmd
}
