// Package mcp exposes a chat session as MCP tools.
package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/parley/internal/client"
	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/domain/presence"
)

// Chat defines the conversation operations needed by MCP.
type Chat interface {
	Conversations() []client.Summary
	Open(ctx context.Context, conversationID string) error
	Messages(conversationID string) []message.Message
	SendMessage(ctx context.Context, conversationID, text string) (message.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, text string) (message.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	PurgeMessage(ctx context.Context, conversationID, messageID string) error
	NotifyTyping(conversationID string)
	StopTyping(conversationID string)
}

// Connection defines the socket session operations needed by MCP.
type Connection interface {
	Session() connection.Session
	OnlineUsers() []presence.OnlineUser
	Typing(conversationID string) []string
	Connect(ctx context.Context) error
}

// Config contains server configuration.
type Config struct {
	Chat       Chat
	Connection Connection
	Version    string
	Logger     *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "parley",
		Version: cfg.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, &tools{chat: cfg.Chat, conn: cfg.Connection})

	return server
}
