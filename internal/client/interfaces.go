package client

import (
	"context"
	"io"

	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/protocol"
)

// API is the HTTP collaborator holding conversation history.
type API interface {
	History(ctx context.Context, conversationID string) ([]message.Message, error)
	Send(ctx context.Context, conversationID string, out message.Outgoing) (message.Message, error)
	Edit(ctx context.Context, conversationID, messageID, text string) (message.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
}

// Uploader stores an attachment and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Prefs persists client state that survives restarts.
type Prefs interface {
	LastSelected(ctx context.Context) (string, error)
	SetLastSelected(ctx context.Context, conversationID string) error
	PurgedIDs(ctx context.Context) ([]string, error)
	AddPurged(ctx context.Context, ids ...string) error
}

// Conn is the socket session the client talks through.
type Conn interface {
	UserID() string
	Send(frame protocol.Frame) error
	OnFrame(fn func(protocol.Frame)) func()
	OnStatus(fn func(connection.Transition)) func()
}
