package repository

import (
	"context"
	"io"

	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/tabs"
)

// MessageRepository is the server-side message history behind the HTTP API
type MessageRepository interface {
	History(ctx context.Context, conversationID string) ([]message.Message, error)
	Send(ctx context.Context, conversationID string, out message.Outgoing) (message.Message, error)
	Edit(ctx context.Context, conversationID, messageID, text string) (message.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
}

// UploadRepository stores attachments
type UploadRepository interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// PrefsRepository manages persisted client preferences
type PrefsRepository interface {
	LastSelected(ctx context.Context) (string, error)
	SetLastSelected(ctx context.Context, conversationID string) error
	PurgedIDs(ctx context.Context) ([]string, error)
	AddPurged(ctx context.Context, ids ...string) error
}

// TabRepository manages the shared tab registry
type TabRepository interface {
	Load(ctx context.Context) ([]tabs.Record, error)
	Update(ctx context.Context, fn func([]tabs.Record) ([]tabs.Record, error)) error
}
