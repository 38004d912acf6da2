package client

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage indicates a send without text or attachment.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotOwner indicates a change to another user's message.
	ErrNotOwner = errors.New("message belongs to another user")
	// ErrPending indicates a change to a message the server has not confirmed.
	ErrPending = errors.New("message is not confirmed yet")
	// ErrDeleted indicates a change to a tombstone.
	ErrDeleted = errors.New("message is deleted")
	// ErrNoUploader indicates a media send without an upload collaborator.
	ErrNoUploader = errors.New("uploads are not configured")
)

// ActionError reports a failed user action. Any optimistic local change
// has already been rolled back when it is returned.
type ActionError struct {
	Op             string
	ConversationID string
	MessageID      string
	Err            error
}

func (e *ActionError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s in conversation %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s message %s in conversation %s: %v", e.Op, e.MessageID, e.ConversationID, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
