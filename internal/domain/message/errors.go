package message

import "errors"

var (
	// ErrNotFound indicates the message doesn't exist in the conversation.
	ErrNotFound = errors.New("message not found")
	// ErrNotTombstoned indicates a purge of a message that is not deleted.
	ErrNotTombstoned = errors.New("message is not deleted")
	// ErrAlreadyReconciled indicates the temporary id was already replaced.
	ErrAlreadyReconciled = errors.New("optimistic message already reconciled")
	// ErrInvalidMessage indicates a message without the fields the store keys on.
	ErrInvalidMessage = errors.New("invalid message")
)
