package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/parley/internal/client"
	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/restapi"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
	cause        error
}

func (e *APIError) Error() string {
	if e.RecoveryHint == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// MapError maps domain errors to MCP error codes. Unknown errors map to nil.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	mapped := func(code, msg, hint string) *APIError {
		return &APIError{Code: code, Message: msg, RecoveryHint: hint, cause: err}
	}
	var status *restapi.StatusError
	switch {
	case errors.Is(err, client.ErrEmptyMessage):
		return mapped("EMPTY_MESSAGE", "message is empty", "Provide text")
	case errors.Is(err, client.ErrNotOwner):
		return mapped("NOT_OWNER", "message belongs to another user", "Only your own messages can be changed")
	case errors.Is(err, client.ErrPending):
		return mapped("PENDING", "message is not confirmed yet", "Retry after the send completes")
	case errors.Is(err, client.ErrDeleted):
		return mapped("DELETED", "message is deleted", "")
	case errors.Is(err, message.ErrNotFound):
		return mapped("MESSAGE_NOT_FOUND", "message not found", "Call get_messages to list ids")
	case errors.Is(err, message.ErrNotTombstoned):
		return mapped("NOT_DELETED", "only deleted messages can be purged", "Call delete_message first")
	case errors.Is(err, connection.ErrAuthFailed), errors.Is(err, connection.ErrMissingCredentials):
		return mapped("AUTH_FAILED", "authentication failed", "Check the configured token")
	case errors.As(err, &status):
		return mapped("API_ERROR", status.Error(), "")
	default:
		return nil
	}
}

func toolError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return err
}
