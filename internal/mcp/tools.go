package mcp

import (
	"context"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/domain/presence"
)

type tools struct {
	chat Chat
	conn Connection
}

type emptyParams struct{}

type conversationParams struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
}

type sendParams struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Text           string `json:"text" jsonschema:"message text"`
}

type editParams struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	MessageID      string `json:"message_id" jsonschema:"id of a confirmed message you sent"`
	Text           string `json:"text" jsonschema:"replacement text"`
}

type messageParams struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	MessageID      string `json:"message_id" jsonschema:"message id"`
}

type typingParams struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Typing         bool   `json:"typing" jsonschema:"true while composing, false when done"`
}

type SessionStatus struct {
	Status      string                `json:"status"`
	Attempt     int                   `json:"attempt"`
	LastError   string                `json:"last_error,omitempty"`
	Fatal       bool                  `json:"fatal"`
	OnlineUsers []presence.OnlineUser `json:"online_users"`
}

type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	LastMessageID  string    `json:"last_message_id"`
	LastActivity   time.Time `json:"last_activity"`
	Preview        string    `json:"preview"`
}

type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type MessageList struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []message.Message `json:"messages"`
	Typing         []string          `json:"typing,omitempty"`
}

type MessageResult struct {
	Message message.Message `json:"message"`
}

type Ack struct {
	OK bool `json:"ok"`
}

func registerTools(server *sdkmcp.Server, t *tools) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "session_status",
		Description: "Report the socket session status and who is online",
	}, t.sessionStatus)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_conversations",
		Description: "List loaded conversations, most recent activity first",
	}, t.listConversations)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "open_conversation",
		Description: "Make a conversation active and load its history",
	}, t.openConversation)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_messages",
		Description: "Return the messages of a conversation in timestamp order",
	}, t.getMessages)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "send_message",
		Description: "Send a text message to a conversation",
	}, t.sendMessage)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "edit_message",
		Description: "Edit the text of one of your confirmed messages",
	}, t.editMessage)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "delete_message",
		Description: "Delete one of your confirmed messages, leaving a tombstone",
	}, t.deleteMessage)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "purge_message",
		Description: "Hide a deleted message's tombstone on this device",
	}, t.purgeMessage)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "set_typing",
		Description: "Announce that you started or stopped typing",
	}, t.setTyping)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "reconnect",
		Description: "Open the socket session again after an error or disconnect",
	}, t.reconnect)
}

func (t *tools) sessionStatus(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyParams) (*sdkmcp.CallToolResult, SessionStatus, error) {
	return nil, t.status(), nil
}

func (t *tools) status() SessionStatus {
	s := t.conn.Session()
	out := SessionStatus{
		Status:      string(s.Status),
		Attempt:     s.Attempt,
		Fatal:       s.Fatal(),
		OnlineUsers: t.conn.OnlineUsers(),
	}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	if out.OnlineUsers == nil {
		out.OnlineUsers = []presence.OnlineUser{}
	}
	return out
}

func (t *tools) listConversations(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyParams) (*sdkmcp.CallToolResult, ConversationList, error) {
	summaries := t.chat.Conversations()
	out := ConversationList{Conversations: make([]ConversationSummary, 0, len(summaries))}
	for _, s := range summaries {
		out.Conversations = append(out.Conversations, ConversationSummary{
			ConversationID: s.ConversationID,
			LastMessageID:  s.Last.ID,
			LastActivity:   s.Last.Timestamp,
			Preview:        s.Preview,
		})
	}
	return nil, out, nil
}

func (t *tools) openConversation(ctx context.Context, _ *sdkmcp.CallToolRequest, in conversationParams) (*sdkmcp.CallToolResult, MessageList, error) {
	if in.ConversationID == "" {
		return nil, MessageList{}, fmt.Errorf("conversation_id is required")
	}
	if err := t.chat.Open(ctx, in.ConversationID); err != nil {
		return nil, MessageList{}, toolError(err)
	}
	return nil, t.messages(in.ConversationID), nil
}

func (t *tools) getMessages(_ context.Context, _ *sdkmcp.CallToolRequest, in conversationParams) (*sdkmcp.CallToolResult, MessageList, error) {
	if in.ConversationID == "" {
		return nil, MessageList{}, fmt.Errorf("conversation_id is required")
	}
	return nil, t.messages(in.ConversationID), nil
}

func (t *tools) messages(conversationID string) MessageList {
	msgs := t.chat.Messages(conversationID)
	if msgs == nil {
		msgs = []message.Message{}
	}
	return MessageList{
		ConversationID: conversationID,
		Messages:       msgs,
		Typing:         t.conn.Typing(conversationID),
	}
}

func (t *tools) sendMessage(ctx context.Context, _ *sdkmcp.CallToolRequest, in sendParams) (*sdkmcp.CallToolResult, MessageResult, error) {
	msg, err := t.chat.SendMessage(ctx, in.ConversationID, in.Text)
	if err != nil {
		return nil, MessageResult{}, toolError(err)
	}
	return nil, MessageResult{Message: msg}, nil
}

func (t *tools) editMessage(ctx context.Context, _ *sdkmcp.CallToolRequest, in editParams) (*sdkmcp.CallToolResult, MessageResult, error) {
	msg, err := t.chat.EditMessage(ctx, in.ConversationID, in.MessageID, in.Text)
	if err != nil {
		return nil, MessageResult{}, toolError(err)
	}
	return nil, MessageResult{Message: msg}, nil
}

func (t *tools) deleteMessage(ctx context.Context, _ *sdkmcp.CallToolRequest, in messageParams) (*sdkmcp.CallToolResult, Ack, error) {
	if err := t.chat.DeleteMessage(ctx, in.ConversationID, in.MessageID); err != nil {
		return nil, Ack{}, toolError(err)
	}
	return nil, Ack{OK: true}, nil
}

func (t *tools) purgeMessage(ctx context.Context, _ *sdkmcp.CallToolRequest, in messageParams) (*sdkmcp.CallToolResult, Ack, error) {
	if err := t.chat.PurgeMessage(ctx, in.ConversationID, in.MessageID); err != nil {
		return nil, Ack{}, toolError(err)
	}
	return nil, Ack{OK: true}, nil
}

func (t *tools) setTyping(_ context.Context, _ *sdkmcp.CallToolRequest, in typingParams) (*sdkmcp.CallToolResult, Ack, error) {
	if in.ConversationID == "" {
		return nil, Ack{}, fmt.Errorf("conversation_id is required")
	}
	if in.Typing {
		t.chat.NotifyTyping(in.ConversationID)
	} else {
		t.chat.StopTyping(in.ConversationID)
	}
	return nil, Ack{OK: true}, nil
}

func (t *tools) reconnect(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyParams) (*sdkmcp.CallToolResult, SessionStatus, error) {
	if err := t.conn.Connect(ctx); err != nil {
		return nil, SessionStatus{}, toolError(err)
	}
	return nil, t.status(), nil
}
