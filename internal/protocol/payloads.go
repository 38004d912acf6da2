package protocol

import (
	"encoding/json"
	"time"

	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/domain/presence"
)

type UserConnected struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
	Timestamp int64  `json:"timestamp"`
}

type Ping struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// MessagePayload carries SEND_MESSAGE, MESSAGE_RECEIVED and MESSAGE_EDITED.
type MessagePayload struct {
	Message        message.Message `json:"message"`
	ConversationID string          `json:"conversationId,omitempty"`
	FromUserID     string          `json:"fromUserId,omitempty"`
}

// Conversation returns the conversation id from the envelope or the message.
func (p MessagePayload) Conversation() string {
	if p.ConversationID != "" {
		return p.ConversationID
	}
	return p.Message.ConversationID
}

type DeletePayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	FromUserID     string     `json:"fromUserId,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// TypingPayload carries the typing start/stop frames in either naming.
type TypingPayload struct {
	UserID         string `json:"userId,omitempty"`
	FromUserID     string `json:"fromUserId,omitempty"`
	ConversationID string `json:"conversationId"`
}

// Who returns the typing user's id.
func (p TypingPayload) Who() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.FromUserID
}

// RosterEntry accepts either a bare user id or an object.
type RosterEntry presence.OnlineUser

func (e *RosterEntry) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = RosterEntry{UserID: id}
		return nil
	}
	var obj struct {
		UserID   string `json:"userId"`
		ID       string `json:"id"`
		UserName string `json:"userName"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.UserID = obj.UserID
	if e.UserID == "" {
		e.UserID = obj.ID
	}
	e.UserName = obj.UserName
	if e.UserName == "" {
		e.UserName = obj.Name
	}
	return nil
}

type OnlineUsersPayload struct {
	Users []RosterEntry `json:"users"`
}

// OnlineUsers converts the roster to presence entries.
func (p OnlineUsersPayload) OnlineUsers() []presence.OnlineUser {
	out := make([]presence.OnlineUser, 0, len(p.Users))
	for _, u := range p.Users {
		out = append(out, presence.OnlineUser(u))
	}
	return out
}

// ReceiptPayload carries READ_RECEIPT and MESSAGE_DELIVERED.
type ReceiptPayload struct {
	MessageID      string   `json:"messageId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId,omitempty"`
}

// IDs returns every message id named by the receipt.
func (p ReceiptPayload) IDs() []string {
	out := make([]string, 0, len(p.MessageIDs)+1)
	if p.MessageID != "" {
		out = append(out, p.MessageID)
	}
	for _, id := range p.MessageIDs {
		if id != "" && id != p.MessageID {
			out = append(out, id)
		}
	}
	return out
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewUserConnected builds the identity announcement sent after open.
func NewUserConnected(userID, userName, userEmail string, at time.Time) (Frame, error) {
	return Encode(TypeUserConnected, UserConnected{
		UserID:    userID,
		UserName:  userName,
		UserEmail: userEmail,
		Timestamp: at.UnixMilli(),
	})
}

// NewGetOnlineUsers builds the presence roster request.
func NewGetOnlineUsers() (Frame, error) {
	return Encode(TypeGetOnlineUsers, nil)
}

// NewPing builds a heartbeat frame.
func NewPing(userID string, at time.Time) (Frame, error) {
	return Encode(TypePing, Ping{UserID: userID, Timestamp: at.UnixMilli()})
}

// NewSendMessage announces a confirmed message to other participants.
func NewSendMessage(msg message.Message, conversationID, fromUserID string) (Frame, error) {
	return Encode(TypeSendMessage, MessagePayload{Message: msg, ConversationID: conversationID, FromUserID: fromUserID})
}

// NewMessageEdited announces an edit.
func NewMessageEdited(msg message.Message, conversationID, fromUserID string) (Frame, error) {
	return Encode(TypeMessageEdited, MessagePayload{Message: msg, ConversationID: conversationID, FromUserID: fromUserID})
}

// NewDeleteMessage announces a deletion.
func NewDeleteMessage(messageID, conversationID, fromUserID string) (Frame, error) {
	return Encode(TypeDeleteMessage, DeletePayload{MessageID: messageID, ConversationID: conversationID, FromUserID: fromUserID})
}

// NewTyping announces that the local user is typing.
func NewTyping(fromUserID, conversationID string) (Frame, error) {
	return Encode(TypeTyping, TypingPayload{FromUserID: fromUserID, ConversationID: conversationID})
}

// NewStopTyping announces that the local user stopped typing.
func NewStopTyping(fromUserID, conversationID string) (Frame, error) {
	return Encode(TypeStopTyping, TypingPayload{FromUserID: fromUserID, ConversationID: conversationID})
}
