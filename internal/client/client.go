// Package client is the per-tab messaging session. It applies user
// actions optimistically to the message store, confirms them through the
// HTTP collaborator, announces them on the socket and merges inbound
// frames into the same store.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	// DefaultTypingInterval is the minimum spacing of outbound TYPING frames
	// per conversation.
	DefaultTypingInterval = 2 * time.Second
	// DefaultResyncTimeout bounds the history fetch after a reconnect.
	DefaultResyncTimeout = 15 * time.Second
)

// Option customizes a Client.
type Option func(*Client)

// WithUploader enables SendMedia.
func WithUploader(u Uploader) Option {
	return func(c *Client) {
		c.uploader = u
	}
}

// WithStore uses an existing store.
func WithStore(s *message.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithTypingInterval sets the minimum spacing of TYPING frames.
func WithTypingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.typingInterval = d
		}
	}
}

// Summary is a conversation list entry.
type Summary struct {
	ConversationID string
	Last           message.Message
	Preview        string
}

type typingState struct {
	limiter *rate.Limiter
	active  bool
}

// Client is one tab's messaging session.
type Client struct {
	conn     Conn
	api      API
	prefs    Prefs
	uploader Uploader
	store    *message.Store
	clock    clock.Clock
	logger   *slog.Logger

	typingInterval time.Duration

	mu            sync.Mutex
	drafts        map[string]string
	typing        map[string]*typingState
	unsubs        []func()
	connected     bool
	resyncing     bool
	resyncPending bool

	resyncs    sync.WaitGroup
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// New creates a client. prefs may be nil when nothing is persisted.
func New(conn Conn, api API, prefs Prefs, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:           conn,
		api:            api,
		prefs:          prefs,
		clock:          clock.Real(),
		logger:         logger,
		typingInterval: DefaultTypingInterval,
		drafts:         make(map[string]string),
		typing:         make(map[string]*typingState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = message.NewStore(message.WithLogger(logger))
	}
	c.stopCtx, c.stopCancel = context.WithCancel(context.Background())
	return c
}

// Store returns the message store.
func (c *Client) Store() *message.Store {
	return c.store
}

// Start restores persisted state, subscribes to the socket and reopens
// the last selected conversation.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.unsubs = append(c.unsubs,
		c.conn.OnFrame(c.handleFrame),
		c.conn.OnStatus(c.handleStatus),
	)
	c.mu.Unlock()

	if c.prefs == nil {
		return nil
	}
	ids, err := c.prefs.PurgedIDs(ctx)
	if err != nil {
		return fmt.Errorf("load purged ids: %w", err)
	}
	c.store.RestorePurged(ids...)

	last, err := c.prefs.LastSelected(ctx)
	if err != nil {
		return fmt.Errorf("load last selected conversation: %w", err)
	}
	if last != "" {
		if err := c.Open(ctx, last); err != nil {
			c.logger.Warn("reopen last conversation failed", "conversation_id", last, "error", err)
		}
	}
	return nil
}

// Stop unsubscribes from the socket and waits for an in-flight resync.
func (c *Client) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.stopCancel()
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	c.resyncs.Wait()
}

// Open makes conversationID the active conversation and merges its history.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	c.store.SetActive(conversationID)
	if c.prefs != nil {
		if err := c.prefs.SetLastSelected(ctx, conversationID); err != nil {
			c.logger.Warn("persist last selected conversation failed", "conversation_id", conversationID, "error", err)
		}
	}
	if err := c.fetchHistory(ctx, conversationID); err != nil {
		return &ActionError{Op: "open", ConversationID: conversationID, Err: err}
	}
	return nil
}

func (c *Client) fetchHistory(ctx context.Context, conversationID string) error {
	msgs, err := c.api.History(ctx, conversationID)
	if err != nil {
		return err
	}
	added := c.store.Load(conversationID, msgs)
	c.logger.Debug("history merged", "conversation_id", conversationID, "fetched", len(msgs), "added", added)
	return nil
}

// Messages returns the visible messages of a conversation.
func (c *Client) Messages(conversationID string) []message.Message {
	return c.store.Messages(conversationID)
}

// Conversations returns summaries ordered by last activity, newest first.
func (c *Client) Conversations() []Summary {
	ids := c.store.Conversations()
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		last, ok := c.store.LastMessage(id)
		if !ok {
			continue
		}
		out = append(out, Summary{ConversationID: id, Last: last, Preview: last.Preview()})
	}
	return out
}

// SetDraft stores the unsent text of a conversation.
func (c *Client) SetDraft(conversationID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text == "" {
		delete(c.drafts, conversationID)
		return
	}
	c.drafts[conversationID] = text
}

// Draft returns the unsent text of a conversation.
func (c *Client) Draft(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drafts[conversationID]
}

// SendMessage shows text immediately as a SENDING message, confirms it
// with the server and announces it on the socket. On failure the
// optimistic message is removed and the draft restored.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (message.Message, error) {
	if strings.TrimSpace(text) == "" {
		return message.Message{}, &ActionError{Op: "send", ConversationID: conversationID, Err: ErrEmptyMessage}
	}
	temp := c.optimistic(conversationID, text, nil)
	return c.confirmSend(ctx, temp, func(ctx context.Context) (message.Outgoing, error) {
		return message.Outgoing{LocalID: temp.ID, Text: text}, nil
	})
}

// SendMedia uploads r and sends it with an optional caption. The
// optimistic message is shown while the upload runs.
func (c *Client) SendMedia(ctx context.Context, conversationID, name string, r io.Reader, caption string) (message.Message, error) {
	if c.uploader == nil {
		return message.Message{}, &ActionError{Op: "send media", ConversationID: conversationID, Err: ErrNoUploader}
	}
	temp := c.optimistic(conversationID, caption, &message.MediaRef{Name: name})
	return c.confirmSend(ctx, temp, func(ctx context.Context) (message.Outgoing, error) {
		url, err := c.uploader.Upload(ctx, name, r)
		if err != nil {
			return message.Outgoing{}, fmt.Errorf("upload %s: %w", name, err)
		}
		return message.Outgoing{LocalID: temp.ID, Text: caption, Media: &message.MediaRef{URL: url, Name: name}}, nil
	})
}

func (c *Client) optimistic(conversationID, text string, media *message.MediaRef) message.Message {
	id := message.NewTempID()
	temp := message.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       c.conn.UserID(),
		Text:           text,
		Media:          media,
		Timestamp:      c.clock.Now().UTC(),
		Status:         message.StatusSending,
		LocalID:        id,
	}
	c.SetDraft(conversationID, "")
	c.store.Append(conversationID, temp)
	c.StopTyping(conversationID)
	return temp
}

func (c *Client) confirmSend(ctx context.Context, temp message.Message, prepare func(context.Context) (message.Outgoing, error)) (message.Message, error) {
	conversationID := temp.ConversationID
	rollback := func(err error) (message.Message, error) {
		c.store.Remove(conversationID, temp.ID)
		c.SetDraft(conversationID, temp.Text)
		c.logger.Warn("send failed, optimistic message removed", "conversation_id", conversationID, "message_id", temp.ID, "error", err)
		return message.Message{}, &ActionError{Op: "send", ConversationID: conversationID, MessageID: temp.ID, Err: err}
	}

	out, err := prepare(ctx)
	if err != nil {
		return rollback(err)
	}
	server, err := c.api.Send(ctx, conversationID, out)
	if err != nil {
		return rollback(err)
	}
	if server.ID == "" {
		return rollback(message.ErrInvalidMessage)
	}
	if server.ConversationID == "" {
		server.ConversationID = conversationID
	}
	if server.SenderID == "" {
		server.SenderID = temp.SenderID
	}
	if server.LocalID == "" {
		server.LocalID = temp.ID
	}

	err = c.store.ReplaceOptimistic(conversationID, temp.ID, server)
	switch {
	case err == nil, errors.Is(err, message.ErrAlreadyReconciled):
	case errors.Is(err, message.ErrNotFound):
		c.store.Append(conversationID, server)
	default:
		c.logger.Warn("reconcile sent message", "conversation_id", conversationID, "message_id", server.ID, "error", err)
	}
	if confirmed, ok := c.store.Get(conversationID, server.ID); ok {
		server = confirmed
	}

	c.announce(protocol.NewSendMessage(server, conversationID, c.conn.UserID()))
	return server, nil
}

// EditMessage changes the text of an own confirmed message. The edit is
// shown immediately and reverted if the server rejects it.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, text string) (message.Message, error) {
	fail := func(err error) (message.Message, error) {
		return message.Message{}, &ActionError{Op: "edit", ConversationID: conversationID, MessageID: messageID, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return fail(ErrEmptyMessage)
	}
	original, err := c.ownConfirmed(conversationID, messageID)
	if err != nil {
		return fail(err)
	}

	edited := original
	edited.Text = text
	edited.Timestamp = time.Time{}
	c.store.ApplyEdit(conversationID, edited)

	server, err := c.api.Edit(ctx, conversationID, messageID, text)
	if err != nil {
		c.store.ApplyEdit(conversationID, original)
		c.logger.Warn("edit failed, reverted", "conversation_id", conversationID, "message_id", messageID, "error", err)
		return fail(err)
	}
	if server.ID == "" {
		server = edited
		server.ID = messageID
	}
	c.store.ApplyEdit(conversationID, server)
	if current, ok := c.store.Get(conversationID, messageID); ok {
		server = current
	}

	c.announce(protocol.NewMessageEdited(server, conversationID, c.conn.UserID()))
	return server, nil
}

// DeleteMessage deletes an own message on the server, then tombstones it.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := c.ownConfirmed(conversationID, messageID); err != nil {
		return &ActionError{Op: "delete", ConversationID: conversationID, MessageID: messageID, Err: err}
	}
	if err := c.api.Delete(ctx, conversationID, messageID); err != nil {
		return &ActionError{Op: "delete", ConversationID: conversationID, MessageID: messageID, Err: err}
	}
	c.store.MarkDeleted(conversationID, messageID, c.clock.Now().UTC())
	c.announce(protocol.NewDeleteMessage(messageID, conversationID, c.conn.UserID()))
	return nil
}

// PurgeMessage hides a tombstone from this user's view for good.
func (c *Client) PurgeMessage(ctx context.Context, conversationID, messageID string) error {
	if err := c.store.Purge(conversationID, messageID); err != nil {
		return &ActionError{Op: "purge", ConversationID: conversationID, MessageID: messageID, Err: err}
	}
	if c.prefs != nil {
		if err := c.prefs.AddPurged(ctx, messageID); err != nil {
			c.logger.Warn("persist purged id failed", "message_id", messageID, "error", err)
		}
	}
	return nil
}

func (c *Client) ownConfirmed(conversationID, messageID string) (message.Message, error) {
	msg, ok := c.store.Get(conversationID, messageID)
	switch {
	case !ok:
		return message.Message{}, message.ErrNotFound
	case msg.Deleted():
		return message.Message{}, ErrDeleted
	case msg.Status == message.StatusSending || message.IsTemp(msg.ID):
		return message.Message{}, ErrPending
	case msg.SenderID != c.conn.UserID():
		return message.Message{}, ErrNotOwner
	}
	return msg, nil
}

// NotifyTyping announces typing in a conversation, at most once per
// typing interval.
func (c *Client) NotifyTyping(conversationID string) {
	c.mu.Lock()
	st := c.typing[conversationID]
	if st == nil {
		st = &typingState{limiter: rate.NewLimiter(rate.Every(c.typingInterval), 1)}
		c.typing[conversationID] = st
	}
	allowed := st.limiter.AllowN(c.clock.Now(), 1)
	if allowed {
		st.active = true
	}
	c.mu.Unlock()

	if allowed {
		c.announce(protocol.NewTyping(c.conn.UserID(), conversationID))
	}
}

// StopTyping announces that typing stopped, if it was announced.
func (c *Client) StopTyping(conversationID string) {
	c.mu.Lock()
	st := c.typing[conversationID]
	wasActive := st != nil && st.active
	if wasActive {
		st.active = false
	}
	c.mu.Unlock()

	if wasActive {
		c.announce(protocol.NewStopTyping(c.conn.UserID(), conversationID))
	}
}

func (c *Client) announce(frame protocol.Frame, err error) {
	if err != nil {
		c.logger.Warn("encode frame failed", "error", err)
		return
	}
	if err := c.conn.Send(frame); err != nil {
		c.logger.Warn("send frame failed", "type", frame.Type, "error", err)
	}
}

func (c *Client) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeSendMessage, protocol.TypeMessageReceived:
		var p protocol.MessagePayload
		if err := frame.Payload(&p); err != nil {
			c.logger.Warn("bad message frame", "error", err)
			return
		}
		c.store.Append(p.Conversation(), p.Message)
	case protocol.TypeMessageEdited:
		var p protocol.MessagePayload
		if err := frame.Payload(&p); err != nil {
			c.logger.Warn("bad edit frame", "error", err)
			return
		}
		c.store.ApplyEdit(p.Conversation(), p.Message)
	case protocol.TypeDeleteMessage:
		var p protocol.DeletePayload
		if err := frame.Payload(&p); err != nil {
			c.logger.Warn("bad delete frame", "error", err)
			return
		}
		at := c.clock.Now().UTC()
		if p.DeletedAt != nil {
			at = *p.DeletedAt
		}
		c.store.MarkDeleted(p.ConversationID, p.MessageID, at)
	case protocol.TypeReadReceipt, protocol.TypeMessageDelivered:
		var p protocol.ReceiptPayload
		if err := frame.Payload(&p); err != nil {
			c.logger.Warn("bad receipt frame", "error", err)
			return
		}
		status := message.StatusDelivered
		if frame.Type == protocol.TypeReadReceipt {
			status = message.StatusRead
		}
		for _, id := range p.IDs() {
			c.store.MarkStatus(p.ConversationID, id, status)
		}
	}
}

// handleStatus schedules a history resync on every reconnect. The fetch
// runs off the status dispatcher; reconnects during a fetch collapse
// into one follow-up.
func (c *Client) handleStatus(t connection.Transition) {
	if t.Session.Status != connection.StatusConnected {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	reconnected := c.connected
	c.connected = true
	if !reconnected || c.stopCtx.Err() != nil {
		return
	}
	if c.resyncing {
		c.resyncPending = true
		return
	}
	c.resyncing = true
	c.resyncs.Add(1)
	go c.resyncLoop()
}

func (c *Client) resyncLoop() {
	defer c.resyncs.Done()
	for {
		c.resync()
		c.mu.Lock()
		if !c.resyncPending || c.stopCtx.Err() != nil {
			c.resyncing = false
			c.resyncPending = false
			c.mu.Unlock()
			return
		}
		c.resyncPending = false
		c.mu.Unlock()
	}
}

func (c *Client) resync() {
	active := c.store.Active()
	if active == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.stopCtx, DefaultResyncTimeout)
	defer cancel()
	if err := c.fetchHistory(ctx, active); err != nil {
		c.logger.Warn("resync after reconnect failed", "conversation_id", active, "error", err)
	}
}
