package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/connection"
	"github.com/rpggio/parley/internal/dispatch"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/protocol"
	"github.com/rpggio/parley/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames   *dispatch.Dispatcher[protocol.Frame]
	statuses *dispatch.Dispatcher[connection.Transition]

	mu   sync.Mutex
	sent []protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:   dispatch.New[protocol.Frame]("frames", nil),
		statuses: dispatch.New[connection.Transition]("status", nil),
	}
}

func (c *fakeConn) UserID() string { return "me" }

func (c *fakeConn) Send(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) OnFrame(fn func(protocol.Frame)) func() { return c.frames.Subscribe(fn) }

func (c *fakeConn) OnStatus(fn func(connection.Transition)) func() { return c.statuses.Subscribe(fn) }

func (c *fakeConn) push(t *testing.T, raw string) {
	t.Helper()
	frame, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	c.frames.Publish(frame)
}

func (c *fakeConn) sentTypes() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, 0, len(c.sent))
	for _, f := range c.sent {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) lastSent(t *testing.T) protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

type fixture struct {
	client   *Client
	conn     *fakeConn
	api      *mocks.MessageRepository
	prefs    *mocks.PrefsRepository
	uploader *mocks.UploadRepository
	clock    *clock.Fake
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn:     newFakeConn(),
		api:      &mocks.MessageRepository{},
		prefs:    &mocks.PrefsRepository{},
		uploader: &mocks.UploadRepository{},
		clock:    clock.NewFake(t0),
	}
	f.client = New(f.conn, f.api, f.prefs, nil, WithUploader(f.uploader), WithClock(f.clock))
	f.prefs.On("PurgedIDs", mock.Anything).Return([]string(nil), nil).Maybe()
	f.prefs.On("LastSelected", mock.Anything).Return("", nil).Maybe()
	require.NoError(t, f.client.Start(context.Background()))
	t.Cleanup(func() {
		f.client.Stop()
		f.api.AssertExpectations(t)
		f.uploader.AssertExpectations(t)
	})
	return f
}

func (f *fixture) seed(msgs ...message.Message) {
	for _, m := range msgs {
		f.client.Store().Append(m.ConversationID, m)
	}
}

func TestSendMessage_OptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t)
	f.client.SetDraft("c1", "hello")

	var tempID string
	f.api.On("Send", mock.Anything, "c1", mock.AnythingOfType("message.Outgoing")).
		Run(func(args mock.Arguments) {
			out := args.Get(2).(message.Outgoing)
			tempID = out.LocalID
			require.True(t, message.IsTemp(tempID))
			require.Equal(t, "hello", out.Text)

			msgs := f.client.Messages("c1")
			require.Len(t, msgs, 1)
			require.Equal(t, tempID, msgs[0].ID)
			require.Equal(t, message.StatusSending, msgs[0].Status)
			require.Empty(t, f.client.Draft("c1"))
		}).
		Return(message.Message{ID: "m2", Text: "hello", Timestamp: t0, Status: message.StatusSent}, nil).
		Once()

	got, err := f.client.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	require.Equal(t, "m2", got.ID)
	require.Equal(t, "me", got.SenderID)

	msgs := f.client.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, tempID, msgs[0].LocalID)

	frame := f.conn.lastSent(t)
	require.Equal(t, protocol.TypeSendMessage, frame.Type)
	var p protocol.MessagePayload
	require.NoError(t, frame.Payload(&p))
	require.Equal(t, "c1", p.ConversationID)
	require.Equal(t, "me", p.FromUserID)
	require.Equal(t, "m2", p.Message.ID)
}

func TestSendMessage_FailureRestoresDraft(t *testing.T) {
	f := newFixture(t)
	f.client.SetDraft("c1", "hello")

	boom := errors.New("503 service unavailable")
	f.api.On("Send", mock.Anything, "c1", mock.Anything).Return(nil, boom).Once()

	_, err := f.client.SendMessage(context.Background(), "c1", "hello")
	require.ErrorIs(t, err, boom)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "send", actionErr.Op)
	require.True(t, message.IsTemp(actionErr.MessageID))

	require.Empty(t, f.client.Messages("c1"))
	require.Equal(t, "hello", f.client.Draft("c1"))
	require.NotContains(t, f.conn.sentTypes(), protocol.TypeSendMessage)
}

func TestSendMessage_EchoWithLocalIDBeforeResponse(t *testing.T) {
	f := newFixture(t)

	f.api.On("Send", mock.Anything, "c1", mock.Anything).
		Run(func(args mock.Arguments) {
			tempID := args.Get(2).(message.Outgoing).LocalID
			f.conn.push(t, `{"type":"MESSAGE_RECEIVED","message":{"id":"m2","senderId":"me","text":"hi","timestamp":"2025-06-01T10:00:00Z","status":"SENT","localId":"`+tempID+`"},"conversationId":"c1"}`)
			require.Len(t, f.client.Messages("c1"), 1)
		}).
		Return(message.Message{ID: "m2", Text: "hi", Timestamp: t0}, nil).
		Once()

	_, err := f.client.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)

	msgs := f.client.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
}

func TestSendMessage_EchoWithoutLocalIDBeforeResponse(t *testing.T) {
	f := newFixture(t)

	f.api.On("Send", mock.Anything, "c1", mock.Anything).
		Run(func(mock.Arguments) {
			f.conn.push(t, `{"type":"SEND_MESSAGE","message":{"id":"m2","senderId":"me","text":"hi","timestamp":"2025-06-01T10:00:00Z"},"conversationId":"c1"}`)
			require.Len(t, f.client.Messages("c1"), 2)
		}).
		Return(message.Message{ID: "m2", Text: "hi", Timestamp: t0}, nil).
		Once()

	_, err := f.client.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)

	msgs := f.client.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
}

func TestSendMessage_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.SendMessage(context.Background(), "c1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, f.client.Messages("c1"))
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t)

	f.uploader.On("Upload", mock.Anything, "cat.png", mock.Anything).
		Run(func(mock.Arguments) {
			msgs := f.client.Messages("c1")
			require.Len(t, msgs, 1)
			require.Equal(t, "cat.png", msgs[0].Preview())
		}).
		Return("https://cdn/cat.png", nil).Once()
	f.api.On("Send", mock.Anything, "c1", mock.MatchedBy(func(out message.Outgoing) bool {
		return out.Media != nil && out.Media.URL == "https://cdn/cat.png" && out.Text == "look"
	})).Return(message.Message{
		ID:        "m9",
		Text:      "look",
		Media:     &message.MediaRef{URL: "https://cdn/cat.png", Name: "cat.png"},
		Timestamp: t0,
	}, nil).Once()

	got, err := f.client.SendMedia(context.Background(), "c1", "cat.png", strings.NewReader("png"), "look")
	require.NoError(t, err)
	require.Equal(t, "m9", got.ID)
	require.Len(t, f.client.Messages("c1"), 1)
}

func TestSendMedia_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.uploader.On("Upload", mock.Anything, "cat.png", mock.Anything).Return("", errors.New("too large")).Once()

	_, err := f.client.SendMedia(context.Background(), "c1", "cat.png", strings.NewReader("png"), "look")
	require.ErrorContains(t, err, "too large")
	require.Empty(t, f.client.Messages("c1"))
	require.Equal(t, "look", f.client.Draft("c1"))
	f.api.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMedia_WithoutUploader(t *testing.T) {
	c := New(newFakeConn(), &mocks.MessageRepository{}, nil, nil)
	_, err := c.SendMedia(context.Background(), "c1", "a", strings.NewReader(""), "")
	require.ErrorIs(t, err, ErrNoUploader)
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(
		message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "helo", Timestamp: t0},
		message.Message{ID: "m2", ConversationID: "c1", SenderID: "bo", Text: "hey", Timestamp: t0.Add(time.Second)},
	)

	f.api.On("Edit", mock.Anything, "c1", "m1", "hello").
		Run(func(mock.Arguments) {
			got, _ := f.client.Store().Get("c1", "m1")
			require.Equal(t, "hello", got.Text)
		}).
		Return(message.Message{ID: "m1", Text: "hello", Timestamp: t0}, nil).Once()

	got, err := f.client.EditMessage(context.Background(), "c1", "m1", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Text)
	require.Equal(t, protocol.TypeMessageEdited, f.conn.lastSent(t).Type)

	_, err = f.client.EditMessage(context.Background(), "c1", "m2", "mine now")
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = f.client.EditMessage(context.Background(), "c1", "nope", "x")
	require.ErrorIs(t, err, message.ErrNotFound)
}

func TestEditMessage_FailureReverts(t *testing.T) {
	f := newFixture(t)
	f.seed(message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "before", Timestamp: t0})
	f.api.On("Edit", mock.Anything, "c1", "m1", "after").Return(nil, errors.New("forbidden")).Once()

	_, err := f.client.EditMessage(context.Background(), "c1", "m1", "after")
	require.ErrorContains(t, err, "forbidden")

	got, ok := f.client.Store().Get("c1", "m1")
	require.True(t, ok)
	require.Equal(t, "before", got.Text)
	require.Equal(t, t0, got.Timestamp)
}

func TestEditMessage_PendingAndDeleted(t *testing.T) {
	f := newFixture(t)
	f.seed(
		message.Message{ID: "temp_x", ConversationID: "c1", SenderID: "me", Text: "a", Timestamp: t0, Status: message.StatusSending},
		message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "b", Timestamp: t0},
	)
	f.client.Store().MarkDeleted("c1", "m1", t0)

	_, err := f.client.EditMessage(context.Background(), "c1", "temp_x", "z")
	require.ErrorIs(t, err, ErrPending)
	_, err = f.client.EditMessage(context.Background(), "c1", "m1", "z")
	require.ErrorIs(t, err, ErrDeleted)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(
		message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "first", Timestamp: t0},
		message.Message{ID: "m2", ConversationID: "c1", SenderID: "me", Text: "second", Timestamp: t0.Add(time.Second)},
	)
	f.api.On("Delete", mock.Anything, "c1", "m2").Return(nil).Once()
	f.api.On("Delete", mock.Anything, "c1", "m1").Return(errors.New("timeout")).Once()

	require.NoError(t, f.client.DeleteMessage(context.Background(), "c1", "m2"))
	msgs := f.client.Messages("c1")
	require.Len(t, msgs, 2)
	require.Equal(t, "m2", msgs[1].ID)
	require.True(t, msgs[1].Deleted())
	require.Equal(t, protocol.TypeDeleteMessage, f.conn.lastSent(t).Type)

	summaries := f.client.Conversations()
	require.Len(t, summaries, 1)
	require.Equal(t, message.DeletedPreview, summaries[0].Preview)

	err := f.client.DeleteMessage(context.Background(), "c1", "m1")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "delete", actionErr.Op)
	got, _ := f.client.Store().Get("c1", "m1")
	require.False(t, got.Deleted())
}

func TestPurgeMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(
		message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "first", Timestamp: t0},
		message.Message{ID: "m2", ConversationID: "c1", SenderID: "bo", Text: "second", Timestamp: t0.Add(time.Second)},
	)
	f.prefs.On("AddPurged", mock.Anything, []string{"m2"}).Return(nil).Once()

	require.ErrorIs(t, f.client.PurgeMessage(context.Background(), "c1", "m2"), message.ErrNotTombstoned)

	f.client.Store().MarkDeleted("c1", "m2", t0)
	require.NoError(t, f.client.PurgeMessage(context.Background(), "c1", "m2"))

	msgs := f.client.Messages("c1")
	require.Len(t, msgs, 1)
	last, ok := f.client.Store().LastMessage("c1")
	require.True(t, ok)
	require.Equal(t, "m1", last.ID)
	f.prefs.AssertExpectations(t)
}

func TestStart_RestoresPurgedAndReopensLastConversation(t *testing.T) {
	conn := newFakeConn()
	api := &mocks.MessageRepository{}
	prefs := &mocks.PrefsRepository{}
	prefs.On("PurgedIDs", mock.Anything).Return([]string{"gone"}, nil)
	prefs.On("LastSelected", mock.Anything).Return("c7", nil)
	prefs.On("SetLastSelected", mock.Anything, "c7").Return(nil)
	api.On("History", mock.Anything, "c7").Return([]message.Message{
		{ID: "a", Text: "one", Timestamp: t0},
		{ID: "gone", Text: "", Timestamp: t0.Add(time.Second), Status: message.StatusDeleted},
		{ID: "b", Text: "two", Timestamp: t0.Add(2 * time.Second)},
	}, nil)

	c := New(conn, api, prefs, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Equal(t, "c7", c.Store().Active())
	ids := []string{}
	for _, m := range c.Messages("c7") {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"a", "b"}, ids)
	prefs.AssertExpectations(t)
	api.AssertExpectations(t)
}

func TestStart_PrefsFailure(t *testing.T) {
	prefs := &mocks.PrefsRepository{}
	prefs.On("PurgedIDs", mock.Anything).Return(nil, errors.New("locked"))
	c := New(newFakeConn(), &mocks.MessageRepository{}, prefs, nil)
	require.ErrorContains(t, c.Start(context.Background()), "locked")
}

func TestInboundFrames(t *testing.T) {
	f := newFixture(t)
	f.seed(message.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Text: "hi", Timestamp: t0})

	f.conn.push(t, `{"type":"MESSAGE_DELIVERED","messageId":"m1","conversationId":"c1"}`)
	got, _ := f.client.Store().Get("c1", "m1")
	require.Equal(t, message.StatusDelivered, got.Status)

	f.conn.push(t, `{"type":"READ_RECEIPT","messageIds":["m1"],"conversationId":"c1"}`)
	f.conn.push(t, `{"type":"MESSAGE_DELIVERED","messageId":"m1","conversationId":"c1"}`)
	got, _ = f.client.Store().Get("c1", "m1")
	require.Equal(t, message.StatusRead, got.Status)

	f.conn.push(t, `{"type":"MESSAGE_RECEIVED","message":{"id":"m3","conversationId":"c1","senderId":"bo","text":"yo","timestamp":"2025-06-01T10:00:05Z"}}`)
	f.conn.push(t, `{"type":"MESSAGE_RECEIVED","message":{"id":"m3","conversationId":"c1","senderId":"bo","text":"yo","timestamp":"2025-06-01T10:00:05Z"}}`)
	require.Len(t, f.client.Messages("c1"), 2)

	f.conn.push(t, `{"type":"MESSAGE_EDITED","message":{"id":"m3","text":"yo!"},"conversationId":"c1"}`)
	got, _ = f.client.Store().Get("c1", "m3")
	require.Equal(t, "yo!", got.Text)
	require.Equal(t, t0.Add(5*time.Second), got.Timestamp)

	f.conn.push(t, `{"type":"DELETE_MESSAGE","messageId":"m3","conversationId":"c1"}`)
	got, _ = f.client.Store().Get("c1", "m3")
	require.True(t, got.Deleted())
	require.Equal(t, t0, *got.DeletedAt)

	f.conn.push(t, `{"type":"MESSAGE_EDITED","message":{"id":"m3","text":"back"},"conversationId":"c1"}`)
	got, _ = f.client.Store().Get("c1", "m3")
	require.Empty(t, got.Text)

	f.conn.push(t, `{"type":"SOMETHING_NEW","a":1}`)
	f.conn.push(t, `{"type":"MESSAGE_RECEIVED","message":"bad"}`)
	require.Len(t, f.client.Messages("c1"), 2)
}

func TestTypingThrottle(t *testing.T) {
	f := newFixture(t)

	f.client.NotifyTyping("c1")
	f.client.NotifyTyping("c1")
	f.client.NotifyTyping("c1")
	require.Equal(t, []protocol.Type{protocol.TypeTyping}, f.conn.sentTypes())

	f.clock.Advance(DefaultTypingInterval)
	f.client.NotifyTyping("c1")
	f.client.NotifyTyping("c2")
	require.Equal(t, []protocol.Type{protocol.TypeTyping, protocol.TypeTyping, protocol.TypeTyping}, f.conn.sentTypes())

	f.client.StopTyping("c1")
	f.client.StopTyping("c1")
	f.client.StopTyping("c3")
	require.Equal(t, protocol.TypeStopTyping, f.conn.lastSent(t).Type)
	require.Len(t, f.conn.sentTypes(), 4)
}

func TestResyncAfterReconnect(t *testing.T) {
	f := newFixture(t)
	f.prefs.On("SetLastSelected", mock.Anything, "c1").Return(nil)
	f.api.On("History", mock.Anything, "c1").Return([]message.Message{{ID: "m1", Text: "a", Timestamp: t0}}, nil).Once()
	require.NoError(t, f.client.Open(context.Background(), "c1"))

	connected := connection.Session{Status: connection.StatusConnected}
	f.conn.statuses.Publish(connection.Transition{From: connection.StatusConnecting, Session: connected})
	f.api.AssertNumberOfCalls(t, "History", 1)

	f.api.On("History", mock.Anything, "c1").Return([]message.Message{
		{ID: "m1", Text: "a", Timestamp: t0},
		{ID: "m2", Text: "missed", Timestamp: t0.Add(time.Minute)},
	}, nil).Once()
	f.conn.statuses.Publish(connection.Transition{From: connection.StatusReconnecting, Session: connection.Session{Status: connection.StatusReconnecting, Attempt: 1}})
	f.conn.statuses.Publish(connection.Transition{From: connection.StatusConnecting, Session: connected})

	require.Eventually(t, func() bool {
		return len(f.client.Messages("c1")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	f.client.Stop()
	f.api.AssertNumberOfCalls(t, "History", 2)
}

func TestResyncRunsOffStatusDispatcherAndCollapses(t *testing.T) {
	f := newFixture(t)
	f.prefs.On("SetLastSelected", mock.Anything, "c1").Return(nil)
	f.api.On("History", mock.Anything, "c1").Return([]message.Message{{ID: "m1", Text: "a", Timestamp: t0}}, nil).Once()
	require.NoError(t, f.client.Open(context.Background(), "c1"))

	connected := connection.Transition{From: connection.StatusConnecting, Session: connection.Session{Status: connection.StatusConnected}}
	f.conn.statuses.Publish(connected)

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	f.api.On("History", mock.Anything, "c1").Run(func(mock.Arguments) {
		entered <- struct{}{}
		<-release
	}).Return([]message.Message{{ID: "m1", Text: "a", Timestamp: t0}}, nil).Twice()

	returned := make(chan struct{})
	go func() {
		f.conn.statuses.Publish(connected)
		f.conn.statuses.Publish(connected)
		f.conn.statuses.Publish(connected)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("status dispatch blocked on resync")
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("resync not started")
	}
	close(release)

	require.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return !f.client.resyncing
	}, 2*time.Second, 5*time.Millisecond)
	f.client.Stop()
	f.api.AssertNumberOfCalls(t, "History", 3)
}

func TestConversationsOrderedByLastMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(
		message.Message{ID: "a1", ConversationID: "a", Text: "old", Timestamp: t0},
		message.Message{ID: "b1", ConversationID: "b", Text: "new", Timestamp: t0.Add(time.Hour)},
	)
	summaries := f.client.Conversations()
	require.Len(t, summaries, 2)
	require.Equal(t, "b", summaries[0].ConversationID)
	require.Equal(t, "new", summaries[0].Preview)
	require.Equal(t, "a", summaries[1].ConversationID)
}
