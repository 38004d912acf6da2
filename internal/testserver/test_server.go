// Package testserver runs an in-process chat server for tests: a
// websocket endpoint speaking the frame protocol and the message HTTP API.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/protocol"
	"github.com/stretchr/testify/require"
)

// SocketPath is where the websocket endpoint is mounted.
const SocketPath = "/ws"

type TestServer struct {
	Server *httptest.Server
	Token  string

	upgrader websocket.Upgrader
	frames   chan protocol.Frame

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	online   []string
	messages map[string][]message.Message
	dials    int
	reject   bool
}

// New starts a server that accepts token and stops it on cleanup.
func New(t *testing.T, token string) *TestServer {
	t.Helper()

	ts := &TestServer{
		Token:    token,
		frames:   make(chan protocol.Frame, 256),
		conns:    make(map[*websocket.Conn]struct{}),
		messages: make(map[string][]message.Message),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SocketPath, ts.handleSocket)
	mux.HandleFunc("GET /api/conversations/{id}/messages", ts.authorized(ts.handleHistory))
	mux.HandleFunc("POST /api/conversations/{id}/messages", ts.authorized(ts.handleCreate))
	mux.HandleFunc("DELETE /api/conversations/{id}/messages/{mid}", ts.authorized(ts.handleDelete))

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.CloseAll(websocket.CloseGoingAway)
		ts.Server.Close()
	})
	return ts
}

// URL returns the http origin of the server.
func (ts *TestServer) URL() string {
	return ts.Server.URL
}

// SetOnline sets the ids answered to GET_ONLINE_USERS.
func (ts *TestServer) SetOnline(ids ...string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.online = append([]string(nil), ids...)
}

// RejectSockets makes subsequent handshakes fail with 401 regardless of token.
func (ts *TestServer) RejectSockets(reject bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.reject = reject
}

// Seed stores history for a conversation.
func (ts *TestServer) Seed(conversationID string, msgs ...message.Message) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.messages[conversationID] = append(ts.messages[conversationID], msgs...)
}

// Dials returns how many sockets were accepted.
func (ts *TestServer) Dials() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.dials
}

// Connected returns how many sockets are open.
func (ts *TestServer) Connected() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// Push writes frame to every open socket.
func (ts *TestServer) Push(t *testing.T, frame protocol.Frame) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for c := range ts.conns {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, frame.Bytes()))
	}
}

// CloseAll closes every open socket with code.
func (ts *TestServer) CloseAll(code int) {
	ts.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(ts.conns))
	for c := range ts.conns {
		conns = append(conns, c)
	}
	ts.conns = make(map[*websocket.Conn]struct{})
	ts.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		_ = c.Close()
	}
}

// Next returns the next frame a client sent, failing after timeout.
func (ts *TestServer) Next(t *testing.T, timeout time.Duration) protocol.Frame {
	t.Helper()
	select {
	case f := <-ts.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame received within %s", timeout)
		return protocol.Frame{}
	}
}

// NextOf skips frames until one of type typ arrives.
func (ts *TestServer) NextOf(t *testing.T, typ protocol.Type, timeout time.Duration) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no %s frame received within %s", typ, timeout)
		}
		if f := ts.Next(t, remaining); f.Type == typ {
			return f
		}
	}
}

func (ts *TestServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	reject := ts.reject
	ts.mu.Unlock()
	if reject || r.URL.Query().Get("token") != ts.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns[c] = struct{}{}
	ts.dials++
	ts.mu.Unlock()

	go ts.readLoop(c)
}

func (ts *TestServer) readLoop(c *websocket.Conn) {
	defer func() {
		ts.mu.Lock()
		delete(ts.conns, c)
		ts.mu.Unlock()
		_ = c.Close()
	}()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		select {
		case ts.frames <- f:
		default:
		}
		if reply, ok := ts.reply(f); ok {
			ts.mu.Lock()
			_ = c.WriteMessage(websocket.TextMessage, reply.Bytes())
			ts.mu.Unlock()
		}
	}
}

func (ts *TestServer) reply(f protocol.Frame) (protocol.Frame, bool) {
	var out protocol.Frame
	var err error
	switch f.Type {
	case protocol.TypePing:
		out, err = protocol.Encode(protocol.TypePong, map[string]any{})
	case protocol.TypeGetOnlineUsers:
		ts.mu.Lock()
		users := append([]string{}, ts.online...)
		ts.mu.Unlock()
		out, err = protocol.Encode(protocol.TypeOnlineUsers, map[string]any{"users": users})
	default:
		return protocol.Frame{}, false
	}
	return out, err == nil
}

func (ts *TestServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token != ts.Token {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (ts *TestServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	msgs := append([]message.Message{}, ts.messages[r.PathValue("id")]...)
	ts.mu.Unlock()
	writeData(w, http.StatusOK, msgs)
}

func (ts *TestServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in message.Outgoing
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	conv := r.PathValue("id")
	msg := message.Message{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Text:           in.Text,
		Media:          in.Media,
		Timestamp:      time.Now().UTC(),
		Status:         message.StatusSent,
		LocalID:        in.LocalID,
	}
	ts.mu.Lock()
	ts.messages[conv] = append(ts.messages[conv], msg)
	ts.mu.Unlock()
	writeData(w, http.StatusCreated, msg)
}

func (ts *TestServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	conv, id := r.PathValue("id"), r.PathValue("mid")
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, m := range ts.messages[conv] {
		if m.ID == id {
			ts.messages[conv] = append(ts.messages[conv][:i:i], ts.messages[conv][i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, "message not found", http.StatusNotFound)
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}
