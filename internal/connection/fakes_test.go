package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}

	mu        sync.Mutex
	once      sync.Once
	readErr   error
	written   []protocol.Frame
	closeCode int
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{}), closeCode: -1}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closeCode == -1 {
		c.closeCode = code
	}
	c.mu.Unlock()
	c.finish(ErrClosed)
	return nil
}

func (c *fakeConn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// remoteClose simulates the server closing with code.
func (c *fakeConn) remoteClose(code int) {
	c.finish(&websocket.CloseError{Code: code})
}

// drop simulates a network failure without a close frame.
func (c *fakeConn) drop() {
	c.finish(errors.New("read tcp: connection reset by peer"))
}

func (c *fakeConn) push(raw string) {
	c.inbound <- []byte(raw)
}

func (c *fakeConn) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, 0, len(c.written))
	for _, f := range c.written {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	errs  []error
	fail  error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	} else if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) failAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var testCreds = Credentials{Token: "tok", UserID: "me", UserName: "Me", UserEmail: "me@example.com"}

func newTestManager(t *testing.T, creds Credentials, opts ...Option) (*Manager, *fakeDialer, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	d := &fakeDialer{}
	cfg := Config{
		Target:      Target{Origin: "https://chat.example.com", Path: "/ws"},
		Credentials: creds,
	}
	m := NewManager(cfg, d, nil, append([]Option{WithClock(clk)}, opts...)...)
	t.Cleanup(m.Disconnect)
	return m, d, clk
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Session().Status == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
}
