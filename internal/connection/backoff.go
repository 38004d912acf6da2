package connection

import (
	"math"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 2s growing by 1.5x up to 15s, for at most 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        2 * time.Second,
		Factor:      1.5,
		Max:         15 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt. Attempts start at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt is past the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

// ShouldReconnect reports whether a close with code warrants a retry.
// Normal closure, going away and "no status" come from deliberate closes.
func ShouldReconnect(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return false
	default:
		return true
	}
}
