package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/dispatch"
)

// DefaultTypingTTL bounds how long a typing indicator survives without a
// fresh typing event.
const DefaultTypingTTL = 5 * time.Second

// OnlineUser is an entry of the server's presence roster.
type OnlineUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ChangeKind names what changed in the registry.
type ChangeKind string

const (
	ChangeOnline ChangeKind = "online"
	ChangeTyping ChangeKind = "typing"
)

// Change is published after the roster or a typing set changes.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Online         []OnlineUser
	Typing         []string
}

// Registry tracks online users and per-conversation typing users.
type Registry struct {
	clock   clock.Clock
	ttl     time.Duration
	changes *dispatch.Dispatcher[Change]

	mu     sync.Mutex
	online map[string]OnlineUser
	typing map[string]map[string]*typingEntry
}

type typingEntry struct {
	expires time.Time
	timer   clock.Timer
}

// NewRegistry creates a registry. A non-positive ttl selects DefaultTypingTTL.
func NewRegistry(clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Registry{
		clock:   clk,
		ttl:     ttl,
		changes: dispatch.New[Change]("presence", logger),
		online:  make(map[string]OnlineUser),
		typing:  make(map[string]map[string]*typingEntry),
	}
}

// Subscribe registers fn for registry changes.
func (r *Registry) Subscribe(fn func(Change)) func() {
	return r.changes.Subscribe(fn)
}

// SetOnline replaces the roster.
func (r *Registry) SetOnline(users []OnlineUser) {
	r.mu.Lock()
	r.online = make(map[string]OnlineUser, len(users))
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		r.online[u.UserID] = u
	}
	online := r.onlineLocked()
	r.mu.Unlock()

	r.changes.Publish(Change{Kind: ChangeOnline, Online: online})
}

// Online returns the roster sorted by user id.
func (r *Registry) Online() []OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// IsOnline reports whether userID is in the roster.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[userID]
	return ok
}

func (r *Registry) onlineLocked() []OnlineUser {
	out := make([]OnlineUser, 0, len(r.online))
	for _, u := range r.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// StartTyping records that userID is typing in the conversation. Each
// call extends the entry's expiry by the TTL. An entry that expires is
// removed and reported as a typing change.
func (r *Registry) StartTyping(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	users, ok := r.typing[conversationID]
	if !ok {
		users = make(map[string]*typingEntry)
		r.typing[conversationID] = users
	}
	e, existed := users[userID]
	if existed {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		users[userID] = e
	}
	e.expires = r.clock.Now().Add(r.ttl)
	e.timer = r.clock.AfterFunc(r.ttl, func() { r.expire(conversationID, userID, e) })
	typing := r.typingLocked(conversationID)
	r.mu.Unlock()

	if !existed {
		r.changes.Publish(Change{Kind: ChangeTyping, ConversationID: conversationID, Typing: typing})
	}
}

// StopTyping removes userID from the conversation's typing set.
func (r *Registry) StopTyping(conversationID, userID string) {
	r.mu.Lock()
	users, ok := r.typing[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e, ok := users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(r.typing, conversationID)
	}
	typing := r.typingLocked(conversationID)
	r.mu.Unlock()

	r.changes.Publish(Change{Kind: ChangeTyping, ConversationID: conversationID, Typing: typing})
}

// Typing returns the users currently typing in a conversation, sorted.
func (r *Registry) Typing(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingLocked(conversationID)
}

// Clear drops all presence state, used when the session ends.
func (r *Registry) Clear() {
	r.mu.Lock()
	for _, users := range r.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	r.online = make(map[string]OnlineUser)
	r.typing = make(map[string]map[string]*typingEntry)
	r.mu.Unlock()

	r.changes.Publish(Change{Kind: ChangeOnline, Online: []OnlineUser{}})
}

func (r *Registry) expire(conversationID, userID string, e *typingEntry) {
	r.mu.Lock()
	users := r.typing[conversationID]
	if users[userID] != e || r.clock.Now().Before(e.expires) {
		r.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.typing, conversationID)
	}
	typing := r.typingLocked(conversationID)
	r.mu.Unlock()

	r.changes.Publish(Change{Kind: ChangeTyping, ConversationID: conversationID, Typing: typing})
}

// typingLocked lists unexpired entries. Removal is left to expire so
// every expiry is published.
func (r *Registry) typingLocked(conversationID string) []string {
	users := r.typing[conversationID]
	now := r.clock.Now()
	out := make([]string, 0, len(users))
	for userID, e := range users {
		if now.Before(e.expires) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}
