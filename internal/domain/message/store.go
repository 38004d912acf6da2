package message

import (
	"cmp"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rpggio/parley/internal/dispatch"
)

type entry struct {
	msg Message
	seq uint64
}

type conversation struct {
	entries []entry
	hidden  int
	last    *Message
}

func (c *conversation) index(id string) int {
	for i := range c.entries {
		if c.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

// sort orders by timestamp, breaking ties by insertion sequence.
func (c *conversation) sort() {
	slices.SortStableFunc(c.entries, func(a, b entry) int {
		if n := a.msg.Timestamp.Compare(b.msg.Timestamp); n != 0 {
			return n
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// refreshLast recomputes the last-message cache from the visible list.
func (c *conversation) refreshLast() {
	if len(c.entries) == 0 {
		c.last = nil
		return
	}
	last := c.entries[len(c.entries)-1].msg
	c.last = &last
}

func (c *conversation) remove(i int) {
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
}

func (c *conversation) snapshot() []Message {
	out := make([]Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// Store holds the per-conversation ordered message lists and the derived
// last-message cache. All mutations follow the reconciliation rules:
// idempotent append, one temp-to-canonical replacement per optimistic
// message, tombstone deletes and local purges.
type Store struct {
	logger  *slog.Logger
	changes *dispatch.Dispatcher[Change]

	// publishMu is held across a mutation and its Publish so subscribers
	// see changes in mutation order. Subscribers must not mutate the
	// store synchronously.
	publishMu sync.Mutex

	mu            sync.Mutex
	seq           uint64
	conversations map[string]*conversation
	reconciled    map[string]string
	purged        map[string]struct{}
	active        string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:        slog.New(slog.DiscardHandler),
		conversations: make(map[string]*conversation),
		reconciled:    make(map[string]string),
		purged:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.changes = dispatch.New[Change]("message-store", s.logger)
	return s
}

// Subscribe registers fn for change notifications. Each Change carries
// the conversation snapshot taken in the same critical section as the
// mutation it reports.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.changes.Subscribe(fn)
}

// Append inserts msg into the conversation. It is a no-op when a message
// with the same id exists or was purged locally. A message whose LocalID
// names a pending optimistic message replaces it instead.
func (s *Store) Append(conversationID string, msg Message) bool {
	if conversationID == "" || msg.ID == "" {
		return false
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	change, ok := s.appendLocked(conversationID, msg)
	s.mu.Unlock()

	if ok {
		s.changes.Publish(change)
	}
	return ok
}

// Load merges a batch of messages, typically a history fetch, and
// returns how many were new.
func (s *Store) Load(conversationID string, msgs []Message) int {
	if conversationID == "" {
		return 0
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	added := 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, ok := s.appendLocked(conversationID, msg); ok {
			added++
		}
	}
	var change Change
	if added > 0 {
		change = s.changeLocked(ChangeAppended, conversationID, "", "")
	}
	s.mu.Unlock()

	if added > 0 {
		s.changes.Publish(change)
	}
	return added
}

func (s *Store) appendLocked(conversationID string, msg Message) (Change, bool) {
	if _, hidden := s.purged[msg.ID]; hidden {
		return Change{}, false
	}
	conv := s.conversationLocked(conversationID)
	if conv.index(msg.ID) >= 0 {
		return Change{}, false
	}
	if msg.LocalID != "" && msg.LocalID != msg.ID {
		if i := conv.index(msg.LocalID); i >= 0 {
			return s.replaceLocked(conversationID, conv, i, msg), true
		}
	}

	msg.ConversationID = conversationID
	if !msg.Status.Valid() {
		msg.Status = StatusSent
	}
	s.seq++
	conv.entries = append(conv.entries, entry{msg: msg, seq: s.seq})
	conv.sort()
	conv.refreshLast()
	return s.changeLocked(ChangeAppended, conversationID, msg.ID, ""), true
}

// ReplaceOptimistic substitutes the server-confirmed message for the
// optimistic message tempID. The replacement keeps the insertion
// sequence of the optimistic message and is re-sorted by timestamp. If
// the canonical message already arrived through another path, the
// temporary copy is dropped so exactly one message remains.
func (s *Store) ReplaceOptimistic(conversationID, tempID string, server Message) error {
	if server.ID == "" || tempID == "" {
		return ErrInvalidMessage
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	if _, done := s.reconciled[tempID]; done {
		s.mu.Unlock()
		return ErrAlreadyReconciled
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	i := conv.index(tempID)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	change := s.replaceLocked(conversationID, conv, i, server)
	s.mu.Unlock()

	s.changes.Publish(change)
	return nil
}

func (s *Store) replaceLocked(conversationID string, conv *conversation, i int, server Message) Change {
	tempID := conv.entries[i].msg.ID
	server.ConversationID = conversationID
	if server.LocalID == "" {
		server.LocalID = tempID
	}
	if !server.Status.Valid() || server.Status == StatusSending {
		server.Status = StatusSent
	}
	s.reconciled[tempID] = server.ID

	if j := conv.index(server.ID); j >= 0 && j != i {
		existing := &conv.entries[j].msg
		if existing.LocalID == "" {
			existing.LocalID = tempID
		}
		conv.remove(i)
	} else {
		conv.entries[i].msg = server
	}
	conv.sort()
	conv.refreshLast()

	s.logger.Debug("optimistic message reconciled", "conversation_id", conversationID, "temp_id", tempID, "message_id", server.ID)
	return s.changeLocked(ChangeReplaced, conversationID, server.ID, tempID)
}

// Remove drops an unconfirmed optimistic message. Confirmed messages are
// never removed; they can only be tombstoned.
func (s *Store) Remove(conversationID, id string) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := conv.index(id)
	if i < 0 || conv.entries[i].msg.Status != StatusSending {
		s.mu.Unlock()
		return false
	}
	conv.remove(i)
	conv.refreshLast()
	change := s.changeLocked(ChangeRemoved, conversationID, id, "")
	s.mu.Unlock()

	s.changes.Publish(change)
	return true
}

// MarkStatus advances the delivery status of a message. Status never
// moves backwards, and tombstones are left untouched.
func (s *Store) MarkStatus(conversationID, id string, status Status) bool {
	if !status.Valid() || status == StatusDeleted {
		return false
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	conv, i := s.findLocked(conversationID, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	msg := &conv.entries[i].msg
	if msg.Deleted() || status.Rank() <= msg.Status.Rank() {
		s.mu.Unlock()
		return false
	}
	msg.Status = status
	conv.refreshLast()
	change := s.changeLocked(ChangeStatus, conversationID, msg.ID, "")
	s.mu.Unlock()

	s.changes.Publish(change)
	return true
}

// ApplyEdit replaces the content and timestamp of an existing message.
// Edits to tombstones are ignored.
func (s *Store) ApplyEdit(conversationID string, edited Message) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	conv, i := s.findLocked(conversationID, edited.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	msg := &conv.entries[i].msg
	if msg.Deleted() {
		s.mu.Unlock()
		return false
	}
	msg.Text = edited.Text
	msg.Media = edited.Media
	if !edited.Timestamp.IsZero() {
		msg.Timestamp = edited.Timestamp
	}
	if edited.Status.Valid() && edited.Status != StatusDeleted && edited.Status.Rank() > msg.Status.Rank() {
		msg.Status = edited.Status
	}
	id := msg.ID
	conv.sort()
	conv.refreshLast()
	change := s.changeLocked(ChangeEdited, conversationID, id, "")
	s.mu.Unlock()

	s.changes.Publish(change)
	return true
}

// MarkDeleted turns a message into a tombstone. It keeps its id, sender,
// timestamp and position.
func (s *Store) MarkDeleted(conversationID, id string, at time.Time) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	conv, i := s.findLocked(conversationID, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	msg := &conv.entries[i].msg
	if msg.Deleted() {
		s.mu.Unlock()
		return false
	}
	deletedAt := at
	msg.Status = StatusDeleted
	msg.DeletedAt = &deletedAt
	msg.Text = ""
	msg.Media = nil
	id = msg.ID
	conv.refreshLast()
	change := s.changeLocked(ChangeDeleted, conversationID, id, "")
	s.mu.Unlock()

	s.changes.Publish(change)
	return true
}

// Purge hides a tombstone from the local view. Purging an already purged
// id is a no-op.
func (s *Store) Purge(conversationID, id string) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	if _, done := s.purged[id]; done {
		s.mu.Unlock()
		return nil
	}
	conv, i := s.findLocked(conversationID, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !conv.entries[i].msg.Deleted() {
		s.mu.Unlock()
		return ErrNotTombstoned
	}
	s.purged[id] = struct{}{}
	conv.remove(i)
	conv.hidden++
	conv.refreshLast()
	change := s.changeLocked(ChangePurged, conversationID, id, "")
	s.mu.Unlock()

	s.changes.Publish(change)
	return nil
}

// RestorePurged seeds the purged set, typically from persisted state.
// Messages already held with those ids are hidden.
func (s *Store) RestorePurged(ids ...string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	var changes []Change
	for _, id := range ids {
		if id == "" {
			continue
		}
		s.purged[id] = struct{}{}
		for convID, conv := range s.conversations {
			if i := conv.index(id); i >= 0 {
				conv.remove(i)
				conv.hidden++
				conv.refreshLast()
				changes = append(changes, s.changeLocked(ChangePurged, convID, id, ""))
			}
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.changes.Publish(change)
	}
}

// PurgedIDs returns the ids hidden by Purge, sorted.
func (s *Store) PurgedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.purged))
	for id := range s.purged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetActive marks the conversation currently rendered.
func (s *Store) SetActive(conversationID string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.mu.Lock()
	s.active = conversationID
	change := s.changeLocked(ChangeActive, conversationID, "", "")
	s.mu.Unlock()

	s.changes.Publish(change)
}

// Active returns the conversation currently rendered.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the visible ordered list of a conversation.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return conv.snapshot()
}

// Get returns a message by id. Reconciled temporary ids resolve to the
// canonical message.
func (s *Store) Get(conversationID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, i := s.findLocked(conversationID, id)
	if i < 0 {
		return Message{}, false
	}
	return conv.entries[i].msg, true
}

// LastMessage returns the cached last message of a conversation.
func (s *Store) LastMessage(conversationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.last == nil {
		return Message{}, false
	}
	return *conv.last, true
}

// Len returns the number of visible messages.
func (s *Store) Len(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return len(conv.entries)
	}
	return 0
}

// HistoryLen counts visible messages plus those purged locally.
func (s *Store) HistoryLen(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return len(conv.entries) + conv.hidden
	}
	return 0
}

// Conversations returns conversation ids ordered by last message, newest
// first. Conversations without visible messages come last.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.conversations[ids[i]].last, s.conversations[ids[j]].last
		switch {
		case a == nil && b == nil:
			return ids[i] < ids[j]
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Timestamp.Equal(b.Timestamp):
			return a.Timestamp.After(b.Timestamp)
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}

func (s *Store) conversationLocked(conversationID string) *conversation {
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	return conv
}

func (s *Store) findLocked(conversationID, id string) (*conversation, int) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, -1
	}
	if i := conv.index(id); i >= 0 {
		return conv, i
	}
	if canonical, ok := s.reconciled[id]; ok {
		return conv, conv.index(canonical)
	}
	return conv, -1
}

func (s *Store) changeLocked(kind ChangeKind, conversationID, id, previousID string) Change {
	change := Change{
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      id,
		PreviousID:     previousID,
		Active:         conversationID != "" && conversationID == s.active,
	}
	if conv, ok := s.conversations[conversationID]; ok {
		change.Messages = conv.snapshot()
		if conv.last != nil {
			last := *conv.last
			change.Last = &last
		}
	}
	return change
}
