package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery lifecycle of a message.
type Status string

const (
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusDeleted   Status = "DELETED"
)

// TempPrefix marks client-generated identifiers of unconfirmed messages.
const TempPrefix = "temp_"

// DeletedPreview is the placeholder text shown for tombstones.
const DeletedPreview = "This message was deleted"

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusDeleted:   5,
}

// Rank orders statuses along the delivery lifecycle. Unknown statuses rank 0.
func (s Status) Rank() int {
	return statusRank[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// MediaRef points at an uploaded attachment.
type MediaRef struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message as seen by this client.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	Media          *MediaRef  `json:"media,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Status         Status     `json:"status"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	// LocalID correlates a server message with the optimistic message it
	// replaces. It carries the temporary id the client generated.
	LocalID string `json:"localId,omitempty"`
}

// NewTempID generates a temporary message identifier.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTemp reports whether id was generated locally and is not yet confirmed.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Deleted reports whether m is a tombstone.
func (m Message) Deleted() bool {
	return m.Status == StatusDeleted
}

// Preview returns the text used for conversation lists.
func (m Message) Preview() string {
	if m.Deleted() {
		return DeletedPreview
	}
	if m.Text == "" && m.Media != nil {
		if m.Media.Name != "" {
			return m.Media.Name
		}
		return "Attachment"
	}
	return m.Text
}

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeReplaced ChangeKind = "replaced"
	ChangeStatus   ChangeKind = "status"
	ChangeEdited   ChangeKind = "edited"
	ChangeDeleted  ChangeKind = "deleted"
	ChangePurged   ChangeKind = "purged"
	ChangeRemoved  ChangeKind = "removed"
	ChangeActive   ChangeKind = "active"
)

// Change describes one store mutation together with the conversation
// state it produced.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	// PreviousID is set for replacements and carries the temporary id.
	PreviousID string
	// Active reports whether ConversationID is the open conversation.
	Active   bool
	Messages []Message
	Last     *Message
}

// Outgoing is the content of a message the local user submits.
type Outgoing struct {
	// LocalID is the temporary id of the optimistic copy.
	LocalID string    `json:"localId,omitempty"`
	Text    string    `json:"text"`
	Media   *MediaRef `json:"media,omitempty"`
}
