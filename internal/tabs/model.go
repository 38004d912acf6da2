package tabs

import (
	"errors"
	"slices"
	"time"
)

// TTL is how long a tab record stays alive without a refresh.
const TTL = 30 * time.Second

// DefaultRefreshInterval keeps a live tab's record well inside TTL.
const DefaultRefreshInterval = 10 * time.Second

// Topic is the broadcast topic used for focus negotiation.
const Topic = "tab-coordination"

// ErrClosed indicates use of a closed coordinator.
var ErrClosed = errors.New("tab coordinator closed")

// Record is one tab's entry in the shared registry.
type Record struct {
	TabID     string `json:"tabId"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
}

// Alive reports whether the record is younger than TTL at now.
func (r Record) Alive(now time.Time) bool {
	return now.UnixMilli()-r.Timestamp < TTL.Milliseconds()
}

// Prune returns the records alive at now, keeping their order.
func Prune(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Alive(now) {
			out = append(out, r)
		}
	}
	return out
}

// Upsert replaces the record with the same tab id or appends rec.
func Upsert(records []Record, rec Record) []Record {
	out := slices.DeleteFunc(slices.Clone(records), func(r Record) bool {
		return r.TabID == rec.TabID
	})
	return append(out, rec)
}

// Without drops the record of tabID.
func Without(records []Record, tabID string) []Record {
	return slices.DeleteFunc(slices.Clone(records), func(r Record) bool {
		return r.TabID == tabID
	})
}

// SignalType names a coordination message.
type SignalType string

const (
	SignalFocusRequest   SignalType = "FOCUS_REQUEST"
	SignalFocusConfirmed SignalType = "FOCUS_CONFIRMED"
)

// Signal is exchanged between tabs over the broadcast channel. TabID
// names the tab asked to take focus and FromTabID the tab that asked, in
// both the request and its confirmation.
type Signal struct {
	Type      SignalType `json:"type"`
	TabID     string     `json:"tabId"`
	FromTabID string     `json:"fromTabId"`
	Path      string     `json:"path,omitempty"`
}

// Result describes the outcome of a registration.
type Result struct {
	// Duplicate is set when another live tab already shows the path.
	Duplicate     bool
	ExistingTabID string
}
