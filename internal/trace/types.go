// Package trace provides types for instruction-trace collection.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Syscall  Tag = "syscall"
	Call     Tag = "call"
	Ret      Tag = "ret"
	Branch   Tag = "br"
	Malloc   Tag = "malloc"
	Free     Tag = "free"
	Uninit   Tag = "uninit"
	HeapBug  Tag = "heap"
	MemFault Tag = "fault"
	String   Tag = "string"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event represents one traced instruction or diagnostic.
type Event struct {
	Session   uuid.UUID // emulation run this event belongs to
	EIP       uint32    // instruction start address
	Disasm    string    // Intel-syntax text (if collected)
	Tags      Tags      // hashtags, first is primary
	Detail    string    // additional context, e.g. "write(1, ..., 6)"
	Timestamp time.Time
}

// Session identifies one emulation run across its trace events.
type Session struct {
	ID      uuid.UUID
	Started time.Time
}

// NewSession creates a session with a fresh id.
func NewSession() Session {
	return Session{ID: uuid.New(), Started: time.Now()}
}

// NewEvent creates an event bound to a session.
func (s Session) NewEvent(eip uint32, disasm string) *Event {
	return &Event{
		Session:   s.ID,
		EIP:       eip,
		Disasm:    disasm,
		Timestamp: time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}
