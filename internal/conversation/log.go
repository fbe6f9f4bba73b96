package conversation

import (
	"errors"
	"sync"
)

// ErrUnknownToolCall is returned when no message in the log carries the
// requested tool call id.
var ErrUnknownToolCall = errors.New("unknown tool call")

// Log is the ordered, append-only message history of one session. All
// edits go through the log so readers always see a consistent snapshot.
type Log struct {
	mu       sync.RWMutex
	messages []*Message
}

// NewLog creates a log seeded with msgs.
func NewLog(msgs ...Message) *Log {
	l := &Log{}
	for _, m := range msgs {
		c := m.Clone()
		l.messages = append(l.messages, &c)
	}
	return l
}

// Append adds a copy of m to the end of the log.
func (l *Log) Append(m Message) {
	c := m.Clone()
	l.mu.Lock()
	l.messages = append(l.messages, &c)
	l.mu.Unlock()
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Snapshot returns a deep copy of every message.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Last returns a copy of the final message.
func (l *Log) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1].Clone(), true
}

// Edit runs fn on the message with the given id while holding the write
// lock. fn must not retain the pointer.
func (l *Log) Edit(messageID string, fn func(*Message) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m.ID == messageID {
			return fn(m)
		}
	}
	return errors.New("unknown message " + messageID)
}

// EditToolCall runs fn on the tool call with the given id.
func (l *Log) EditToolCall(callID string, fn func(*Message, *ToolCallPart) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.messages) - 1; i >= 0; i-- {
		m := l.messages[i]
		if tc := m.ToolCall(callID); tc != nil {
			return fn(m, tc)
		}
	}
	return ErrUnknownToolCall
}

// PendingToolCalls returns copies of calls still waiting for a user
// decision, oldest first.
func (l *Log) PendingToolCalls() []ToolCallPart {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ToolCallPart
	for _, m := range l.messages {
		for _, tc := range m.ToolCalls() {
			if tc.PendingConfirmation() {
				out = append(out, *tc.clonePart().(*ToolCallPart))
			}
		}
	}
	return out
}
