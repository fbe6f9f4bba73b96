package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/trip"
)

// ErrSessionBroken is returned for every turn after a session hit an
// invariant violation.
var ErrSessionBroken = errors.New("session is broken")

// Session is one planning conversation: its message log, its trip
// document and the lock that keeps turns from overlapping.
type Session struct {
	ID        string
	CreatedAt time.Time

	log *conversation.Log
	doc *trip.Document

	turnMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	broken error
	state  State
}

// NewSession creates a session over an existing log and document.
func NewSession(id string, log *conversation.Log, doc *trip.Document, createdAt time.Time) *Session {
	if log == nil {
		log = conversation.NewLog()
	}
	return &Session{ID: id, CreatedAt: createdAt, log: log, doc: doc, state: StateIdle}
}

// Log returns the session's message log.
func (s *Session) Log() *conversation.Log { return s.log }

// Document returns the session's trip document.
func (s *Session) Document() *trip.Document { return s.doc }

// State returns the state the last turn ended in, or the current state
// while a turn runs.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Broken returns the invariant violation that halted the session, if any.
func (s *Session) Broken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) markBroken(err error) {
	s.mu.Lock()
	if s.broken == nil {
		s.broken = err
	}
	s.mu.Unlock()
}

// Abort cancels the running turn. It reports whether a turn was running.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// begin takes the turn lock and installs a cancellable context for the
// turn. The returned func releases both.
func (s *Session) begin(ctx context.Context) (context.Context, func(), error) {
	s.turnMu.Lock()
	if err := s.Broken(); err != nil {
		s.turnMu.Unlock()
		return nil, nil, errors.Join(ErrSessionBroken, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		s.turnMu.Unlock()
	}, nil
}
