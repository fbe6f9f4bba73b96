package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/store"
	"github.com/nugget/wanderplan/internal/trip"
)

// Lookup errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTripNotFound    = errors.New("trip not found")
)

// Store persists sessions, messages and trips. Implemented by
// store.Store.
type Store interface {
	CreateSession(ctx context.Context, sess store.Session) error
	Session(ctx context.Context, id string) (store.Session, error)
	SaveMessage(ctx context.Context, sessionID string, m conversation.Message) error
	Messages(ctx context.Context, sessionID string) ([]conversation.Message, error)
	SaveTrip(ctx context.Context, t trip.Trip, sharedAt time.Time) error
	Trip(ctx context.Context, id string) (trip.Trip, time.Time, error)
	Sessions(ctx context.Context, limit, offset int) ([]store.SessionSummary, int, error)
}

// SessionInfo is one entry of a session listing.
type SessionInfo struct {
	ID          string    `json:"session_id"`
	TripID      string    `json:"trip_id"`
	Destination string    `json:"destination,omitempty"`
	StartDate   string    `json:"start_date,omitempty"`
	EndDate     string    `json:"end_date,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Shared      bool      `json:"shared"`
}

// SessionPage is one page of a session listing.
type SessionPage struct {
	Sessions   []SessionInfo `json:"sessions"`
	TotalCount int           `json:"total_count"`
	HasMore    bool          `json:"has_more"`
}

// Manager owns the live sessions and loads the rest from the store on
// demand. The store is optional; without it sessions live in memory only.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store  Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a session manager. st and bus may be nil.
func NewManager(st Store, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
		bus:      bus,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
	}
}

// Create starts a session with an empty trip.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	now := m.now()
	t := trip.New(now)
	s := NewSession(uuid.NewString(), nil, trip.NewDocument(t), now)

	if m.store != nil {
		if err := m.store.SaveTrip(ctx, t, time.Time{}); err != nil {
			return nil, fmt.Errorf("save trip: %w", err)
		}
		if err := m.store.CreateSession(ctx, store.Session{ID: s.ID, TripID: t.ID, CreatedAt: now}); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	m.register(s)
	m.logger.Info("session created", "session", s.ID, "trip", t.ID)
	return s, nil
}

// Get returns a live session, loading it from the store when needed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if m.store == nil {
		return nil, ErrSessionNotFound
	}

	rec, err := m.store.Session(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	t, sharedAt, err := m.store.Trip(ctx, rec.TripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", rec.TripID, err)
	}
	msgs, err := m.store.Messages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	s = NewSession(rec.ID, conversation.NewLog(msgs...), trip.LoadDocument(t, sharedAt), rec.CreatedAt)
	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()
	m.register(s)
	m.logger.Debug("session loaded", "session", id, "messages", len(msgs))
	return s, nil
}

// List returns sessions newest first. The store is authoritative when
// there is one; sessions loaded in memory show their live trip.
func (m *Manager) List(ctx context.Context, limit, offset int) (SessionPage, error) {
	var infos []SessionInfo
	total := 0
	if m.store != nil {
		rows, n, err := m.store.Sessions(ctx, limit, offset)
		if err != nil {
			return SessionPage{}, fmt.Errorf("list sessions: %w", err)
		}
		total = n
		for _, r := range rows {
			infos = append(infos, SessionInfo{
				ID:          r.ID,
				TripID:      r.TripID,
				Destination: r.Destination,
				StartDate:   r.StartDate,
				EndDate:     r.EndDate,
				CreatedAt:   r.CreatedAt,
				Shared:      !r.SharedAt.IsZero(),
			})
		}
	} else {
		m.mu.Lock()
		for _, s := range m.sessions {
			infos = append(infos, SessionInfo{ID: s.ID, CreatedAt: s.CreatedAt})
		}
		m.mu.Unlock()
		slices.SortFunc(infos, func(a, b SessionInfo) int {
			return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
		})
		total = len(infos)
		infos = infos[min(offset, total):min(offset+limit, total)]
	}

	m.mu.Lock()
	for i := range infos {
		if s, ok := m.sessions[infos[i].ID]; ok {
			t := s.doc.Snapshot()
			infos[i].TripID = t.ID
			infos[i].Destination, infos[i].StartDate, infos[i].EndDate = t.Destination, t.StartDate, t.EndDate
			infos[i].Shared = !s.doc.SharedAt().IsZero()
		}
	}
	m.mu.Unlock()

	if infos == nil {
		infos = []SessionInfo{}
	}
	return SessionPage{Sessions: infos, TotalCount: total, HasMore: offset+limit < total}, nil
}

func (m *Manager) register(s *Session) {
	s.doc.OnChange = func(t trip.Trip, version int64) {
		m.bus.Publish(events.Event{
			Session: s.ID,
			Source:  events.SourceTrip,
			Kind:    events.KindTripUpdated,
			Data:    map[string]any{"trip_id": t.ID, "version": version},
		})
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// NewPublisher returns a publisher for one turn of s whose finalizer
// persists the session.
func (m *Manager) NewPublisher(s *Session, sink Sink) *Publisher {
	return NewPublisher(s.ID, sink, func(conversation.Message) error {
		return m.Persist(context.Background(), s)
	}, m.bus, m.logger)
}

// Persist writes the session's log and trip to the store.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	for _, msg := range s.log.Snapshot() {
		if err := m.store.SaveMessage(ctx, s.ID, msg); err != nil {
			return err
		}
	}
	if err := m.store.SaveTrip(ctx, s.doc.Snapshot(), s.doc.SharedAt()); err != nil {
		return fmt.Errorf("save trip: %w", err)
	}
	return nil
}

// Share freezes the session's trip and stores it. Sharing twice is
// harmless and keeps the first timestamp.
func (m *Manager) Share(ctx context.Context, s *Session) (trip.Trip, time.Time, error) {
	t := s.doc.Freeze()
	sharedAt := s.doc.SharedAt()
	if m.store != nil {
		if err := m.store.SaveTrip(ctx, t, sharedAt); err != nil {
			return trip.Trip{}, time.Time{}, fmt.Errorf("save shared trip: %w", err)
		}
	}
	m.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceTrip,
		Kind:    events.KindTripShared,
		Data:    map[string]any{"trip_id": t.ID},
	})
	m.logger.Info("trip shared", "session", s.ID, "trip", t.ID)
	return t, sharedAt, nil
}

// Trip returns a trip by id, preferring the live document of a loaded
// session over the stored copy.
func (m *Manager) Trip(ctx context.Context, id string) (trip.Trip, time.Time, error) {
	m.mu.Lock()
	for _, s := range m.sessions {
		if snap := s.doc.Snapshot(); snap.ID == id {
			m.mu.Unlock()
			return snap, s.doc.SharedAt(), nil
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return trip.Trip{}, time.Time{}, ErrTripNotFound
	}
	t, sharedAt, err := m.store.Trip(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return trip.Trip{}, time.Time{}, ErrTripNotFound
	}
	return t, sharedAt, err
}
