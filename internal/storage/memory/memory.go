// Package memory implements in-memory session storage, used as the default
// store and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/elixirlabs/chamber-gateway/internal/domain"
	"github.com/elixirlabs/chamber-gateway/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	sessions *SessionStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		sessions: &SessionStore{
			data:       make(map[uuid.UUID]*domain.Session),
			dataPoints: make(map[uuid.UUID][]*domain.DataPoint),
			events:     make(map[uuid.UUID][]*domain.Event),
		},
	}
}

func (s *Store) Sessions() storage.SessionStore { return s.sessions }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// SessionStore implements in-memory session storage
type SessionStore struct {
	mu         sync.RWMutex
	data       map[uuid.UUID]*domain.Session
	dataPoints map[uuid.UUID][]*domain.DataPoint
	events     map[uuid.UUID][]*domain.Event
	lastNumber int
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[session.UUID]; ok {
		return storage.ErrAlreadyExists
	}
	cp := *session
	s.data[session.UUID] = &cp
	if session.Number > s.lastNumber {
		s.lastNumber = session.Number
	}
	return nil
}

func (s *SessionStore) GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *SessionStore) Active(ctx context.Context) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data {
		if session.Active() {
			cp := *session
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *SessionStore) List(ctx context.Context, limit int) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Session, 0, len(s.data))
	for _, session := range s.data {
		cp := *session
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[session.UUID]; !ok {
		return storage.ErrNotFound
	}
	cp := *session
	s.data[session.UUID] = &cp
	return nil
}

func (s *SessionStore) NextNumber(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNumber++
	return s.lastNumber, nil
}

func (s *SessionStore) AppendDataPoint(ctx context.Context, dp *domain.DataPoint) error {
	if dp == nil {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dp
	s.dataPoints[dp.SessionUUID] = append(s.dataPoints[dp.SessionUUID], &cp)
	return nil
}

func (s *SessionStore) ListDataPoints(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.dataPoints[sessionUUID]
	out := make([]*domain.DataPoint, len(points))
	copy(out, points)
	return out, nil
}

func (s *SessionStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	if ev == nil {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.SessionUUID] = append(s.events[ev.SessionUUID], &cp)
	return nil
}

func (s *SessionStore) ListEvents(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[sessionUUID]
	out := make([]*domain.Event, len(events))
	copy(out, events)
	return out, nil
}
