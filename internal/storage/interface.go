package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/elixirlabs/chamber-gateway/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// SessionStore defines the interface for session history storage
type SessionStore interface {
	// Create creates a new session record
	Create(ctx context.Context, session *domain.Session) error

	// GetByUUID retrieves a session by its UUID
	GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// Active returns the currently open session, ErrNotFound when none
	Active(ctx context.Context) (*domain.Session, error)

	// List returns up to limit sessions, most recent first
	List(ctx context.Context, limit int) ([]*domain.Session, error)

	// Update updates a session record
	Update(ctx context.Context, session *domain.Session) error

	// NextNumber returns the next sequential session number
	NextNumber(ctx context.Context) (int, error)

	// AppendDataPoint appends a sampled data point
	AppendDataPoint(ctx context.Context, dp *domain.DataPoint) error

	// ListDataPoints returns a session's data points in sample order
	ListDataPoints(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.DataPoint, error)

	// AppendEvent appends a session event
	AppendEvent(ctx context.Context, ev *domain.Event) error

	// ListEvents returns a session's events in order
	ListEvents(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.Event, error)
}

// Store is the root persistence interface
type Store interface {
	Sessions() SessionStore
	Ping(ctx context.Context) error
	Close() error
}
