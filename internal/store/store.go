// Package store defines the record store the engine works against.
package store

import (
	"context"
	"errors"
	"time"

	"deliverline/internal/domain"
	"deliverline/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store keeps deliverables, users, credentials and the event log. Writes take
// the events they cause and persist both atomically. Returned records never
// share memory with the store.
type Store interface {
	PutDeliverable(ctx context.Context, d domain.Deliverable, changes ...events.Change) error
	GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error)
	ListDeliverables(ctx context.Context, f Filter) ([]domain.Deliverable, error)
	DeleteDeliverable(ctx context.Context, id string, changes ...events.Change) error

	PutUser(ctx context.Context, u domain.User, changes ...events.Change) error
	// CreateUser inserts a new user and, when passwordHash is set, its
	// credential in one write. An existing id or email is ErrConflict.
	CreateUser(ctx context.Context, u domain.User, passwordHash string, changes ...events.Change) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetPassword(ctx context.Context, userID, hash string, changes ...events.Change) error
	PasswordHash(ctx context.Context, userID string) (string, error)

	InsertAPIKey(ctx context.Context, key domain.APIKey, changes ...events.Change) error
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string, changes ...events.Change) error

	AppendEvent(ctx context.Context, c events.Change) (int64, error)
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Filter narrows ListDeliverables. Zero fields match everything; a nil
// Departments slice means every department while an empty non-nil one matches none.
// Query is a case-insensitive search over name, description, department and tags.
// Results come back in Sort order (deadline when empty); Now decides which
// deliverables are late when sorting by status.
type Filter struct {
	Departments []domain.Department
	Status      domain.Status
	Priority    domain.Priority
	CreatedBy   string
	Tag         string
	Query       string
	Sort        domain.SortKey
	Now         time.Time
}

// EventFilter selects events newest first. Before is an exclusive id cursor.
type EventFilter struct {
	Limit      int
	Before     int64
	Type       string
	EntityKind string
	EntityID   string
}

// Seed is the initial content of a store.
type Seed struct {
	Users        []domain.User
	Deliverables []domain.Deliverable
	// Passwords maps user ids to bcrypt hashes.
	Passwords map[string]string
	APIKeys   []domain.APIKey
}
