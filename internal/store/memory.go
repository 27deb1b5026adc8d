package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"deliverline/internal/domain"
	"deliverline/internal/events"
)

// Memory is a Store held in process memory.
type Memory struct {
	mu           sync.RWMutex
	writer       events.Writer
	deliverables map[string]domain.Deliverable
	users        map[string]domain.User
	passwords    map[string]string
	apiKeys      map[string]domain.APIKey
	events       []domain.Event
}

var _ Store = (*Memory)(nil)

// NewMemory builds a store holding copies of the seed records.
func NewMemory(seed Seed, w events.Writer) *Memory {
	m := &Memory{
		writer:       w,
		deliverables: make(map[string]domain.Deliverable, len(seed.Deliverables)),
		users:        make(map[string]domain.User, len(seed.Users)),
		passwords:    make(map[string]string, len(seed.Passwords)),
		apiKeys:      make(map[string]domain.APIKey, len(seed.APIKeys)),
	}
	for _, d := range seed.Deliverables {
		m.deliverables[d.ID] = d.Clone()
	}
	for _, u := range seed.Users {
		m.users[u.ID] = u.Clone()
	}
	for id, hash := range seed.Passwords {
		m.passwords[id] = hash
	}
	for _, k := range seed.APIKeys {
		m.apiKeys[k.ID] = k
	}
	return m
}

func (m *Memory) PutDeliverable(ctx context.Context, d domain.Deliverable, changes ...events.Change) error {
	if d.ID == "" {
		return fmt.Errorf("deliverable id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	c := d.Clone()
	if c.Tags == nil {
		c.Tags = []string{}
	}
	m.deliverables[d.ID] = c
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliverables[id]
	if !ok {
		return domain.Deliverable{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *Memory) ListDeliverables(ctx context.Context, f Filter) ([]domain.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Deliverable
	for _, d := range m.deliverables {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}
	domain.SortDeliverables(out, f.Sort, f.Now)
	return out, nil
}

func (m *Memory) DeleteDeliverable(ctx context.Context, id string, changes ...events.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliverables[id]; !ok {
		return ErrNotFound
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	delete(m.deliverables, id)
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) PutUser(ctx context.Context, u domain.User, changes ...events.Change) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id != u.ID && strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("email %s already registered: %w", u.Email, ErrConflict)
		}
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	m.users[u.ID] = u.Clone()
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u domain.User, passwordHash string, changes ...events.Change) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, other := range m.users {
		if strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("email %s already registered: %w", u.Email, ErrConflict)
		}
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	m.users[u.ID] = u.Clone()
	if passwordHash != "" {
		m.passwords[u.ID] = passwordHash
	}
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u.Clone(), nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (m *Memory) ListUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	slices.SortFunc(out, func(a, b domain.User) int {
		return cmp.Or(cmp.Compare(a.Email, b.Email), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (m *Memory) SetPassword(ctx context.Context, userID, hash string, changes ...events.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	m.passwords[userID] = hash
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) PasswordHash(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.passwords[userID]
	if !ok {
		return "", ErrNotFound
	}
	return hash, nil
}

func (m *Memory) InsertAPIKey(ctx context.Context, key domain.APIKey, changes ...events.Change) error {
	if key.ID == "" || key.UserID == "" || key.KeyHash == "" {
		return fmt.Errorf("api key id, user and hash are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[key.UserID]; !ok {
		return ErrNotFound
	}
	for _, k := range m.apiKeys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return fmt.Errorf("api key %s: %w", key.ID, ErrConflict)
		}
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	m.apiKeys[key.ID] = key
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return domain.APIKey{}, ErrNotFound
}

func (m *Memory) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range m.apiKeys {
		if userID == "" || k.UserID == userID {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b domain.APIKey) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (m *Memory) DeleteAPIKey(ctx context.Context, id string, changes ...events.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[id]; !ok {
		return ErrNotFound
	}
	pending, err := m.prepare(changes)
	if err != nil {
		return err
	}
	delete(m.apiKeys, id)
	m.events = append(m.events, pending...)
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, c events.Change) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, err := m.prepare([]events.Change{c})
	if err != nil {
		return 0, err
	}
	m.events = append(m.events, pending...)
	return pending[0].ID, nil
}

func (m *Memory) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		evt := m.events[i]
		if f.Before > 0 && evt.ID >= f.Before {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.EntityKind != "" && evt.EntityKind != f.EntityKind {
			continue
		}
		if f.EntityID != "" && evt.EntityID != f.EntityID {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (m *Memory) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Event
	for _, evt := range m.events {
		if evt.ID <= cursor {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestEventID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

// prepare encodes changes into events numbered after the current log. Callers hold mu.
func (m *Memory) prepare(changes []events.Change) ([]domain.Event, error) {
	next := int64(1)
	if n := len(m.events); n > 0 {
		next = m.events[n-1].ID + 1
	}
	out := make([]domain.Event, 0, len(changes))
	for _, c := range changes {
		payload, err := events.Encode(c.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Event{
			ID:         next,
			TS:         m.writer.Timestamp(),
			Type:       c.Type,
			EntityKind: c.EntityKind,
			EntityID:   c.EntityID,
			ActorID:    c.ActorID,
			Payload:    payload,
		})
		next++
	}
	return out, nil
}

// Match reports whether d passes every set field of f.
func (f Filter) Match(d domain.Deliverable) bool {
	if f.Departments != nil && !slices.Contains(f.Departments, d.Department) {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.CreatedBy != "" && d.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Priority != "" && d.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !slices.Contains(d.Tags, f.Tag) {
		return false
	}
	return d.MatchesQuery(f.Query)
}
