package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"shuttle/internal/presence/models"
	"shuttle/pkg/platform/sentinel"
)

// Sender delivers one event to a single connection without blocking.
type Sender interface {
	Send(event models.Event) error
}

// Entry is a snapshot of one registered connection.
type Entry struct {
	ID       models.ConnectionID
	Role     models.Role
	Identity models.DriverIdentity
	Sender   Sender
}

// InMemoryRegistry tracks every live connection, its write-once role and the
// last driver identity it claimed.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[models.ConnectionID]*Entry
}

func New() *InMemoryRegistry {
	return &InMemoryRegistry{
		entries: make(map[models.ConnectionID]*Entry),
	}
}

// Register adds a connection with no role. A duplicate id overwrites the
// previous entry.
func (r *InMemoryRegistry) Register(_ context.Context, id models.ConnectionID, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &Entry{ID: id, Sender: sender}
}

// SetRole assigns the role once. Setting the same role again is a no-op;
// a different role fails with models.ErrInvalidTransition.
func (r *InMemoryRegistry) SetRole(_ context.Context, id models.ConnectionID, role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("connection %s: %w", id, sentinel.ErrNotFound)
	}
	if e.Role != models.RoleNone && e.Role != role {
		return fmt.Errorf("connection %s already joined as %s: %w", id, e.Role, models.ErrInvalidTransition)
	}
	e.Role = role
	return nil
}

// BindIdentity records the driver identity last claimed by the connection.
func (r *InMemoryRegistry) BindIdentity(_ context.Context, id models.ConnectionID, identity models.DriverIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("connection %s: %w", id, sentinel.ErrNotFound)
	}
	e.Identity = identity
	return nil
}

// Unregister removes the connection and returns what it last was, so the
// caller can run teardown.
func (r *InMemoryRegistry) Unregister(_ context.Context, id models.ConnectionID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	return *e, true
}

// Get returns a copy of the entry.
func (r *InMemoryRegistry) Get(_ context.Context, id models.ConnectionID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ConnectionsForRole returns the connections holding any of the roles at the
// time of the call, ordered by id. Membership may change right after.
func (r *InMemoryRegistry) ConnectionsForRole(_ context.Context, roles ...models.Role) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		for _, role := range roles {
			if e.Role == role {
				out = append(out, *e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByRole returns the number of connections per role, unjoined included.
func (r *InMemoryRegistry) CountByRole(_ context.Context) map[models.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.Role]int)
	for _, e := range r.entries {
		counts[e.Role]++
	}
	return counts
}

// Len returns the number of registered connections.
func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
