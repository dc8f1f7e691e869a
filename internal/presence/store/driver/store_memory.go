package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/models"
	"shuttle/pkg/platform/sentinel"
)

// InMemoryStore is the authoritative map from driver identity to its last
// accepted position. At most one record exists per identity; byConnection is
// the reverse index that makes eviction and teardown O(1).
type InMemoryStore struct {
	mu           sync.RWMutex
	area         geo.Area
	byIdentity   map[models.DriverIdentity]models.DriverRecord
	byConnection map[models.ConnectionID]models.DriverIdentity
}

func New(area geo.Area) *InMemoryStore {
	return &InMemoryStore{
		area:         area,
		byIdentity:   make(map[models.DriverIdentity]models.DriverRecord),
		byConnection: make(map[models.ConnectionID]models.DriverIdentity),
	}
}

// Area returns the service area the store evaluates positions against.
func (s *InMemoryStore) Area() geo.Area {
	return s.area
}

// Upsert applies one position update as a single atomic step.
//
// Outside the service area nothing is written and any record the connection
// owns is cleared. Inside, a record of the same identity held by another
// connection is evicted (last write wins), a record the connection holds
// under a different identity is removed, and the new record is written.
func (s *InMemoryStore) Upsert(_ context.Context, identity models.DriverIdentity, conn models.ConnectionID, point geo.Point, now time.Time) models.UpsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.area.Contains(point) {
		out := models.UpsertOutcome{Status: models.UpsertRejectedOutOfBounds}
		if rec, ok := s.removeByConnection(conn); ok {
			out.Removed = &rec
		}
		return out
	}

	out := models.UpsertOutcome{Status: models.UpsertAccepted}

	if prev, ok := s.byConnection[conn]; ok && prev != identity {
		if rec, ok := s.removeByConnection(conn); ok {
			out.Removed = &rec
		}
	}

	if rec, ok := s.byIdentity[identity]; ok && rec.Connection != conn {
		delete(s.byConnection, rec.Connection)
		delete(s.byIdentity, identity)
		out.Evicted = &rec
	}

	s.byIdentity[identity] = models.DriverRecord{
		Identity:      identity,
		Connection:    conn,
		Point:         point,
		LastUpdatedAt: now,
	}
	s.byConnection[conn] = identity
	return out
}

// RemoveByConnection deletes the record owned by the connection, if any.
func (s *InMemoryStore) RemoveByConnection(_ context.Context, conn models.ConnectionID) (models.DriverRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeByConnection(conn)
}

// RemoveByIdentity deletes the record of the identity, if any.
func (s *InMemoryStore) RemoveByIdentity(_ context.Context, identity models.DriverIdentity) (models.DriverRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byIdentity[identity]
	if !ok {
		return models.DriverRecord{}, false
	}
	delete(s.byIdentity, identity)
	if s.byConnection[rec.Connection] == identity {
		delete(s.byConnection, rec.Connection)
	}
	return rec, true
}

// GetByIdentity returns the active record of the identity.
func (s *InMemoryStore) GetByIdentity(_ context.Context, identity models.DriverIdentity) (models.DriverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byIdentity[identity]
	if !ok {
		return models.DriverRecord{}, fmt.Errorf("driver %q: %w", identity, sentinel.ErrNotFound)
	}
	return rec, nil
}

// SnapshotActive returns a point-in-time copy of every active record, ordered
// by identity.
func (s *InMemoryStore) SnapshotActive(_ context.Context) []models.DriverRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DriverRecord, 0, len(s.byIdentity))
	for _, rec := range s.byIdentity {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len returns the number of active records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIdentity)
}

// Verify checks that both indexes describe the same set of records.
func (s *InMemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bad := s.inconsistent(); len(bad) > 0 {
		return fmt.Errorf("driver store indexes disagree for %d record(s): %w", len(bad), sentinel.ErrInvalidState)
	}
	return nil
}

// Heal takes every identity involved in an index inconsistency fully
// offline: its record and every reverse entry pointing at it are dropped.
// The affected records are returned so the caller can announce them.
func (s *InMemoryStore) Heal(_ context.Context) []models.DriverRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	bad := s.inconsistent()
	if len(bad) == 0 {
		return nil
	}

	type key struct {
		identity models.DriverIdentity
		conn     models.ConnectionID
	}
	seen := make(map[key]struct{}, len(bad))
	affected := make([]models.DriverRecord, 0, len(bad))
	add := func(rec models.DriverRecord) {
		k := key{rec.Identity, rec.Connection}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		affected = append(affected, rec)
	}

	for _, rec := range bad {
		add(rec)
		if cur, ok := s.byIdentity[rec.Identity]; ok {
			add(cur)
			delete(s.byIdentity, rec.Identity)
		}
		for conn, identity := range s.byConnection {
			if identity == rec.Identity {
				delete(s.byConnection, conn)
			}
		}
	}
	return affected
}

// inconsistent must be called while holding s.mu.
func (s *InMemoryStore) inconsistent() []models.DriverRecord {
	var bad []models.DriverRecord
	for identity, rec := range s.byIdentity {
		if rec.Identity != identity || s.byConnection[rec.Connection] != identity {
			rec.Identity = identity
			bad = append(bad, rec)
		}
	}
	for conn, identity := range s.byConnection {
		rec, ok := s.byIdentity[identity]
		if !ok || rec.Connection != conn {
			bad = append(bad, models.DriverRecord{Identity: identity, Connection: conn})
		}
	}
	sort.Slice(bad, func(i, j int) bool {
		if bad[i].Identity != bad[j].Identity {
			return bad[i].Identity < bad[j].Identity
		}
		return bad[i].Connection < bad[j].Connection
	})
	return bad
}

// removeByConnection must be called while holding s.mu.
func (s *InMemoryStore) removeByConnection(conn models.ConnectionID) (models.DriverRecord, bool) {
	identity, ok := s.byConnection[conn]
	if !ok {
		return models.DriverRecord{}, false
	}
	delete(s.byConnection, conn)
	rec, ok := s.byIdentity[identity]
	if !ok || rec.Connection != conn {
		return models.DriverRecord{}, false
	}
	delete(s.byIdentity, identity)
	return rec, true
}
