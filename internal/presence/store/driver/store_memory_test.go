package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/models"
	"shuttle/pkg/platform/sentinel"
)

var (
	campus  = geo.NewArea(12.9692, 79.1559, 2.5)
	inside  = geo.Point{Lat: 12.9692, Lng: 79.1559}
	nearby  = geo.Point{Lat: 12.9750, Lng: 79.1600}
	outside = geo.Point{Lat: 0, Lng: 0}
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = New(campus)
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) TestUpsert_Accepted() {
	s.Run("first position creates the record", func() {
		out := s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)
		s.True(out.Accepted())
		s.Nil(out.Evicted)
		s.Nil(out.Removed)

		rec, err := s.store.GetByIdentity(s.ctx, "Bus 1")
		s.Require().NoError(err)
		s.Equal(models.ConnectionID("d1"), rec.Connection)
		s.Equal(inside, rec.Point)
		s.Equal(s.now, rec.LastUpdatedAt)
	})

	s.Run("same connection overwrites in place", func() {
		later := s.now.Add(time.Second)
		out := s.store.Upsert(s.ctx, "Bus 1", "d1", nearby, later)
		s.True(out.Accepted())
		s.Nil(out.Evicted)

		rec, err := s.store.GetByIdentity(s.ctx, "Bus 1")
		s.Require().NoError(err)
		s.Equal(nearby, rec.Point)
		s.Equal(later, rec.LastUpdatedAt)
		s.Equal(1, s.store.Len())
	})
}

func (s *InMemoryStoreSuite) TestUpsert_Takeover() {
	s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)

	out := s.store.Upsert(s.ctx, "Bus 1", "d2", nearby, s.now.Add(time.Second))
	s.Require().True(out.Accepted())
	s.Require().NotNil(out.Evicted)
	s.Equal(models.ConnectionID("d1"), out.Evicted.Connection)
	s.Equal(inside, out.Evicted.Point)

	rec, err := s.store.GetByIdentity(s.ctx, "Bus 1")
	s.Require().NoError(err)
	s.Equal(models.ConnectionID("d2"), rec.Connection)

	_, ok := s.store.RemoveByConnection(s.ctx, "d1")
	s.False(ok, "evicted connection no longer owns a record")
	s.NoError(s.store.Verify(s.ctx))
}

func (s *InMemoryStoreSuite) TestUpsert_IdentitySwitch() {
	s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)

	out := s.store.Upsert(s.ctx, "Bus 2", "d1", inside, s.now)
	s.Require().True(out.Accepted())
	s.Nil(out.Evicted)
	s.Require().NotNil(out.Removed)
	s.Equal(models.DriverIdentity("Bus 1"), out.Removed.Identity)

	_, err := s.store.GetByIdentity(s.ctx, "Bus 1")
	s.True(errors.Is(err, sentinel.ErrNotFound))
	s.Equal(1, s.store.Len())
	s.NoError(s.store.Verify(s.ctx))
}

func (s *InMemoryStoreSuite) TestUpsert_OutOfBounds() {
	s.Run("no record is created", func() {
		out := s.store.Upsert(s.ctx, "Bus 1", "d1", outside, s.now)
		s.Equal(models.UpsertRejectedOutOfBounds, out.Status)
		s.Nil(out.Removed)
		s.Equal(0, s.store.Len())
	})

	s.Run("own record is cleared", func() {
		s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)
		out := s.store.Upsert(s.ctx, "Bus 1", "d1", outside, s.now)
		s.Equal(models.UpsertRejectedOutOfBounds, out.Status)
		s.Require().NotNil(out.Removed)
		s.Equal(models.ConnectionID("d1"), out.Removed.Connection)
		s.Equal(0, s.store.Len())
	})

	s.Run("another connection's record is untouched", func() {
		s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)
		out := s.store.Upsert(s.ctx, "Bus 1", "d2", outside, s.now)
		s.Equal(models.UpsertRejectedOutOfBounds, out.Status)
		s.Nil(out.Removed)
		s.Nil(out.Evicted)

		rec, err := s.store.GetByIdentity(s.ctx, "Bus 1")
		s.Require().NoError(err)
		s.Equal(models.ConnectionID("d1"), rec.Connection)
	})

	s.Run("driver may resume after returning to the area", func() {
		s.store.Upsert(s.ctx, "Bus 3", "d3", outside, s.now)
		out := s.store.Upsert(s.ctx, "Bus 3", "d3", inside, s.now)
		s.True(out.Accepted())
	})
}

func (s *InMemoryStoreSuite) TestRemove() {
	s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)
	s.store.Upsert(s.ctx, "Bus 2", "d2", inside, s.now)

	s.Run("by connection", func() {
		rec, ok := s.store.RemoveByConnection(s.ctx, "d1")
		s.Require().True(ok)
		s.Equal(models.DriverIdentity("Bus 1"), rec.Identity)

		_, ok = s.store.RemoveByConnection(s.ctx, "d1")
		s.False(ok, "second remove is a no-op")
	})

	s.Run("by identity", func() {
		rec, ok := s.store.RemoveByIdentity(s.ctx, "Bus 2")
		s.Require().True(ok)
		s.Equal(models.ConnectionID("d2"), rec.Connection)

		_, ok = s.store.RemoveByConnection(s.ctx, "d2")
		s.False(ok, "reverse index cleared as well")
	})

	s.Equal(0, s.store.Len())
	s.NoError(s.store.Verify(s.ctx))
}

func (s *InMemoryStoreSuite) TestSnapshotActive() {
	s.store.Upsert(s.ctx, "Bus 2", "d2", nearby, s.now)
	s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)

	snap := s.store.SnapshotActive(s.ctx)
	s.Require().Len(snap, 2)
	s.Equal(models.DriverIdentity("Bus 1"), snap[0].Identity)
	s.Equal(models.DriverIdentity("Bus 2"), snap[1].Identity)

	s.Run("snapshot is a copy", func() {
		snap[0].Point = outside
		s.store.RemoveByIdentity(s.ctx, "Bus 2")

		rec, err := s.store.GetByIdentity(s.ctx, "Bus 1")
		s.Require().NoError(err)
		s.Equal(inside, rec.Point)
		s.Len(snap, 2)
	})

	s.Run("empty store gives empty, non-nil slice", func() {
		fresh := New(campus)
		got := fresh.SnapshotActive(s.ctx)
		s.NotNil(got)
		s.Empty(got)
	})
}

func (s *InMemoryStoreSuite) TestVerifyAndHeal() {
	s.store.Upsert(s.ctx, "Bus 1", "d1", inside, s.now)
	s.store.Upsert(s.ctx, "Bus 2", "d2", inside, s.now)
	s.Require().NoError(s.store.Verify(s.ctx))

	// Simulate a corrupted reverse index: d3 claims Bus 1 although d1 owns it.
	s.store.mu.Lock()
	s.store.byConnection["d3"] = "Bus 1"
	s.store.mu.Unlock()

	err := s.store.Verify(s.ctx)
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrInvalidState))

	healed := s.store.Heal(s.ctx)
	conns := make([]models.ConnectionID, 0, len(healed))
	for _, rec := range healed {
		s.Equal(models.DriverIdentity("Bus 1"), rec.Identity)
		conns = append(conns, rec.Connection)
	}
	s.ElementsMatch([]models.ConnectionID{"d1", "d3"}, conns)

	s.NoError(s.store.Verify(s.ctx))
	s.Equal(1, s.store.Len())
	_, err = s.store.GetByIdentity(s.ctx, "Bus 2")
	s.NoError(err, "unrelated identity survives healing")
}

// Two connections race to claim the same identity. Whatever the interleaving,
// exactly one record must exist afterwards and every takeover must report the
// record it evicted.
func (s *InMemoryStoreSuite) TestConcurrent_SameIdentityRace() {
	const rounds = 500

	var wg sync.WaitGroup
	var mu sync.Mutex
	evictions := map[models.ConnectionID]int{}

	for _, conn := range []models.ConnectionID{"d1", "d2"} {
		wg.Go(func() {
			for range rounds {
				out := s.store.Upsert(s.ctx, "Bus 1", conn, inside, time.Now())
				s.True(out.Accepted())
				if out.Evicted != nil {
					s.NotEqual(conn, out.Evicted.Connection)
					mu.Lock()
					evictions[out.Evicted.Connection]++
					mu.Unlock()
				}
				s.LessOrEqual(s.store.Len(), 1)
			}
		})
	}
	wg.Wait()

	s.Equal(1, s.store.Len())
	s.NoError(s.store.Verify(s.ctx))

	// Each eviction hands ownership over; the counts can differ by at most one.
	diff := evictions["d1"] - evictions["d2"]
	s.LessOrEqual(diff, 1)
	s.GreaterOrEqual(diff, -1)
}

func (s *InMemoryStoreSuite) TestConcurrent_ManyIdentities() {
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			identity := models.DriverIdentity(string(rune('A' + i%26)))
			conn := models.ConnectionID(string(rune('a' + i%26)))
			s.store.Upsert(s.ctx, identity, conn, inside, time.Now())
			_ = s.store.SnapshotActive(s.ctx)
			if i%3 == 0 {
				s.store.RemoveByConnection(s.ctx, conn)
			}
		})
	}
	wg.Wait()
	s.NoError(s.store.Verify(s.ctx))
}
