package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"shuttle/internal/presence/models"
	"shuttle/internal/presence/store/connection"
	"shuttle/pkg/platform/sentinel"
)

type recordingSender struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (r *recordingSender) Send(e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSender) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeSink struct {
	offered []models.Event
	full    bool
}

func (f *fakeSink) Offer(e models.Event) bool {
	if f.full {
		return false
	}
	f.offered = append(f.offered, e)
	return true
}

type RouterSuite struct {
	suite.Suite
	ctx      context.Context
	registry *connection.InMemoryRegistry
	senders  map[models.ConnectionID]*recordingSender
	sink     *fakeSink
	router   *Router
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.registry = connection.New()
	s.senders = map[models.ConnectionID]*recordingSender{}
	s.sink = &fakeSink{}

	for id, role := range map[models.ConnectionID]models.Role{
		"o1": models.RoleObserver,
		"o2": models.RoleObserver,
		"a1": models.RoleAdmin,
		"d1": models.RoleDriver,
	} {
		s.senders[id] = &recordingSender{}
		s.registry.Register(s.ctx, id, s.senders[id])
		s.Require().NoError(s.registry.SetRole(s.ctx, id, role))
	}
	s.senders["u1"] = &recordingSender{}
	s.registry.Register(s.ctx, "u1", s.senders["u1"])

	var err error
	s.router, err = New(s.registry, WithSink(s.sink))
	s.Require().NoError(err)
}

func (s *RouterSuite) TestNew() {
	_, err := New(nil)
	s.Error(err)
}

func (s *RouterSuite) TestEmitToObservers() {
	event := models.NewForceStop("x")
	n := s.router.EmitToObservers(s.ctx, event)

	s.Equal(3, n)
	s.Equal([]models.EventKind{models.EventForceStopSharing}, s.senders["o1"].kinds())
	s.Equal([]models.EventKind{models.EventForceStopSharing}, s.senders["o2"].kinds())
	s.Equal([]models.EventKind{models.EventForceStopSharing}, s.senders["a1"].kinds())
	s.Empty(s.senders["d1"].kinds(), "drivers are not observers")
	s.Empty(s.senders["u1"].kinds(), "unjoined connections get nothing")
	s.Len(s.sink.offered, 1)
}

func (s *RouterSuite) TestEmitToObservers_FailureDoesNotStopOthers() {
	s.senders["o1"].err = errors.New("broken pipe")

	n := s.router.EmitToObservers(s.ctx, models.NewForceStop("x"))

	s.Equal(2, n)
	s.Len(s.senders["o2"].kinds(), 1)
	s.Len(s.senders["a1"].kinds(), 1)
}

func (s *RouterSuite) TestEmitToObservers_FullSinkDoesNotStopDelivery() {
	s.sink.full = true
	n := s.router.EmitToObservers(s.ctx, models.NewForceStop("x"))
	s.Equal(3, n)
}

func (s *RouterSuite) TestEmitToConnection() {
	s.Run("unicast reaches only the target", func() {
		s.Require().NoError(s.router.EmitToConnection(s.ctx, "d1", models.NewForceStop("x")))
		s.Len(s.senders["d1"].kinds(), 1)
		s.Empty(s.senders["o1"].kinds())
		s.Empty(s.sink.offered, "unicasts are not mirrored to the sink")
	})

	s.Run("unknown connection", func() {
		err := s.router.EmitToConnection(s.ctx, "missing", models.NewForceStop("x"))
		s.True(errors.Is(err, sentinel.ErrNotFound))
	})

	s.Run("send failure is reported", func() {
		s.senders["d1"].err = errors.New("closed")
		err := s.router.EmitToConnection(s.ctx, "d1", models.NewForceStop("x"))
		s.True(errors.Is(err, models.ErrDeliveryFailure))
	})
}
