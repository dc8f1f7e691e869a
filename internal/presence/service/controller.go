// Package service runs the session lifecycle. Every inbound protocol message
// becomes a command applied by one actor goroutine, so registry and driver
// store mutations never interleave and a disconnect teardown is never
// followed by an update from the same connection.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/metrics"
	"shuttle/internal/presence/models"
	"shuttle/internal/presence/store/connection"
	"shuttle/pkg/platform/sentinel"
)

const (
	tracerName            = "shuttle/internal/presence/service"
	defaultVerifyInterval = 30 * time.Second
)

// Registry is the connection registry the controller mutates.
type Registry interface {
	Register(ctx context.Context, id models.ConnectionID, sender connection.Sender)
	SetRole(ctx context.Context, id models.ConnectionID, role models.Role) error
	BindIdentity(ctx context.Context, id models.ConnectionID, identity models.DriverIdentity) error
	Unregister(ctx context.Context, id models.ConnectionID) (connection.Entry, bool)
	Get(ctx context.Context, id models.ConnectionID) (connection.Entry, bool)
	CountByRole(ctx context.Context) map[models.Role]int
}

// DriverStore holds the active driver records.
type DriverStore interface {
	Upsert(ctx context.Context, identity models.DriverIdentity, conn models.ConnectionID, point geo.Point, now time.Time) models.UpsertOutcome
	RemoveByConnection(ctx context.Context, conn models.ConnectionID) (models.DriverRecord, bool)
	RemoveByIdentity(ctx context.Context, identity models.DriverIdentity) (models.DriverRecord, bool)
	GetByIdentity(ctx context.Context, identity models.DriverIdentity) (models.DriverRecord, error)
	SnapshotActive(ctx context.Context) []models.DriverRecord
	Len() int
	Verify(ctx context.Context) error
	Heal(ctx context.Context) []models.DriverRecord
}

// Broadcaster delivers outbound events.
type Broadcaster interface {
	EmitToObservers(ctx context.Context, event models.Event) int
	EmitToConnection(ctx context.Context, id models.ConnectionID, event models.Event) error
}

type command struct {
	ctx   context.Context
	op    string
	conn  models.ConnectionID
	apply func(ctx context.Context) error
	reply chan error
}

// Controller orchestrates join, position update, stop, disconnect and admin
// force stop. Run must be running for any of the command methods to return.
type Controller struct {
	registry Registry
	drivers  DriverStore
	router   Broadcaster

	commands chan command
	done     chan struct{}
	running  atomic.Bool

	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	clock          func() time.Time
	development    bool
	verifyInterval time.Duration
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the time source stamped on driver records.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithDevelopment makes invariant violations panic instead of self-healing,
// and checks the driver store after every command.
func WithDevelopment(enabled bool) Option {
	return func(c *Controller) {
		c.development = enabled
	}
}

// WithVerifyInterval sets how often the driver store is checked for
// duplicate records. Zero disables the periodic check.
func WithVerifyInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.verifyInterval = d
	}
}

func New(registry Registry, drivers DriverStore, router Broadcaster, opts ...Option) (*Controller, error) {
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if drivers == nil {
		return nil, errors.New("driver store is required")
	}
	if router == nil {
		return nil, errors.New("broadcast router is required")
	}
	c := &Controller{
		registry:       registry,
		drivers:        drivers,
		router:         router,
		commands:       make(chan command),
		done:           make(chan struct{}),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:         otel.Tracer(tracerName),
		clock:          time.Now,
		verifyInterval: defaultVerifyInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run applies commands one at a time until ctx is cancelled. It may be
// called only once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.done)

	var verify <-chan time.Time
	if c.verifyInterval > 0 {
		ticker := time.NewTicker(c.verifyInterval)
		defer ticker.Stop()
		verify = ticker.C
	}

	c.logger.InfoContext(ctx, "presence controller started",
		"service_area_radius_km", c.serviceAreaRadius(),
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "presence controller stopped")
			return ctx.Err()
		case cmd := <-c.commands:
			cmd.reply <- c.execute(cmd)
		case <-verify:
			_ = c.checkInvariants(ctx)
		}
	}
}

func (c *Controller) serviceAreaRadius() float64 {
	if a, ok := c.drivers.(interface{ Area() geo.Area }); ok {
		return a.Area().RadiusKm
	}
	return 0
}

// Connect registers a new transport session with no role.
func (c *Controller) Connect(ctx context.Context, conn models.ConnectionID, sender connection.Sender) error {
	if conn == "" || sender == nil {
		return fmt.Errorf("connection id and sender are required: %w", models.ErrMalformedInput)
	}
	return c.submit(ctx, "connect", conn, func(ctx context.Context) error {
		c.registry.Register(ctx, conn, sender)
		c.logger.InfoContext(ctx, "connection registered", "connection", conn)
		return nil
	})
}

// Join assigns the connection's role. Observers and admins receive the
// current driver snapshot right after the acknowledgement.
func (c *Controller) Join(ctx context.Context, conn models.ConnectionID, role models.Role) error {
	return c.submit(ctx, "join", conn, func(ctx context.Context) error {
		if role != models.RoleDriver && !role.IsObserver() {
			return fmt.Errorf("join as %q: %w", role, models.ErrMalformedInput)
		}
		entry, ok := c.registry.Get(ctx, conn)
		if !ok {
			return fmt.Errorf("join %s: %w", conn, sentinel.ErrNotFound)
		}
		if entry.Role != models.RoleNone {
			return fmt.Errorf("connection %s already joined as %s: %w", conn, entry.Role, models.ErrInvalidTransition)
		}
		if err := c.registry.SetRole(ctx, conn, role); err != nil {
			return err
		}

		c.unicast(ctx, conn, models.NewJoinAck(conn, role))
		if role.IsObserver() {
			c.unicast(ctx, conn, models.NewInitialDrivers(c.drivers.SnapshotActive(ctx)))
		}
		c.logger.InfoContext(ctx, "connection joined",
			"connection", conn,
			"role", role.String(),
		)
		return nil
	})
}

// UpdateLocation applies one driver position. An empty identity falls back
// to the identity the connection last claimed.
func (c *Controller) UpdateLocation(ctx context.Context, conn models.ConnectionID, identity models.DriverIdentity, point geo.Point) error {
	return c.submit(ctx, "update_location", conn, func(ctx context.Context) error {
		entry, err := c.requireRole(ctx, conn, models.RoleDriver, models.MessageUpdateLocation)
		if err != nil {
			return err
		}
		if identity == "" {
			identity = entry.Identity
		}
		if identity == "" {
			return fmt.Errorf("update from %s has no driver identity: %w", conn, models.ErrMalformedInput)
		}
		if !point.Valid() {
			return fmt.Errorf("update from %s has invalid point %v: %w", conn, point, models.ErrMalformedInput)
		}
		if err := c.registry.BindIdentity(ctx, conn, identity); err != nil {
			return err
		}

		now := c.clock()
		out := c.drivers.Upsert(ctx, identity, conn, point, now)
		if !out.Accepted() {
			c.unicast(ctx, conn, models.NewForceStop(models.ReasonOutsideServiceArea))
			if out.Removed != nil {
				c.goOffline(ctx, *out.Removed, "out_of_area")
			}
			return fmt.Errorf("driver %s at %.5f,%.5f: %w", identity, point.Lat, point.Lng, models.ErrOutOfServiceArea)
		}

		if out.Removed != nil {
			c.goOffline(ctx, *out.Removed, "identity_switch")
		}
		if out.Evicted != nil {
			c.goOffline(ctx, *out.Evicted, "evicted")
			c.unicast(ctx, out.Evicted.Connection, models.NewForceStop(models.ReasonSessionReplaced))
			c.logger.InfoContext(ctx, "driver session replaced",
				"identity", identity,
				"evicted_connection", out.Evicted.Connection,
				"connection", conn,
			)
		}

		c.router.EmitToObservers(ctx, models.NewShuttleMoved(models.DriverRecord{
			Identity:      identity,
			Connection:    conn,
			Point:         point,
			LastUpdatedAt: now,
		}))
		return nil
	})
}

// Stop clears the connection's driver record. Calling it again is a no-op.
func (c *Controller) Stop(ctx context.Context, conn models.ConnectionID) error {
	return c.submit(ctx, "stop", conn, func(ctx context.Context) error {
		if _, err := c.requireRole(ctx, conn, models.RoleDriver, models.MessageStopSharing); err != nil {
			return err
		}
		if rec, ok := c.drivers.RemoveByConnection(ctx, conn); ok {
			c.goOffline(ctx, rec, "stop")
		}
		return nil
	})
}

// Disconnect tears the connection down. Unknown connections are ignored.
func (c *Controller) Disconnect(ctx context.Context, conn models.ConnectionID) error {
	return c.submit(ctx, "disconnect", conn, func(ctx context.Context) error {
		entry, ok := c.registry.Unregister(ctx, conn)
		if !ok {
			return nil
		}
		if rec, ok := c.drivers.RemoveByConnection(ctx, conn); ok {
			c.goOffline(ctx, rec, "disconnect")
		}
		c.logger.InfoContext(ctx, "connection closed",
			"connection", conn,
			"role", entry.Role.String(),
		)
		return nil
	})
}

// AdminForceStop stops a driver on behalf of an admin. The target is
// resolved as a driver connection first and as an active identity second.
func (c *Controller) AdminForceStop(ctx context.Context, conn models.ConnectionID, target models.ForceStopTarget) error {
	return c.submit(ctx, "admin_force_stop", conn, func(ctx context.Context) error {
		if _, err := c.requireRole(ctx, conn, models.RoleAdmin, models.MessageAdminForceStop); err != nil {
			return err
		}
		if target.IsZero() {
			return fmt.Errorf("force stop from %s has no target: %w", conn, models.ErrMalformedInput)
		}
		targetConn, identity, err := c.resolveTarget(ctx, target)
		if err != nil {
			return err
		}

		c.unicast(ctx, targetConn, models.NewForceStop(models.ReasonStoppedByAdmin))
		var (
			rec     models.DriverRecord
			removed bool
		)
		if identity != "" {
			rec, removed = c.drivers.RemoveByIdentity(ctx, identity)
		} else {
			rec, removed = c.drivers.RemoveByConnection(ctx, targetConn)
		}
		if removed {
			c.goOffline(ctx, rec, "admin")
		}
		c.logger.InfoContext(ctx, "driver force stopped by admin",
			"admin_connection", conn,
			"target_connection", targetConn,
		)
		return nil
	})
}

// CheckInvariants verifies the driver store and heals it if needed. It
// returns the violation that was found, if any.
func (c *Controller) CheckInvariants(ctx context.Context) error {
	return c.submit(ctx, "verify", "", c.checkInvariants)
}

// ActiveDrivers returns a point-in-time copy of the active driver positions.
func (c *Controller) ActiveDrivers(ctx context.Context) []models.DriverPosition {
	records := c.drivers.SnapshotActive(ctx)
	out := make([]models.DriverPosition, 0, len(records))
	for _, r := range records {
		out = append(out, r.Position())
	}
	return out
}

func (c *Controller) submit(ctx context.Context, op string, conn models.ConnectionID, apply func(context.Context) error) error {
	cmd := command{ctx: ctx, op: op, conn: conn, apply: apply, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return fmt.Errorf("presence controller: %w", sentinel.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	// Run replies to every command it accepts.
	return <-cmd.reply
}

func (c *Controller) execute(cmd command) error {
	ctx, span := c.tracer.Start(cmd.ctx, "presence."+cmd.op,
		trace.WithAttributes(attribute.String("presence.connection", string(cmd.conn))),
	)
	defer span.End()

	start := time.Now()
	err := cmd.apply(ctx)
	c.metrics.ObserveCommandLatency(cmd.op, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.reject(ctx, cmd, err)
	}
	if c.development && cmd.op != "verify" {
		_ = c.checkInvariants(ctx)
	}
	c.refreshGauges(ctx)
	return err
}

// reject reports a failed command. Protocol misuse is answered with an error
// event so the client learns its request was refused; malformed input is
// dropped silently.
func (c *Controller) reject(ctx context.Context, cmd command, err error) {
	switch {
	case errors.Is(err, models.ErrMalformedInput):
		c.metrics.IncrementRejected("malformed")
		c.logger.DebugContext(ctx, "malformed message dropped",
			"connection", cmd.conn,
			"op", cmd.op,
			"error", err,
		)
	case errors.Is(err, models.ErrOutOfServiceArea):
		c.metrics.IncrementRejected("out_of_area")
		c.logger.InfoContext(ctx, "position rejected outside service area",
			"connection", cmd.conn,
			"error", err,
		)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, sentinel.ErrNotFound):
		c.metrics.IncrementRejected(models.ErrorCode(err))
		c.logger.WarnContext(ctx, "request rejected",
			"connection", cmd.conn,
			"op", cmd.op,
			"error", err,
		)
		if cmd.conn != "" {
			c.unicast(ctx, cmd.conn, models.NewError(models.ErrorCode(err), err.Error()))
		}
	default:
		c.logger.ErrorContext(ctx, "command failed",
			"connection", cmd.conn,
			"op", cmd.op,
			"error", err,
		)
	}
}

func (c *Controller) requireRole(ctx context.Context, conn models.ConnectionID, role models.Role, message string) (connection.Entry, error) {
	entry, ok := c.registry.Get(ctx, conn)
	if !ok {
		return connection.Entry{}, fmt.Errorf("%s from %s: %w", message, conn, sentinel.ErrNotFound)
	}
	if entry.Role != role {
		return connection.Entry{}, fmt.Errorf("%s requires role %s, connection %s is %s: %w",
			message, role, conn, entry.Role, models.ErrInvalidTransition)
	}
	return entry, nil
}

// resolveTarget returns the driver connection to stop. identity is set when
// the target matched an active record by identity.
func (c *Controller) resolveTarget(ctx context.Context, target models.ForceStopTarget) (models.ConnectionID, models.DriverIdentity, error) {
	if target.Connection != "" {
		if e, ok := c.registry.Get(ctx, target.Connection); ok && e.Role == models.RoleDriver {
			return e.ID, "", nil
		}
	}
	if target.Identity != "" {
		if rec, err := c.drivers.GetByIdentity(ctx, target.Identity); err == nil {
			return rec.Connection, rec.Identity, nil
		}
	}
	return "", "", fmt.Errorf("no driver matches force stop target (connection=%q identity=%q): %w",
		target.Connection, target.Identity, sentinel.ErrNotFound)
}

// goOffline announces a removed record to observers.
func (c *Controller) goOffline(ctx context.Context, rec models.DriverRecord, cause string) {
	c.metrics.IncrementDriverRemovals(cause)
	c.router.EmitToObservers(ctx, models.NewDriverOffline(rec))
	c.logger.InfoContext(ctx, "driver offline",
		"identity", rec.Identity,
		"connection", rec.Connection,
		"cause", cause,
	)
}

func (c *Controller) unicast(ctx context.Context, conn models.ConnectionID, event models.Event) {
	if err := c.router.EmitToConnection(ctx, conn, event); err != nil {
		c.logger.DebugContext(ctx, "unicast not delivered",
			"connection", conn,
			"event", event.Type,
			"error", err,
		)
	}
}

func (c *Controller) checkInvariants(ctx context.Context) error {
	err := c.drivers.Verify(ctx)
	if err == nil {
		return nil
	}
	c.logger.ErrorContext(ctx, "driver store invariant violated", "error", err)
	if c.development {
		panic(fmt.Sprintf("driver store invariant violated: %v", err))
	}
	for _, rec := range c.drivers.Heal(ctx) {
		c.goOffline(ctx, rec, "heal")
	}
	return err
}

func (c *Controller) refreshGauges(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetActiveDrivers(c.drivers.Len())
	counts := c.registry.CountByRole(ctx)
	for _, role := range []models.Role{models.RoleNone, models.RoleDriver, models.RoleObserver, models.RoleAdmin} {
		c.metrics.SetConnections(role.String(), counts[role])
	}
}
