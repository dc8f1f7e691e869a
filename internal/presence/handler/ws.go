// Package handler exposes the presence hub over HTTP: the websocket session
// endpoint and a read-only snapshot of active drivers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shuttle/internal/platform/middleware"
	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/metrics"
	"shuttle/internal/presence/models"
	"shuttle/internal/presence/outbox"
	"shuttle/internal/presence/store/connection"
	"shuttle/pkg/platform/sentinel"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from client.
	maxMessageSize = 4096

	// Events written per wake-up of the writer.
	writeBatch = 32
)

var errForbidden = errors.New("forbidden")

// Controller is the session lifecycle the handler drives.
type Controller interface {
	Connect(ctx context.Context, conn models.ConnectionID, sender connection.Sender) error
	Join(ctx context.Context, conn models.ConnectionID, role models.Role) error
	UpdateLocation(ctx context.Context, conn models.ConnectionID, identity models.DriverIdentity, point geo.Point) error
	Stop(ctx context.Context, conn models.ConnectionID) error
	Disconnect(ctx context.Context, conn models.ConnectionID) error
	AdminForceStop(ctx context.Context, conn models.ConnectionID, target models.ForceStopTarget) error
	ActiveDrivers(ctx context.Context) []models.DriverPosition
}

// Handler serves websocket sessions and the driver snapshot.
type Handler struct {
	ctrl       Controller
	logger     *slog.Logger
	metrics    *metrics.Metrics
	outboxSize int
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
	stopping context.Context
	stop     context.CancelFunc
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithOutboxSize bounds the per-connection outbound queue.
func WithOutboxSize(n int) Option {
	return func(h *Handler) {
		h.outboxSize = n
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// every origin, matching the mobile and web clients.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

func New(ctrl Controller, opts ...Option) (*Handler, error) {
	if ctrl == nil {
		return nil, errors.New("presence controller is required")
	}
	h := &Handler{
		ctrl:       ctrl,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		outboxSize: outbox.DefaultCapacity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	h.stopping, h.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// CloseSessions ends every live session with a normal close frame and
// refuses new upgrades. It is meant for http.Server.RegisterOnShutdown,
// since Shutdown does not touch hijacked connections.
func (h *Handler) CloseSessions() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stop()
}

// Drain waits until every session has been torn down or ctx expires.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain websocket sessions: %w", ctx.Err())
	}
}

func (h *Handler) beginSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// Register registers the presence routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/ws", h.ServeWS)
	r.Get("/drivers", h.handleListDrivers)
}

// handleListDrivers returns the active drivers in the initial_drivers shape.
func (h *Handler) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := h.ctrl.ActiveDrivers(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(drivers); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode drivers response", "error", err)
	}
}

// session is one websocket connection.
type session struct {
	h         *Handler
	id        models.ConnectionID
	conn      *websocket.Conn
	out       *outbox.Outbox
	principal *middleware.Principal
}

// ServeWS upgrades the request and runs the session until the socket closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	if !h.beginSession() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// The session outlives nothing but the socket; request values such as the
	// request id are kept for logging.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	defer context.AfterFunc(h.stopping, cancel)()

	s := &session{
		h:         h,
		id:        models.ConnectionID(uuid.NewString()),
		conn:      conn,
		principal: principal,
	}
	s.out = outbox.New(h.outboxSize, outbox.WithDropHook(func() {
		h.metrics.IncrementOutboxDropped()
	}))

	if err := h.ctrl.Connect(ctx, s.id, s.out); err != nil {
		h.logger.ErrorContext(ctx, "failed to register connection",
			"connection", s.id,
			"error", err,
		)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub unavailable"))
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx)
	}()

	s.readPump(ctx)

	// ctx may already be cancelled by CloseSessions; teardown still runs.
	if err := h.ctrl.Disconnect(context.WithoutCancel(ctx), s.id); err != nil && !errors.Is(err, sentinel.ErrClosed) {
		h.logger.ErrorContext(ctx, "failed to tear down connection",
			"connection", s.id,
			"error", err,
		)
	}
	s.out.Close()
	cancel()
	<-writerDone
	_ = conn.Close()
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.h.logger.WarnContext(ctx, "websocket read failed",
					"connection", s.id,
					"error", err,
				)
			}
			return
		}

		msg, err := decodeEnvelope(raw)
		if err != nil {
			err = decodeError{err}
		} else {
			err = s.dispatch(ctx, msg)
		}
		if err != nil {
			s.report(ctx, msg.Type, err)
		}
	}
}

// writePump drains the outbox to the socket and keeps the peer alive with
// pings. It returns when ctx is cancelled or a write fails; closing the
// socket on failure unblocks the reader.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.flush()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			// Give the peer writeWait to answer the close before the reader
			// gives up.
			_ = s.conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		case <-s.out.Ready():
			if err := s.flush(); err != nil {
				s.h.logger.DebugContext(ctx, "websocket write failed",
					"connection", s.id,
					"error", err,
				)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *session) flush() error {
	for {
		batch := s.out.DequeueBatch(writeBatch)
		if len(batch) == 0 {
			return nil
		}
		for _, event := range batch {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(event); err != nil {
				return err
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, msg inbound) error {
	switch msg.Type {
	case models.MessageJoinRole:
		role, err := decodeJoinRole(msg.Data)
		if err != nil {
			return decodeError{err}
		}
		if err := s.authorizeRole(role); err != nil {
			return err
		}
		return s.h.ctrl.Join(ctx, s.id, role)

	case models.MessageUpdateLocation:
		identity, point, err := decodeLocation(msg.Data)
		if err != nil {
			return decodeError{err}
		}
		identity, err = s.authorizeIdentity(identity)
		if err != nil {
			return err
		}
		return s.h.ctrl.UpdateLocation(ctx, s.id, identity, point)

	case models.MessageStopSharing:
		return s.h.ctrl.Stop(ctx, s.id)

	case models.MessageAdminForceStop:
		target, err := decodeForceStopTarget(msg.Data)
		if err != nil {
			return decodeError{err}
		}
		return s.h.ctrl.AdminForceStop(ctx, s.id, target)

	default:
		return decodeError{fmt.Errorf("unknown message type %q: %w", msg.Type, models.ErrMalformedInput)}
	}
}

// authorizeRole checks a join against the token, when one was presented.
// An admin token may also join as observer.
func (s *session) authorizeRole(role models.Role) error {
	if s.principal == nil {
		return nil
	}
	granted, err := models.ParseRole(s.principal.Role)
	if err != nil {
		return fmt.Errorf("token role %q: %w", s.principal.Role, errForbidden)
	}
	if granted == role || (granted == models.RoleAdmin && role == models.RoleObserver) {
		return nil
	}
	return fmt.Errorf("token for %s cannot join as %s: %w", granted, role, errForbidden)
}

// authorizeIdentity applies the driver identity pinned by the token.
func (s *session) authorizeIdentity(identity models.DriverIdentity) (models.DriverIdentity, error) {
	if s.principal == nil || s.principal.DriverID == "" {
		return identity, nil
	}
	pinned := models.DriverIdentity(s.principal.DriverID)
	if identity == "" || identity == pinned {
		return pinned, nil
	}
	return "", fmt.Errorf("token is pinned to %q, update claims %q: %w", pinned, identity, errForbidden)
}

// decodeError marks a message rejected before it reached the controller.
type decodeError struct{ error }

func (e decodeError) Unwrap() error { return e.error }

// report logs a rejected message. Errors the controller has already
// answered or counted are only logged; handler-level rejections are counted
// here and forbidden requests get an error event.
func (s *session) report(ctx context.Context, msgType string, err error) {
	switch {
	case errors.Is(err, errForbidden):
		s.h.metrics.IncrementRejected("forbidden")
		s.h.logger.WarnContext(ctx, "message forbidden by token",
			"connection", s.id,
			"type", msgType,
			"error", err,
		)
		_ = s.out.Send(models.NewError("forbidden", err.Error()))
	case errors.Is(err, models.ErrMalformedInput):
		var de decodeError
		if errors.As(err, &de) {
			s.h.metrics.IncrementRejected("malformed")
		}
		s.h.logger.DebugContext(ctx, "malformed message dropped",
			"connection", s.id,
			"type", msgType,
			"error", err,
		)
	case errors.Is(err, sentinel.ErrClosed):
		s.h.logger.WarnContext(ctx, "presence controller stopped",
			"connection", s.id,
		)
		_ = s.conn.Close()
	default:
		s.h.logger.DebugContext(ctx, "message rejected",
			"connection", s.id,
			"type", msgType,
			"error", err,
		)
	}
}
