package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, queues and clients return
// these (optionally wrapped) so the presence service can translate them into
// protocol responses.
//
// - ErrNotFound: connection or driver record does not exist
// - ErrInvalidState: entity in wrong state for the requested operation
// - ErrClosed: queue or connection already shut down
// - ErrUnavailable: optional backend (e.g. Redis) not reachable
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrClosed       = errors.New("closed")
	ErrUnavailable  = errors.New("unavailable")
)
