package models

// EventKind is the "type" field of the wire envelope.
type EventKind string

const (
	EventInitialDrivers   EventKind = "initial_drivers"
	EventShuttleMoved     EventKind = "shuttle_moved"
	EventDriverOffline    EventKind = "driver_offline"
	EventForceStopSharing EventKind = "force_stop_sharing"
	EventJoinAck          EventKind = "join_ack"
	EventError            EventKind = "error"
)

// Inbound message types.
const (
	MessageJoinRole       = "join_role"
	MessageUpdateLocation = "update_location"
	MessageStopSharing    = "stop_sharing"
	MessageAdminForceStop = "admin_force_stop"
)

// Force-stop reasons sent to drivers.
const (
	ReasonOutsideServiceArea = "Outside Service Area"
	ReasonStoppedByAdmin     = "Stopped by administrator"
	ReasonSessionReplaced    = "Session replaced by a newer connection"
)

// Event is one outbound message. It marshals directly to the wire envelope.
type Event struct {
	Type EventKind `json:"type"`
	Data any       `json:"data,omitempty"`
}

// DriverPosition is the payload of shuttle_moved and of each initial_drivers entry.
type DriverPosition struct {
	Identity   DriverIdentity `json:"identity"`
	Connection ConnectionID   `json:"connection"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	LastUpdate int64          `json:"lastUpdate"`
}

// DriverOfflinePayload is the payload of driver_offline.
type DriverOfflinePayload struct {
	Connection ConnectionID   `json:"connection"`
	Identity   DriverIdentity `json:"identity,omitempty"`
}

// ForceStopPayload is the payload of force_stop_sharing.
type ForceStopPayload struct {
	Reason string `json:"reason"`
}

// JoinAckPayload confirms a join.
type JoinAckPayload struct {
	Connection ConnectionID `json:"connection"`
	Role       Role         `json:"role"`
}

// ErrorPayload tells a client its request was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Position converts a record to its wire form. lastUpdate is Unix milliseconds.
func (r DriverRecord) Position() DriverPosition {
	return DriverPosition{
		Identity:   r.Identity,
		Connection: r.Connection,
		Lat:        r.Point.Lat,
		Lng:        r.Point.Lng,
		LastUpdate: r.LastUpdatedAt.UnixMilli(),
	}
}

func NewShuttleMoved(r DriverRecord) Event {
	return Event{Type: EventShuttleMoved, Data: r.Position()}
}

func NewDriverOffline(r DriverRecord) Event {
	return Event{Type: EventDriverOffline, Data: DriverOfflinePayload{Connection: r.Connection, Identity: r.Identity}}
}

// NewInitialDrivers always carries a non-nil list so clients receive [] rather
// than a missing field.
func NewInitialDrivers(records []DriverRecord) Event {
	list := make([]DriverPosition, 0, len(records))
	for _, r := range records {
		list = append(list, r.Position())
	}
	return Event{Type: EventInitialDrivers, Data: list}
}

func NewForceStop(reason string) Event {
	return Event{Type: EventForceStopSharing, Data: ForceStopPayload{Reason: reason}}
}

func NewJoinAck(conn ConnectionID, role Role) Event {
	return Event{Type: EventJoinAck, Data: JoinAckPayload{Connection: conn, Role: role}}
}

func NewError(code, message string) Event {
	return Event{Type: EventError, Data: ErrorPayload{Code: code, Message: message}}
}
