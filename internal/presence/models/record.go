package models

import (
	"time"

	"shuttle/internal/presence/geo"
)

// DriverRecord is the last accepted position of an active driver identity.
type DriverRecord struct {
	Identity      DriverIdentity
	Connection    ConnectionID
	Point         geo.Point
	LastUpdatedAt time.Time
}

// UpsertStatus is the result class of a position write.
type UpsertStatus int

const (
	UpsertAccepted UpsertStatus = iota
	UpsertRejectedOutOfBounds
)

func (s UpsertStatus) String() string {
	switch s {
	case UpsertAccepted:
		return "accepted"
	case UpsertRejectedOutOfBounds:
		return "rejected_out_of_bounds"
	default:
		return "unknown"
	}
}

// UpsertOutcome reports what a position write did to the store.
//
// Evicted is the record of another connection that previously owned the
// identity. Removed is a record owned by the writing connection that no
// longer applies: cleared by a geofence rejection or replaced because the
// connection switched identity.
type UpsertOutcome struct {
	Status  UpsertStatus
	Evicted *DriverRecord
	Removed *DriverRecord
}

// Accepted reports whether the position was written.
func (o UpsertOutcome) Accepted() bool {
	return o.Status == UpsertAccepted
}
