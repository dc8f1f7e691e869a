package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/models"
)

// inbound is the client to server envelope.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type joinRequest struct {
	Role string `json:"role"`
}

// locationRequest uses pointers so a missing coordinate can be told apart
// from a legitimate 0.
type locationRequest struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type forceStopRequest struct {
	TargetConnection string `json:"targetConnection"`
	TargetIdentity   string `json:"targetIdentity"`
}

func decodeEnvelope(raw []byte) (inbound, error) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return inbound{}, fmt.Errorf("decode envelope: %w: %v", models.ErrMalformedInput, err)
	}
	if msg.Type == "" {
		return inbound{}, fmt.Errorf("envelope without type: %w", models.ErrMalformedInput)
	}
	return msg, nil
}

// decodeJoinRole accepts "driver" or {"role": "driver"}.
func decodeJoinRole(data json.RawMessage) (models.Role, error) {
	var raw string
	if isJSONString(data) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return models.RoleNone, fmt.Errorf("join_role: %w: %v", models.ErrMalformedInput, err)
		}
	} else {
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return models.RoleNone, fmt.Errorf("join_role: %w: %v", models.ErrMalformedInput, err)
		}
		raw = req.Role
	}
	return models.ParseRole(raw)
}

// decodeLocation returns the claimed identity (possibly empty) and point.
func decodeLocation(data json.RawMessage) (models.DriverIdentity, geo.Point, error) {
	var req locationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", geo.Point{}, fmt.Errorf("update_location: %w: %v", models.ErrMalformedInput, err)
	}
	if req.Lat == nil || req.Lng == nil {
		return "", geo.Point{}, fmt.Errorf("update_location without lat/lng: %w", models.ErrMalformedInput)
	}
	point := geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	if !point.Valid() {
		return "", geo.Point{}, fmt.Errorf("update_location with invalid point %v: %w", point, models.ErrMalformedInput)
	}
	return models.DriverIdentity(strings.TrimSpace(req.DriverID)), point, nil
}

// decodeForceStopTarget accepts a bare string, tried later as a connection
// and then as an identity, or an object naming one of them.
func decodeForceStopTarget(data json.RawMessage) (models.ForceStopTarget, error) {
	if isJSONString(data) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return models.ForceStopTarget{}, fmt.Errorf("admin_force_stop: %w: %v", models.ErrMalformedInput, err)
		}
		raw = strings.TrimSpace(raw)
		return models.ForceStopTarget{
			Connection: models.ConnectionID(raw),
			Identity:   models.DriverIdentity(raw),
		}, nil
	}

	var req forceStopRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return models.ForceStopTarget{}, fmt.Errorf("admin_force_stop: %w: %v", models.ErrMalformedInput, err)
	}
	target := models.ForceStopTarget{
		Connection: models.ConnectionID(strings.TrimSpace(req.TargetConnection)),
		Identity:   models.DriverIdentity(strings.TrimSpace(req.TargetIdentity)),
	}
	if target.IsZero() {
		return target, fmt.Errorf("admin_force_stop without target: %w", models.ErrMalformedInput)
	}
	return target, nil
}

func isJSONString(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '"'
}
