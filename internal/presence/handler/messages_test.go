package handler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle/internal/presence/geo"
	"shuttle/internal/presence/models"
)

func TestDecodeEnvelope(t *testing.T) {
	msg, err := decodeEnvelope([]byte(`{"type":"stop_sharing"}`))
	require.NoError(t, err)
	assert.Equal(t, models.MessageStopSharing, msg.Type)

	for name, raw := range map[string]string{
		"not json":     `hello`,
		"missing type": `{"data":{}}`,
		"array":        `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(raw))
			assert.ErrorIs(t, err, models.ErrMalformedInput)
		})
	}
}

func TestDecodeJoinRole(t *testing.T) {
	cases := []struct {
		name string
		data string
		want models.Role
	}{
		{name: "bare string", data: `"driver"`, want: models.RoleDriver},
		{name: "student alias", data: `"student"`, want: models.RoleObserver},
		{name: "object", data: `{"role":"admin"}`, want: models.RoleAdmin},
		{name: "padded", data: ` "observer" `, want: models.RoleObserver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeJoinRole(json.RawMessage(tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for name, data := range map[string]string{
		"empty":        ``,
		"unknown role": `"passenger"`,
		"number":       `42`,
		"empty object": `{}`,
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := decodeJoinRole(json.RawMessage(data))
			assert.ErrorIs(t, err, models.ErrMalformedInput)
		})
	}
}

func TestDecodeLocation(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		identity, point, err := decodeLocation(json.RawMessage(`{"driverId":" Bus 1 ","lat":12.9692,"lng":79.1559}`))
		require.NoError(t, err)
		assert.Equal(t, models.DriverIdentity("Bus 1"), identity)
		assert.Equal(t, geo.Point{Lat: 12.9692, Lng: 79.1559}, point)
	})

	t.Run("zero coordinates are a position", func(t *testing.T) {
		_, point, err := decodeLocation(json.RawMessage(`{"driverId":"Bus 1","lat":0,"lng":0}`))
		require.NoError(t, err)
		assert.Equal(t, geo.Point{}, point)
	})

	t.Run("identity may be omitted", func(t *testing.T) {
		identity, _, err := decodeLocation(json.RawMessage(`{"lat":1,"lng":2}`))
		require.NoError(t, err)
		assert.Empty(t, identity)
	})

	for name, data := range map[string]string{
		"missing lat":      `{"driverId":"Bus 1","lng":79.1}`,
		"missing lng":      `{"driverId":"Bus 1","lat":12.9}`,
		"string lat":       `{"driverId":"Bus 1","lat":"12.9","lng":79.1}`,
		"null lng":         `{"driverId":"Bus 1","lat":12.9,"lng":null}`,
		"lat out of range": `{"driverId":"Bus 1","lat":95,"lng":79.1}`,
		"lng out of range": `{"driverId":"Bus 1","lat":12.9,"lng":181}`,
		"no payload":       ``,
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, _, err := decodeLocation(json.RawMessage(data))
			assert.ErrorIs(t, err, models.ErrMalformedInput)
		})
	}
}

func TestDecodeForceStopTarget(t *testing.T) {
	t.Run("bare string names either key", func(t *testing.T) {
		got, err := decodeForceStopTarget(json.RawMessage(`"abc-123"`))
		require.NoError(t, err)
		assert.Equal(t, models.ForceStopTarget{Connection: "abc-123", Identity: "abc-123"}, got)
	})

	t.Run("connection object", func(t *testing.T) {
		got, err := decodeForceStopTarget(json.RawMessage(`{"targetConnection":"abc-123"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ForceStopTarget{Connection: "abc-123"}, got)
	})

	t.Run("identity object", func(t *testing.T) {
		got, err := decodeForceStopTarget(json.RawMessage(`{"targetIdentity":"Bus 4"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ForceStopTarget{Identity: "Bus 4"}, got)
	})

	t.Run("empty object is malformed", func(t *testing.T) {
		_, err := decodeForceStopTarget(json.RawMessage(`{}`))
		assert.ErrorIs(t, err, models.ErrMalformedInput)
	})
}
