package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("production writes JSON and honours the level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "warn", "production")
		log.Info("hidden")
		log.Warn("shown", "connection", "c1")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "shown", line["msg"])
		assert.Equal(t, "c1", line["connection"])
	})

	t.Run("development writes text", func(t *testing.T) {
		var buf bytes.Buffer
		NewWithWriter(&buf, "debug", "development").Debug("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})
}
