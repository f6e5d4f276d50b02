package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("workspace-manager", &buf)

	log.WithField("run_id", "r-1").WithError(errors.New("boom")).Errorf("step failed", map[string]interface{}{
		"step": "create-bucket",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "workspace-manager", entry["service"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "create-bucket", entry["step"])
	assert.Equal(t, "error", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestLogger_WithLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New("svc", &buf).WithLevel("info")

	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
