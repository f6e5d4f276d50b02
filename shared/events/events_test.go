package events

import (
	"encoding/json"
	"testing"

	"github.com/draftea/workspace-manager/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Matches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"job.succeeded", "job.succeeded", true},
		{"job.succeeded", "job.*", true},
		{"job.succeeded", "job.#", true},
		{"job.dismal", "#.dismal", true},
		{"job.failed", "#", true},
		{"job.failed", "job.succeeded", false},
		{"job.failed.extra", "job.*", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic)+"~"+string(tt.pattern), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestEvent_UnmarshalPayload(t *testing.T) {
	type payload struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}

	t.Run("from struct", func(t *testing.T) {
		evt := NewEvent(models.ID("job-1"), JobSucceededEvent, map[string]interface{}{
			"job_id": "job-1",
			"status": "SUCCEEDED",
		})

		var p payload
		require.NoError(t, evt.UnmarshalPayload(&p))
		assert.Equal(t, payload{JobID: "job-1", Status: "SUCCEEDED"}, p)
	})

	t.Run("from raw json", func(t *testing.T) {
		evt := NewEvent(models.ID("job-2"), JobFailedEvent, json.RawMessage(`{"job_id":"job-2","status":"FAILED"}`))

		var p payload
		require.NoError(t, evt.UnmarshalPayload(&p))
		assert.Equal(t, "FAILED", p.Status)
	})

	t.Run("non pointer receiver", func(t *testing.T) {
		evt := NewEvent(models.ID("job-3"), JobFailedEvent, nil)
		assert.ErrorIs(t, evt.UnmarshalPayload(payload{}), ErrInvalidReceiver)
	})
}
