package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id, err := NewID("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", id.String())

	_, err = NewID("not-a-uuid")
	assert.Error(t, err)
}

func TestNewOpaqueID(t *testing.T) {
	id, err := NewOpaqueID("clone-job-42")
	require.NoError(t, err)
	assert.Equal(t, ID("clone-job-42"), id)

	_, err = NewOpaqueID("   ")
	assert.ErrorIs(t, err, ErrBlankID)
}

func TestTimestamps_Update(t *testing.T) {
	ts := NewTimestamps()
	updated := ts.Update()

	assert.Equal(t, ts.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.UpdatedAt.Before(ts.UpdatedAt))
}
