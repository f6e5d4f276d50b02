package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrBlankID = errors.New("id must not be blank")

// ID represents a unique identifier
type ID string

// GenerateUUID creates a new UUID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

// NewID creates an ID from a UUID string
func NewID(id string) (ID, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.Wrapf(err, "invalid id %q", id)
	}
	return ID(id), nil
}

// NewOpaqueID accepts any non-blank identifier, as used for caller-chosen job ids
func NewOpaqueID(id string) (ID, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrBlankID
	}
	return ID(id), nil
}

// String returns string representation
func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// Timestamps represents creation and update times
type Timestamps struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTimestamps creates new timestamps
func NewTimestamps() Timestamps {
	now := time.Now().UTC()
	return Timestamps{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Update updates the UpdatedAt timestamp
func (t Timestamps) Update() Timestamps {
	t.UpdatedAt = time.Now().UTC()
	return t
}
