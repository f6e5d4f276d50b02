package saga

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Reader is the read-only view of a Map handed to steps for input parameters
type Reader interface {
	Get(key string, dst interface{}) error
	Contains(key string) bool
	Keys() []string
}

// Map is the typed key/value container shared between the steps of one run.
// Values are stored in their JSON form so a checkpoint is an exact copy of what a
// resumed run will read back.
type Map struct {
	values map[string]json.RawMessage
}

var _ Reader = (*Map)(nil)

// NewMap creates an empty map
func NewMap() *Map {
	return &Map{values: make(map[string]json.RawMessage)}
}

// Put stores value under key, replacing any previous value
func (m *Map) Put(key string, value interface{}) error {
	if key == "" {
		return errors.New("map key must not be empty")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value for key %q", key)
	}

	if m.values == nil {
		m.values = make(map[string]json.RawMessage)
	}
	m.values[key] = raw
	return nil
}

// Get decodes the value stored under key into dst. ErrKeyNotFound when absent.
func (m *Map) Get(key string, dst interface{}) error {
	raw, ok := m.values[key]
	if !ok {
		return errors.Wrapf(ErrKeyNotFound, "key %q", key)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrapf(err, "failed to unmarshal value for key %q", key)
	}
	return nil
}

// Raw returns the stored JSON for key
func (m *Map) Raw(key string) (json.RawMessage, bool) {
	raw, ok := m.values[key]
	return raw, ok
}

func (m *Map) Contains(key string) bool {
	_, ok := m.values[key]
	return ok
}

func (m *Map) Delete(key string) {
	delete(m.values, key)
}

// Keys returns the keys in sorted order
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	return len(m.values)
}

// Clone returns a deep copy
func (m *Map) Clone() *Map {
	clone := NewMap()
	for k, v := range m.values {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		clone.values[k] = cp
	}
	return clone
}

func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || m.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.values)
}

func (m *Map) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "failed to unmarshal map")
	}
	m.values = values
	return nil
}

// Value reads key from r as T
func Value[T any](r Reader, key string) (T, error) {
	var v T
	err := r.Get(key, &v)
	return v, err
}

// ValueOr reads key from r as T, returning def when the key is absent
func ValueOr[T any](r Reader, key string, def T) (T, error) {
	if !r.Contains(key) {
		return def, nil
	}
	return Value[T](r, key)
}
