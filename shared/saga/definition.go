package saga

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Entry pairs a step with the retry policies for its two directions
type Entry struct {
	Name      string
	Step      Step
	Retry     RetryPolicy
	UndoRetry RetryPolicy
}

// Definition is the ordered step list of one operation type
type Definition struct {
	Name    string
	Entries []Entry
}

// NewDefinition starts an empty definition
func NewDefinition(name string) *Definition {
	return &Definition{Name: name}
}

// AddStep appends a step without retries
func (d *Definition) AddStep(name string, step Step) *Definition {
	return d.AddStepWithRetry(name, step, NoRetry())
}

// AddStepWithRetry appends a step; undo uses the same policy
func (d *Definition) AddStepWithRetry(name string, step Step, retry RetryPolicy) *Definition {
	return d.AddStepWithRetries(name, step, retry, retry)
}

// AddStepWithRetries appends a step with separate forward and undo policies
func (d *Definition) AddStepWithRetries(name string, step Step, retry, undoRetry RetryPolicy) *Definition {
	d.Entries = append(d.Entries, Entry{
		Name:      name,
		Step:      step,
		Retry:     retry,
		UndoRetry: undoRetry,
	})
	return d
}

func (d *Definition) Len() int {
	return len(d.Entries)
}

// Validate rejects empty definitions, nil steps and unbounded retry policies
func (d *Definition) Validate() error {
	if len(d.Entries) == 0 {
		return errors.Wrapf(ErrInvalidDefinition, "%s has no steps", d.Name)
	}

	for i, e := range d.Entries {
		if e.Step == nil {
			return errors.Wrapf(ErrInvalidDefinition, "%s step %d (%s) is nil", d.Name, i, e.Name)
		}
		if e.Retry == nil || !e.Retry.Bounded() {
			return errors.Wrapf(ErrInvalidDefinition, "%s step %d (%s) has an unbounded retry policy", d.Name, i, e.Name)
		}
		if e.UndoRetry == nil || !e.UndoRetry.Bounded() {
			return errors.Wrapf(ErrInvalidDefinition, "%s step %d (%s) has an unbounded undo retry policy", d.Name, i, e.Name)
		}
	}

	return nil
}

// Builder creates the definition for a run from its immutable inputs. It must be
// deterministic: a resumed run is rebuilt from the same inputs.
type Builder func(inputs Reader) (*Definition, error)

// Registry maps operation types to builders
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder, replacing any previous one for the operation type
func (r *Registry) Register(operationType string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[operationType] = builder
}

func (r *Registry) Has(operationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[operationType]
	return ok
}

// OperationTypes lists registered operation types in sorted order
func (r *Registry) OperationTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build returns the validated definition for an operation type
func (r *Registry) Build(operationType string, inputs Reader) (*Definition, error) {
	r.mu.RLock()
	builder, ok := r.builders[operationType]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperation, "%q", operationType)
	}

	def, err := builder(inputs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s", operationType)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}
