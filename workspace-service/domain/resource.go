package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

// ResourceState represents the lifecycle state of a controlled resource
type ResourceState string

const (
	StateNotExists ResourceState = "NOT_EXISTS"
	StateCreating  ResourceState = "CREATING"
	StateReady     ResourceState = "READY"
	StateUpdating  ResourceState = "UPDATING"
	StateDeleting  ResourceState = "DELETING"
	StateBroken    ResourceState = "BROKEN"
)

// Trigger is a lifecycle event fired by a saga step
type Trigger string

const (
	TriggerCreate              Trigger = "CREATE"
	TriggerCreateSucceeded     Trigger = "CREATE_SUCCEEDED"
	TriggerCreateFailedBroken  Trigger = "CREATE_FAILED_BROKEN"
	TriggerCreateFailedDelete  Trigger = "CREATE_FAILED_DELETE"
	TriggerStartUpdate         Trigger = "START_UPDATE"
	TriggerFinishUpdate        Trigger = "FINISH_UPDATE"
	TriggerStartDelete         Trigger = "START_DELETE"
	TriggerDeleteSucceeded     Trigger = "DELETE_SUCCEEDED"
	TriggerDeleteAborted       Trigger = "DELETE_ABORTED"
	TriggerDeleteAbortedBroken Trigger = "DELETE_ABORTED_BROKEN"
)

// every trigger has exactly one target state
var triggerTargets = map[Trigger]ResourceState{
	TriggerCreate:              StateCreating,
	TriggerCreateSucceeded:     StateReady,
	TriggerCreateFailedBroken:  StateBroken,
	TriggerCreateFailedDelete:  StateNotExists,
	TriggerStartUpdate:         StateUpdating,
	TriggerFinishUpdate:        StateReady,
	TriggerStartDelete:         StateDeleting,
	TriggerDeleteSucceeded:     StateNotExists,
	TriggerDeleteAborted:       StateReady,
	TriggerDeleteAbortedBroken: StateBroken,
}

// Target returns the state a trigger leads to
func (t Trigger) Target() (ResourceState, bool) {
	s, ok := triggerTargets[t]
	return s, ok
}

// acquires reports whether the trigger hands the resource to the firing run
func (t Trigger) acquires() bool {
	return t == TriggerCreate || t == TriggerStartUpdate || t == TriggerStartDelete
}

func newLifecycle(from ResourceState) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(StateNotExists).
		Permit(TriggerCreate, StateCreating)

	sm.Configure(StateCreating).
		Permit(TriggerCreateSucceeded, StateReady).
		Permit(TriggerCreateFailedBroken, StateBroken).
		Permit(TriggerCreateFailedDelete, StateNotExists)

	sm.Configure(StateReady).
		Permit(TriggerStartUpdate, StateUpdating).
		Permit(TriggerStartDelete, StateDeleting)

	sm.Configure(StateUpdating).
		Permit(TriggerFinishUpdate, StateReady)

	sm.Configure(StateDeleting).
		Permit(TriggerDeleteSucceeded, StateNotExists).
		Permit(TriggerDeleteAborted, StateReady).
		Permit(TriggerDeleteAbortedBroken, StateBroken)

	sm.Configure(StateBroken).
		Permit(TriggerStartDelete, StateDeleting)

	return sm
}

// NextState returns the state reached by firing trigger in from, or
// ErrInvalidTransition when the lifecycle has no such edge.
func NextState(from ResourceState, trigger Trigger) (ResourceState, error) {
	sm := newLifecycle(from)
	if err := sm.Fire(trigger); err != nil {
		return from, errors.Wrapf(ErrInvalidTransition, "%s from %s", trigger, from)
	}
	return sm.MustState().(ResourceState), nil
}

// CloningInstructions tells CLONE_WORKSPACE what to do with a resource
type CloningInstructions string

const (
	CloneCopyResource CloningInstructions = "COPY_RESOURCE"
	CloneCopyNothing  CloningInstructions = "COPY_NOTHING"
)

func (c CloningInstructions) Valid() bool {
	return c == CloneCopyResource || c == CloneCopyNothing
}

// OnCreateFailure decides what happens to the metadata row when creation fails
type OnCreateFailure string

const (
	DeleteOnFailure OnCreateFailure = "DELETE_ON_FAILURE"
	BrokenOnFailure OnCreateFailure = "BROKEN_ON_FAILURE"
)

func (o OnCreateFailure) Valid() bool {
	return o == DeleteOnFailure || o == BrokenOnFailure
}

// ManagedResource is the metadata row of a controlled cloud resource. The row
// exists only while the resource is not NOT_EXISTS.
type ManagedResource struct {
	ResourceID          string
	WorkspaceID         string
	Name                string
	Kind                ResourceKind
	State               ResourceState
	OwnerRunID          string
	ErrorMessage        string
	CloningInstructions CloningInstructions
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewManagedResource creates the CREATING row owned by runID
func NewManagedResource(workspaceID, resourceID, name string, kind ResourceKind, cloning CloningInstructions, runID string) (*ManagedResource, error) {
	if workspaceID == "" || resourceID == "" {
		return nil, errors.Wrap(ErrInvalidResource, "workspace id and resource id are required")
	}
	if err := ValidateKind(kind); err != nil {
		return nil, err
	}
	if cloning == "" {
		cloning = CloneCopyNothing
	}
	if !cloning.Valid() {
		return nil, errors.Wrapf(ErrInvalidResource, "cloning instructions %q", cloning)
	}
	if name == "" {
		name = kind.CloudName()
	}

	now := time.Now().UTC()
	return &ManagedResource{
		ResourceID:          resourceID,
		WorkspaceID:         workspaceID,
		Name:                name,
		Kind:                kind,
		State:               StateCreating,
		OwnerRunID:          runID,
		CloningInstructions: cloning,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Apply fires trigger on behalf of runID.
//
// Re-applying a trigger the same run already applied is a no-op and returns
// changed=false. Acquiring triggers require the resource to be free or already
// owned by runID; every other trigger requires runID to own it and releases it.
func (r *ManagedResource) Apply(trigger Trigger, runID string) (bool, error) {
	target, ok := trigger.Target()
	if !ok {
		return false, errors.Wrapf(ErrInvalidTransition, "unknown trigger %q", trigger)
	}

	if r.State == target {
		if trigger.acquires() && r.OwnerRunID == runID {
			return false, nil
		}
		if !trigger.acquires() && r.OwnerRunID == "" {
			return false, nil
		}
	}

	if trigger.acquires() {
		if r.OwnerRunID != "" && r.OwnerRunID != runID {
			return false, errors.Wrapf(ErrResourceBusy, "resource %s held by job %s", r.ResourceID, r.OwnerRunID)
		}
	} else if r.OwnerRunID != runID {
		return false, errors.Wrapf(ErrResourceBusy, "resource %s held by job %q, not %q", r.ResourceID, r.OwnerRunID, runID)
	}

	next, err := NextState(r.State, trigger)
	if err != nil {
		return false, err
	}

	r.State = next
	if trigger.acquires() {
		r.OwnerRunID = runID
	} else {
		r.OwnerRunID = ""
	}
	if next == StateReady {
		r.ErrorMessage = ""
	}
	r.UpdatedAt = time.Now().UTC()

	return true, nil
}

type resourceJSON struct {
	ResourceID          string              `json:"resource_id"`
	WorkspaceID         string              `json:"workspace_id"`
	Name                string              `json:"name"`
	Kind                KindName            `json:"kind"`
	Attributes          json.RawMessage     `json:"attributes"`
	State               ResourceState       `json:"state"`
	OwnerRunID          string              `json:"owner_run_id,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	CloningInstructions CloningInstructions `json:"cloning_instructions"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func (r ManagedResource) MarshalJSON() ([]byte, error) {
	kind, attrs, err := EncodeKind(r.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resourceJSON{
		ResourceID:          r.ResourceID,
		WorkspaceID:         r.WorkspaceID,
		Name:                r.Name,
		Kind:                kind,
		Attributes:          attrs,
		State:               r.State,
		OwnerRunID:          r.OwnerRunID,
		ErrorMessage:        r.ErrorMessage,
		CloningInstructions: r.CloningInstructions,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	})
}

func (r *ManagedResource) UnmarshalJSON(data []byte) error {
	var raw resourceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to unmarshal resource")
	}

	kind, err := DecodeKind(raw.Kind, raw.Attributes)
	if err != nil {
		return err
	}

	*r = ManagedResource{
		ResourceID:          raw.ResourceID,
		WorkspaceID:         raw.WorkspaceID,
		Name:                raw.Name,
		Kind:                kind,
		State:               raw.State,
		OwnerRunID:          raw.OwnerRunID,
		ErrorMessage:        raw.ErrorMessage,
		CloningInstructions: raw.CloningInstructions,
		CreatedAt:           raw.CreatedAt,
		UpdatedAt:           raw.UpdatedAt,
	}
	return nil
}
