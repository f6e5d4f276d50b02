package sagas

import (
	"bytes"
	"encoding/json"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Operation types
const (
	OpCreateControlledResource = "CREATE_CONTROLLED_RESOURCE"
	OpUpdateControlledResource = "UPDATE_CONTROLLED_RESOURCE"
	OpDeleteControlledResource = "DELETE_CONTROLLED_RESOURCE"
	OpCreateCloudContext       = "CREATE_CLOUD_CONTEXT"
	OpCloneWorkspace           = "CLONE_WORKSPACE"
	OpDeleteWorkspace          = "DELETE_WORKSPACE"
)

// Input keys
const (
	KeySettings    = "settings"
	KeyWorkspaceID = "workspace_id"
	KeyParams      = "params"
)

var ErrInvalidParameters = errors.New("invalid job parameters")

// ResourceSpec is the wire form of a resource kind
type ResourceSpec struct {
	Kind       domain.KindName `json:"kind"`
	Attributes json.RawMessage `json:"attributes"`
}

// SpecOf encodes kind
func SpecOf(kind domain.ResourceKind) (ResourceSpec, error) {
	name, attrs, err := domain.EncodeKind(kind)
	if err != nil {
		return ResourceSpec{}, err
	}
	return ResourceSpec{Kind: name, Attributes: attrs}, nil
}

// Decode returns the validated kind
func (s ResourceSpec) Decode() (domain.ResourceKind, error) {
	kind, err := domain.DecodeKind(s.Kind, s.Attributes)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateKind(kind); err != nil {
		return nil, err
	}
	return kind, nil
}

type CreateResourceParams struct {
	ResourceID          string                     `json:"resource_id,omitempty"`
	Name                string                     `json:"name,omitempty"`
	Resource            ResourceSpec               `json:"resource"`
	CloningInstructions domain.CloningInstructions `json:"cloning_instructions,omitempty"`
	OnCreateFailure     domain.OnCreateFailure     `json:"on_create_failure,omitempty"`
}

type UpdateResourceParams struct {
	ResourceID string       `json:"resource_id"`
	Resource   ResourceSpec `json:"resource"`
}

type DeleteResourceParams struct {
	ResourceID string `json:"resource_id"`
}

type CreateCloudContextParams struct {
	BillingAccount string `json:"billing_account,omitempty"`
}

type CloneWorkspaceParams struct {
	DestinationWorkspaceID string `json:"destination_workspace_id"`
}

type DeleteWorkspaceParams struct{}

// Prepare validates the parameters of a submission and builds the run inputs,
// including the settings snapshot. A create without resource_id gets one here so
// the id is fixed before the run starts.
func Prepare(operationType, workspaceID string, raw json.RawMessage, settings Settings) (*saga.Map, error) {
	if workspaceID == "" {
		return nil, errors.Wrap(ErrInvalidParameters, "workspace id is required")
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}

	var params interface{}

	switch operationType {
	case OpCreateControlledResource:
		var p CreateResourceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		kind, err := p.Resource.Decode()
		if err != nil {
			return nil, err
		}
		if _, err := settings.ResolveOnCreateFailure(p.OnCreateFailure, kind.Kind()); err != nil {
			return nil, err
		}
		if p.CloningInstructions != "" && !p.CloningInstructions.Valid() {
			return nil, errors.Wrapf(ErrInvalidParameters, "cloning_instructions %q", p.CloningInstructions)
		}
		if p.ResourceID == "" {
			p.ResourceID = uuid.New().String()
		}
		params = p

	case OpUpdateControlledResource:
		var p UpdateResourceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ResourceID == "" {
			return nil, errors.Wrap(ErrInvalidParameters, "resource_id is required")
		}
		kind, err := p.Resource.Decode()
		if err != nil {
			return nil, err
		}
		if !updatable(kind) {
			return nil, errors.Wrapf(domain.ErrKindNotUpdatable, "%s", kind.Kind())
		}
		params = p

	case OpDeleteControlledResource:
		var p DeleteResourceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ResourceID == "" {
			return nil, errors.Wrap(ErrInvalidParameters, "resource_id is required")
		}
		params = p

	case OpCreateCloudContext:
		var p CreateCloudContextParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.BillingAccount == "" && settings.BillingAccount == "" {
			return nil, errors.Wrap(ErrInvalidParameters, "billing_account is required")
		}
		params = p

	case OpCloneWorkspace:
		var p CloneWorkspaceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.DestinationWorkspaceID == "" || p.DestinationWorkspaceID == workspaceID {
			return nil, errors.Wrap(ErrInvalidParameters, "destination_workspace_id must name another workspace")
		}
		params = p

	case OpDeleteWorkspace:
		var p DeleteWorkspaceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		params = p

	default:
		return nil, errors.Wrapf(saga.ErrUnknownOperation, "%q", operationType)
	}

	inputs := saga.NewMap()
	if err := inputs.Put(KeySettings, settings); err != nil {
		return nil, err
	}
	if err := inputs.Put(KeyWorkspaceID, workspaceID); err != nil {
		return nil, err
	}
	if err := inputs.Put(KeyParams, params); err != nil {
		return nil, err
	}
	return inputs, nil
}

// LockTarget returns the advisory lock key of operations that target one resource
func LockTarget(operationType string, inputs saga.Reader) (string, bool) {
	switch operationType {
	case OpCreateControlledResource, OpUpdateControlledResource, OpDeleteControlledResource:
	default:
		return "", false
	}

	workspaceID, err := saga.Value[string](inputs, KeyWorkspaceID)
	if err != nil {
		return "", false
	}
	var p struct {
		ResourceID string `json:"resource_id"`
	}
	if err := inputs.Get(KeyParams, &p); err != nil || p.ResourceID == "" {
		return "", false
	}
	return workspaceID + "/" + p.ResourceID, true
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(ErrInvalidParameters, "%v", err)
	}
	return nil
}

// runInputs are the inputs every builder reads
type runInputs[P any] struct {
	settings    Settings
	workspaceID string
	params      P
}

func readInputs[P any](inputs saga.Reader) (*runInputs[P], error) {
	settings, err := saga.Value[Settings](inputs, KeySettings)
	if err != nil {
		return nil, err
	}
	workspaceID, err := saga.Value[string](inputs, KeyWorkspaceID)
	if err != nil {
		return nil, err
	}
	params, err := saga.Value[P](inputs, KeyParams)
	if err != nil {
		return nil, err
	}
	return &runInputs[P]{settings: settings, workspaceID: workspaceID, params: params}, nil
}
