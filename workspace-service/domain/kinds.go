package domain

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// KindName is the discriminator of a ResourceKind
type KindName string

const (
	KindBucket           KindName = "BUCKET"
	KindDataset          KindName = "DATASET"
	KindVM               KindName = "VM"
	KindNotebook         KindName = "NOTEBOOK"
	KindStorageContainer KindName = "STORAGE_CONTAINER"
)

// ResourceKind is the closed set of cloud objects a workspace can control.
// Callers switch over the concrete types; the unexported method keeps the set closed.
type ResourceKind interface {
	Kind() KindName
	// CloudName is the name of the cloud object, unique within its project
	CloudName() string
	validate() error
}

// Bucket is an object storage bucket
type Bucket struct {
	Name         string            `json:"name"`
	Location     string            `json:"location"`
	StorageClass string            `json:"storage_class,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

func (Bucket) Kind() KindName { return KindBucket }
func (b Bucket) CloudName() string { return b.Name }

func (b Bucket) validate() error {
	if b.Name == "" || b.Location == "" {
		return errors.Wrap(ErrInvalidResource, "bucket requires name and location")
	}
	return nil
}

// Dataset is a tabular dataset
type Dataset struct {
	DatasetID            string            `json:"dataset_id"`
	Location             string            `json:"location"`
	DefaultTableLifetime int64             `json:"default_table_lifetime_seconds,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
}

func (Dataset) Kind() KindName { return KindDataset }
func (d Dataset) CloudName() string { return d.DatasetID }

func (d Dataset) validate() error {
	if d.DatasetID == "" || d.Location == "" {
		return errors.Wrap(ErrInvalidResource, "dataset requires dataset_id and location")
	}
	if strings.Contains(d.DatasetID, "-") {
		return errors.Wrap(ErrInvalidResource, "dataset_id may not contain dashes")
	}
	return nil
}

// VM is a compute instance
type VM struct {
	InstanceName string `json:"instance_name"`
	Zone         string `json:"zone"`
	MachineType  string `json:"machine_type"`
}

func (VM) Kind() KindName { return KindVM }
func (v VM) CloudName() string { return v.InstanceName }

func (v VM) validate() error {
	if v.InstanceName == "" || v.Zone == "" || v.MachineType == "" {
		return errors.Wrap(ErrInvalidResource, "vm requires instance_name, zone and machine_type")
	}
	return nil
}

// Notebook is a managed notebook instance
type Notebook struct {
	InstanceName string `json:"instance_name"`
	Location     string `json:"location"`
	MachineType  string `json:"machine_type"`
}

func (Notebook) Kind() KindName { return KindNotebook }
func (n Notebook) CloudName() string { return n.InstanceName }

func (n Notebook) validate() error {
	if n.InstanceName == "" || n.Location == "" {
		return errors.Wrap(ErrInvalidResource, "notebook requires instance_name and location")
	}
	return nil
}

// StorageContainer is a blob container inside a storage account
type StorageContainer struct {
	Name           string `json:"name"`
	StorageAccount string `json:"storage_account"`
}

func (StorageContainer) Kind() KindName { return KindStorageContainer }
func (s StorageContainer) CloudName() string { return s.Name }

func (s StorageContainer) validate() error {
	if s.Name == "" || s.StorageAccount == "" {
		return errors.Wrap(ErrInvalidResource, "storage container requires name and storage_account")
	}
	return nil
}

// ValidateKind checks the attributes of a kind
func ValidateKind(kind ResourceKind) error {
	if kind == nil {
		return errors.Wrap(ErrInvalidResource, "resource kind is required")
	}
	return kind.validate()
}

// EncodeKind returns the discriminator and JSON attributes of kind
func EncodeKind(kind ResourceKind) (KindName, json.RawMessage, error) {
	if kind == nil {
		return "", nil, errors.Wrap(ErrInvalidResource, "resource kind is required")
	}
	raw, err := json.Marshal(kind)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to marshal resource attributes")
	}
	return kind.Kind(), raw, nil
}

// DecodeKind rebuilds a ResourceKind from its discriminator and attributes
func DecodeKind(name KindName, raw json.RawMessage) (ResourceKind, error) {
	var (
		kind ResourceKind
		err  error
	)

	switch name {
	case KindBucket:
		var b Bucket
		err = json.Unmarshal(raw, &b)
		kind = b
	case KindDataset:
		var d Dataset
		err = json.Unmarshal(raw, &d)
		kind = d
	case KindVM:
		var v VM
		err = json.Unmarshal(raw, &v)
		kind = v
	case KindNotebook:
		var n Notebook
		err = json.Unmarshal(raw, &n)
		kind = n
	case KindStorageContainer:
		var s StorageContainer
		err = json.Unmarshal(raw, &s)
		kind = s
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", name)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s attributes", name)
	}
	return kind, nil
}
