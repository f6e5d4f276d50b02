package sagas

import (
	"time"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

// Backoff is an exponential retry profile
type Backoff struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	MaxElapsed time.Duration `json:"max_elapsed"`
}

func (b Backoff) Policy() saga.RetryPolicy {
	return saga.Exponential(b.Initial, b.Max, b.MaxElapsed)
}

// Settings is the configuration snapshot stored in the inputs of every run. A run
// keeps the settings it was submitted with even if the service configuration
// changes while it executes.
type Settings struct {
	CloudRetry    Backoff `json:"cloud_retry"`
	IAMRetry      Backoff `json:"iam_retry"`
	PoolRetry     Backoff `json:"pool_retry"`
	MetadataRetry Backoff `json:"metadata_retry"`
	UndoRetry     Backoff `json:"undo_retry"`

	// OnCreateFailure is the per-kind fallback when a create request does not say
	OnCreateFailure map[domain.KindName]domain.OnCreateFailure `json:"on_create_failure"`
	BillingAccount  string                                     `json:"billing_account"`
}

// DefaultSettings returns the profiles used when configuration leaves them unset
func DefaultSettings() Settings {
	return Settings{
		CloudRetry:    Backoff{Initial: time.Second, Max: 30 * time.Second, MaxElapsed: 5 * time.Minute},
		IAMRetry:      Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, MaxElapsed: 10 * time.Minute},
		PoolRetry:     Backoff{Initial: 5 * time.Second, Max: time.Minute, MaxElapsed: 30 * time.Minute},
		MetadataRetry: Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, MaxElapsed: 30 * time.Second},
		UndoRetry:     Backoff{Initial: time.Second, Max: 30 * time.Second, MaxElapsed: 10 * time.Minute},
		OnCreateFailure: map[domain.KindName]domain.OnCreateFailure{
			domain.KindBucket:           domain.DeleteOnFailure,
			domain.KindDataset:          domain.DeleteOnFailure,
			domain.KindStorageContainer: domain.DeleteOnFailure,
			domain.KindVM:               domain.BrokenOnFailure,
			domain.KindNotebook:         domain.BrokenOnFailure,
		},
	}
}

// ResolveOnCreateFailure returns the explicit policy when set, otherwise the
// snapshot's mapping for kind
func (s Settings) ResolveOnCreateFailure(explicit domain.OnCreateFailure, kind domain.KindName) (domain.OnCreateFailure, error) {
	if explicit != "" {
		if !explicit.Valid() {
			return "", errors.Wrapf(domain.ErrInvalidResource, "on_create_failure %q", explicit)
		}
		return explicit, nil
	}

	policy, ok := s.OnCreateFailure[kind]
	if !ok || !policy.Valid() {
		return "", errors.Wrapf(domain.ErrOnCreateFailureRequired, "%s", kind)
	}
	return policy, nil
}
