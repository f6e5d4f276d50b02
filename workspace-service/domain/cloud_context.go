package domain

import (
	"time"
)

// CloudContextState represents the state of a workspace cloud context
type CloudContextState string

const (
	CloudContextCreating CloudContextState = "CREATING"
	CloudContextReady    CloudContextState = "READY"
	CloudContextDeleting CloudContextState = "DELETING"
)

// Workspace roles backed by custom project roles and identity groups
const (
	RoleOwner  = "WORKSPACE_OWNER"
	RoleWriter = "WORKSPACE_WRITER"
	RoleReader = "WORKSPACE_READER"
)

// WorkspaceRoles lists the roles every cloud context is provisioned with
func WorkspaceRoles() []string {
	return []string{RoleOwner, RoleWriter, RoleReader}
}

// CloudContext binds a workspace to the cloud project its resources live in
type CloudContext struct {
	WorkspaceID    string            `json:"workspace_id"`
	ProjectID      string            `json:"project_id"`
	BillingAccount string            `json:"billing_account"`
	CustomRoles    []string          `json:"custom_roles"`
	PolicyGroups   map[string]string `json:"policy_groups"`
	State          CloudContextState `json:"state"`
	OwnerRunID     string            `json:"owner_run_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsReady reports whether resources may be created in the context
func (c *CloudContext) IsReady() bool {
	return c != nil && c.State == CloudContextReady
}
