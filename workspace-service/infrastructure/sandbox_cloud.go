package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	_ domain.ResourceProvisioner = (*SandboxCloud)(nil)
	_ domain.ProjectPool         = (*SandboxCloud)(nil)
	_ domain.BillingClient       = (*SandboxCloud)(nil)
	_ domain.IAMClient           = (*SandboxCloud)(nil)
	_ domain.Authorizer          = (*SandboxCloud)(nil)
)

// SandboxCloud is an in-memory cloud used for local runs and tests. It keeps the
// idempotency contract of the real collaborators and can be told to fail the next
// calls of an operation.
type SandboxCloud struct {
	objects    *xsync.MapOf[string, domain.ResourceKind]
	projects   *xsync.MapOf[string, string]
	billing    *xsync.MapOf[string, string]
	roles      *xsync.MapOf[string, []string]
	groups     *xsync.MapOf[string, map[string]string]
	policies   *xsync.MapOf[string, map[string]string]
	bindings   *xsync.MapOf[string, map[string]string]
	grants     *xsync.MapOf[string, domain.Action]
	failures   *xsync.MapOf[string, []error]
	calls      *xsync.MapOf[string, int]
	gates      *xsync.MapOf[string, chan struct{}]
	openAccess bool
}

// SandboxOption configures a SandboxCloud
type SandboxOption func(*SandboxCloud)

// WithOpenAccess makes every workspace readable and writable by every subject
func WithOpenAccess() SandboxOption {
	return func(s *SandboxCloud) {
		s.openAccess = true
	}
}

func NewSandboxCloud(opts ...SandboxOption) *SandboxCloud {
	s := &SandboxCloud{
		objects:  xsync.NewMapOf[string, domain.ResourceKind](),
		projects: xsync.NewMapOf[string, string](),
		billing:  xsync.NewMapOf[string, string](),
		roles:    xsync.NewMapOf[string, []string](),
		groups:   xsync.NewMapOf[string, map[string]string](),
		policies: xsync.NewMapOf[string, map[string]string](),
		bindings: xsync.NewMapOf[string, map[string]string](),
		grants:   xsync.NewMapOf[string, domain.Action](),
		failures: xsync.NewMapOf[string, []error](),
		calls:    xsync.NewMapOf[string, int](),
		gates:    xsync.NewMapOf[string, chan struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next len(errs) calls of op return errs in order
func (s *SandboxCloud) FailNext(op string, errs ...error) {
	s.failures.Compute(op, func(queued []error, _ bool) ([]error, bool) {
		return append(queued, errs...), false
	})
}

// Block holds every call of op until release is called. Held calls are
// already counted by Calls.
func (s *SandboxCloud) Block(op string) (release func()) {
	gate := make(chan struct{})
	s.gates.Store(op, gate)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.gates.Delete(op)
			close(gate)
		})
	}
}

// Transient returns a retryable cloud error for op
func Transient(op string) error {
	return &domain.CloudError{Operation: op, Code: http.StatusServiceUnavailable, Transient: true}
}

// Permanent returns a non-retryable cloud error for op
func Permanent(op string) error {
	return &domain.CloudError{Operation: op, Code: http.StatusBadRequest}
}

// Calls returns how many times op was invoked, failures included
func (s *SandboxCloud) Calls(op string) int {
	n, _ := s.calls.Load(op)
	return n
}

// Exists reports whether a cloud object of kind named name lives in projectID
func (s *SandboxCloud) Exists(projectID string, kind domain.KindName, name string) bool {
	_, ok := s.objects.Load(objectKey(projectID, kind, name))
	return ok
}

// Object returns the attributes the sandbox holds for a cloud object
func (s *SandboxCloud) Object(projectID string, kind domain.KindName, name string) (domain.ResourceKind, bool) {
	return s.objects.Load(objectKey(projectID, kind, name))
}

// Grant gives subjectID action on workspaceID; WRITE implies READ
func (s *SandboxCloud) Grant(subjectID, workspaceID string, action domain.Action) {
	s.grants.Store(workspaceID+"/"+subjectID, action)
}

// ProjectFor returns the project allocated to a request
func (s *SandboxCloud) ProjectFor(requestID string) (string, bool) {
	return s.projects.Load(requestID)
}

func (s *SandboxCloud) enter(op string) error {
	s.calls.Compute(op, func(n int, _ bool) (int, bool) {
		return n + 1, false
	})
	if gate, ok := s.gates.Load(op); ok {
		<-gate
	}

	var err error
	s.failures.Compute(op, func(queued []error, loaded bool) ([]error, bool) {
		if !loaded || len(queued) == 0 {
			return nil, true
		}
		err = queued[0]
		return queued[1:], len(queued) == 1
	})
	return err
}

func objectKey(projectID string, kind domain.KindName, name string) string {
	return fmt.Sprintf("%s/%s/%s", projectID, kind, name)
}

func (s *SandboxCloud) create(op, projectID string, kind domain.ResourceKind) error {
	if err := s.enter(op); err != nil {
		return err
	}
	if projectID == "" {
		return &domain.CloudError{Operation: op, Code: http.StatusBadRequest, Err: errors.New("project id is required")}
	}

	key := objectKey(projectID, kind.Kind(), kind.CloudName())
	existing, loaded := s.objects.LoadOrStore(key, kind)
	if loaded && fmt.Sprint(existing) != fmt.Sprint(kind) {
		return &domain.CloudError{Operation: op, Code: http.StatusConflict, Err: errors.Errorf("%s already exists with different attributes", kind.CloudName())}
	}
	return nil
}

func (s *SandboxCloud) update(op, projectID string, kind domain.ResourceKind) error {
	if err := s.enter(op); err != nil {
		return err
	}

	key := objectKey(projectID, kind.Kind(), kind.CloudName())
	if _, ok := s.objects.Load(key); !ok {
		return &domain.CloudError{Operation: op, Code: http.StatusNotFound, Err: errors.Errorf("%s not found", kind.CloudName())}
	}
	s.objects.Store(key, kind)
	return nil
}

func (s *SandboxCloud) remove(op, projectID string, kind domain.KindName, name string) error {
	if err := s.enter(op); err != nil {
		return err
	}
	s.objects.Delete(objectKey(projectID, kind, name))
	return nil
}

func (s *SandboxCloud) CreateBucket(_ context.Context, projectID string, bucket domain.Bucket) error {
	return s.create("CreateBucket", projectID, bucket)
}

func (s *SandboxCloud) UpdateBucket(_ context.Context, projectID string, bucket domain.Bucket) error {
	return s.update("UpdateBucket", projectID, bucket)
}

func (s *SandboxCloud) DeleteBucket(_ context.Context, projectID, name string) error {
	return s.remove("DeleteBucket", projectID, domain.KindBucket, name)
}

func (s *SandboxCloud) CreateDataset(_ context.Context, projectID string, dataset domain.Dataset) error {
	return s.create("CreateDataset", projectID, dataset)
}

func (s *SandboxCloud) UpdateDataset(_ context.Context, projectID string, dataset domain.Dataset) error {
	return s.update("UpdateDataset", projectID, dataset)
}

func (s *SandboxCloud) DeleteDataset(_ context.Context, projectID, datasetID string) error {
	return s.remove("DeleteDataset", projectID, domain.KindDataset, datasetID)
}

func (s *SandboxCloud) CreateVM(_ context.Context, projectID string, vm domain.VM) error {
	return s.create("CreateVM", projectID, vm)
}

func (s *SandboxCloud) DeleteVM(_ context.Context, projectID, _, name string) error {
	return s.remove("DeleteVM", projectID, domain.KindVM, name)
}

func (s *SandboxCloud) CreateNotebook(_ context.Context, projectID string, notebook domain.Notebook) error {
	return s.create("CreateNotebook", projectID, notebook)
}

func (s *SandboxCloud) DeleteNotebook(_ context.Context, projectID, _, name string) error {
	return s.remove("DeleteNotebook", projectID, domain.KindNotebook, name)
}

func (s *SandboxCloud) CreateStorageContainer(_ context.Context, projectID string, container domain.StorageContainer) error {
	return s.create("CreateStorageContainer", projectID, container)
}

func (s *SandboxCloud) DeleteStorageContainer(_ context.Context, projectID, _, name string) error {
	return s.remove("DeleteStorageContainer", projectID, domain.KindStorageContainer, name)
}

func (s *SandboxCloud) CopyContents(_ context.Context, kind domain.KindName, srcProject, srcName, dstProject, dstName string) error {
	if err := s.enter("CopyContents"); err != nil {
		return err
	}
	if !s.Exists(srcProject, kind, srcName) {
		return &domain.CloudError{Operation: "CopyContents", Code: http.StatusNotFound, Err: errors.Errorf("source %s not found", srcName)}
	}
	if !s.Exists(dstProject, kind, dstName) {
		return &domain.CloudError{Operation: "CopyContents", Code: http.StatusNotFound, Err: errors.Errorf("destination %s not found", dstName)}
	}
	return nil
}

func (s *SandboxCloud) AllocateProject(_ context.Context, workspaceID, requestID string) (string, error) {
	if err := s.enter("AllocateProject"); err != nil {
		return "", err
	}

	project, _ := s.projects.LoadOrCompute(requestID, func() string {
		return "wsm-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	})
	return project, nil
}

func (s *SandboxCloud) ReleaseProject(_ context.Context, projectID string) error {
	if err := s.enter("ReleaseProject"); err != nil {
		return err
	}
	s.projects.Range(func(requestID, project string) bool {
		if project == projectID {
			s.projects.Delete(requestID)
		}
		return true
	})
	return nil
}

func (s *SandboxCloud) SetBillingAccount(_ context.Context, projectID, account string) error {
	if err := s.enter("SetBillingAccount"); err != nil {
		return err
	}
	s.billing.Store(projectID, account)
	return nil
}

func (s *SandboxCloud) ClearBillingAccount(_ context.Context, projectID string) error {
	if err := s.enter("ClearBillingAccount"); err != nil {
		return err
	}
	s.billing.Delete(projectID)
	return nil
}

// BillingAccount returns the account linked to projectID
func (s *SandboxCloud) BillingAccount(projectID string) (string, bool) {
	return s.billing.Load(projectID)
}

func (s *SandboxCloud) CreateCustomRoles(_ context.Context, projectID string, roles []string) error {
	if err := s.enter("CreateCustomRoles"); err != nil {
		return err
	}
	s.roles.Store(projectID, append([]string(nil), roles...))
	return nil
}

func (s *SandboxCloud) DeleteCustomRoles(_ context.Context, projectID string, _ []string) error {
	if err := s.enter("DeleteCustomRoles"); err != nil {
		return err
	}
	s.roles.Delete(projectID)
	return nil
}

// CustomRoles returns the roles created in projectID
func (s *SandboxCloud) CustomRoles(projectID string) []string {
	roles, _ := s.roles.Load(projectID)
	return roles
}

func (s *SandboxCloud) SyncPolicyGroups(_ context.Context, workspaceID string, roles []string) (map[string]string, error) {
	if err := s.enter("SyncPolicyGroups"); err != nil {
		return nil, err
	}

	groups, _ := s.groups.LoadOrCompute(workspaceID, func() map[string]string {
		out := make(map[string]string, len(roles))
		for _, role := range roles {
			out[role] = fmt.Sprintf("%s-%s@groups.sandbox", strings.ToLower(role), workspaceID)
		}
		return out
	})

	out := make(map[string]string, len(groups))
	for k, v := range groups {
		out[k] = v
	}
	return out, nil
}

func (s *SandboxCloud) RemovePolicyGroups(_ context.Context, workspaceID string, _ []string) error {
	if err := s.enter("RemovePolicyGroups"); err != nil {
		return err
	}
	s.groups.Delete(workspaceID)
	return nil
}

func (s *SandboxCloud) ApplyProjectPolicy(_ context.Context, projectID string, groups map[string]string) error {
	if err := s.enter("ApplyProjectPolicy"); err != nil {
		return err
	}
	s.policies.Store(projectID, groups)
	return nil
}

func (s *SandboxCloud) RemoveProjectPolicy(_ context.Context, projectID string, _ map[string]string) error {
	if err := s.enter("RemoveProjectPolicy"); err != nil {
		return err
	}
	s.policies.Delete(projectID)
	return nil
}

// HasProjectPolicy reports whether an IAM policy is applied to projectID
func (s *SandboxCloud) HasProjectPolicy(projectID string) bool {
	_, ok := s.policies.Load(projectID)
	return ok
}

func (s *SandboxCloud) GrantResourceAccess(_ context.Context, projectID string, kind domain.ResourceKind, groups map[string]string) error {
	if err := s.enter("GrantResourceAccess"); err != nil {
		return err
	}
	s.bindings.Store(objectKey(projectID, kind.Kind(), kind.CloudName()), groups)
	return nil
}

func (s *SandboxCloud) RevokeResourceAccess(_ context.Context, projectID string, kind domain.ResourceKind, _ map[string]string) error {
	if err := s.enter("RevokeResourceAccess"); err != nil {
		return err
	}
	s.bindings.Delete(objectKey(projectID, kind.Kind(), kind.CloudName()))
	return nil
}

// HasResourceAccess reports whether bindings exist for a cloud object
func (s *SandboxCloud) HasResourceAccess(projectID string, kind domain.KindName, name string) bool {
	_, ok := s.bindings.Load(objectKey(projectID, kind, name))
	return ok
}

func (s *SandboxCloud) HasWorkspaceAccess(_ context.Context, subjectID, workspaceID string, action domain.Action) (bool, error) {
	if err := s.enter("HasWorkspaceAccess"); err != nil {
		return false, err
	}
	if s.openAccess {
		return true, nil
	}

	granted, ok := s.grants.Load(workspaceID + "/" + subjectID)
	if !ok {
		return false, nil
	}
	return granted == action || granted == domain.ActionWrite, nil
}
