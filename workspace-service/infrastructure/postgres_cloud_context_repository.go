package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var _ domain.CloudContextRepository = (*PostgresCloudContextRepository)(nil)

// PostgresCloudContextRepository implements CloudContextRepository using PostgreSQL
type PostgresCloudContextRepository struct {
	db *sqlx.DB
}

// NewPostgresCloudContextRepository creates a new PostgresCloudContextRepository
func NewPostgresCloudContextRepository(db *sqlx.DB) *PostgresCloudContextRepository {
	return &PostgresCloudContextRepository{db: db}
}

const cloudContextColumns = `workspace_id, project_id, billing_account, custom_roles, policy_groups,
	state, owner_run_id, created_at, updated_at`

// postgresCloudContext represents a cloud context in database
type postgresCloudContext struct {
	WorkspaceID    string         `db:"workspace_id"`
	ProjectID      string         `db:"project_id"`
	BillingAccount string         `db:"billing_account"`
	CustomRoles    string         `db:"custom_roles"`
	PolicyGroups   string         `db:"policy_groups"`
	State          string         `db:"state"`
	OwnerRunID     sql.NullString `db:"owner_run_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Create inserts a CREATING cloud context
func (r *PostgresCloudContextRepository) Create(ctx context.Context, cc *domain.CloudContext) error {
	roles, err := json.Marshal(cc.CustomRoles)
	if err != nil {
		return errors.Wrap(err, "failed to marshal custom roles")
	}
	groups, err := json.Marshal(cc.PolicyGroups)
	if err != nil {
		return errors.Wrap(err, "failed to marshal policy groups")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO cloud_contexts (
			workspace_id, project_id, billing_account, custom_roles, policy_groups,
			state, owner_run_id, created_at, updated_at
		) VALUES (
			:workspace_id, :project_id, :billing_account, :custom_roles, :policy_groups,
			:state, :owner_run_id, :created_at, :updated_at
		)`

	_, err = r.db.NamedExecContext(ctx, query, &postgresCloudContext{
		WorkspaceID:    cc.WorkspaceID,
		ProjectID:      cc.ProjectID,
		BillingAccount: cc.BillingAccount,
		CustomRoles:    string(roles),
		PolicyGroups:   string(groups),
		State:          string(domain.CloudContextCreating),
		OwnerRunID:     nullString(cc.OwnerRunID),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return errors.Wrap(err, "failed to insert cloud context")
	}

	existing, getErr := r.Get(ctx, cc.WorkspaceID)
	if getErr == nil && cc.OwnerRunID != "" && existing.OwnerRunID == cc.OwnerRunID {
		return nil
	}
	return errors.Wrapf(domain.ErrCloudContextExists, "workspace %s", cc.WorkspaceID)
}

// Get finds the cloud context of a workspace
func (r *PostgresCloudContextRepository) Get(ctx context.Context, workspaceID string) (*domain.CloudContext, error) {
	var row postgresCloudContext
	err := r.db.GetContext(ctx, &row, `SELECT `+cloudContextColumns+` FROM cloud_contexts WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrCloudContextNotFound, "workspace %s", workspaceID)
		}
		return nil, errors.Wrap(err, "failed to get cloud context")
	}

	return row.toDomain()
}

// MarkReady stores the identity groups and releases the creating run
func (r *PostgresCloudContextRepository) MarkReady(ctx context.Context, workspaceID, runID string, policyGroups map[string]string) error {
	groups, err := json.Marshal(policyGroups)
	if err != nil {
		return errors.Wrap(err, "failed to marshal policy groups")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE cloud_contexts
		SET state = $1, policy_groups = $2, owner_run_id = NULL, updated_at = $3
		WHERE workspace_id = $4 AND state = $5 AND owner_run_id = $6`,
		string(domain.CloudContextReady), string(groups), time.Now().UTC(),
		workspaceID, string(domain.CloudContextCreating), runID)
	if err != nil {
		return errors.Wrap(err, "failed to mark cloud context ready")
	}

	return r.settle(ctx, res, workspaceID, func(cc *domain.CloudContext) bool {
		return cc.State == domain.CloudContextReady && cc.OwnerRunID == ""
	})
}

// StartDelete hands a READY cloud context to the deleting run
func (r *PostgresCloudContextRepository) StartDelete(ctx context.Context, workspaceID, runID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE cloud_contexts
		SET state = $1, owner_run_id = $2, updated_at = $3
		WHERE workspace_id = $4 AND state = $5 AND owner_run_id IS NULL`,
		string(domain.CloudContextDeleting), runID, time.Now().UTC(),
		workspaceID, string(domain.CloudContextReady))
	if err != nil {
		return errors.Wrap(err, "failed to start cloud context deletion")
	}

	return r.settle(ctx, res, workspaceID, func(cc *domain.CloudContext) bool {
		return cc.State == domain.CloudContextDeleting && cc.OwnerRunID == runID
	})
}

// Delete removes the cloud context owned by runID
func (r *PostgresCloudContextRepository) Delete(ctx context.Context, workspaceID, runID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cloud_contexts WHERE workspace_id = $1 AND owner_run_id = $2`,
		workspaceID, runID)
	if err != nil {
		return errors.Wrap(err, "failed to delete cloud context")
	}

	err = r.settle(ctx, res, workspaceID, func(*domain.CloudContext) bool { return false })
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return nil
	}
	return err
}

// settle treats a guarded write that touched no row as success when the row
// already looks the way the write would have left it.
func (r *PostgresCloudContextRepository) settle(ctx context.Context, res sql.Result, workspaceID string, done func(*domain.CloudContext) bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 1 {
		return nil
	}

	current, err := r.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if done(current) {
		return nil
	}
	return errors.Wrapf(domain.ErrResourceBusy, "cloud context of workspace %s is %s owned by %q", workspaceID, current.State, current.OwnerRunID)
}

func (p *postgresCloudContext) toDomain() (*domain.CloudContext, error) {
	cc := &domain.CloudContext{
		WorkspaceID:    p.WorkspaceID,
		ProjectID:      p.ProjectID,
		BillingAccount: p.BillingAccount,
		State:          domain.CloudContextState(p.State),
		OwnerRunID:     p.OwnerRunID.String,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}

	if p.CustomRoles != "" {
		if err := json.Unmarshal([]byte(p.CustomRoles), &cc.CustomRoles); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal custom roles")
		}
	}
	if p.PolicyGroups != "" {
		if err := json.Unmarshal([]byte(p.PolicyGroups), &cc.PolicyGroups); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal policy groups")
		}
	}

	return cc, nil
}
