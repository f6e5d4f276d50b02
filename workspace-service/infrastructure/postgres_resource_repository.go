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

const uniqueViolation = "23505"

var _ domain.ResourceRepository = (*PostgresResourceRepository)(nil)

// PostgresResourceRepository implements ResourceRepository using PostgreSQL.
// Transitions lock the row, run the lifecycle check in Go and write back under an
// owner guard, so a concurrent job can never overwrite a state it did not read.
type PostgresResourceRepository struct {
	db *sqlx.DB
}

// NewPostgresResourceRepository creates a new PostgresResourceRepository
func NewPostgresResourceRepository(db *sqlx.DB) *PostgresResourceRepository {
	return &PostgresResourceRepository{db: db}
}

const resourceColumns = `workspace_id, resource_id, name, kind, attributes, state, owner_run_id,
	error_message, cloning_instructions, created_at, updated_at`

// postgresResource represents a resource in database
type postgresResource struct {
	WorkspaceID         string         `db:"workspace_id"`
	ResourceID          string         `db:"resource_id"`
	Name                string         `db:"name"`
	Kind                string         `db:"kind"`
	Attributes          string         `db:"attributes"`
	State               string         `db:"state"`
	OwnerRunID          sql.NullString `db:"owner_run_id"`
	ErrorMessage        sql.NullString `db:"error_message"`
	CloningInstructions string         `db:"cloning_instructions"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// Create inserts a CREATING resource
func (r *PostgresResourceRepository) Create(ctx context.Context, resource *domain.ManagedResource) error {
	row, err := toPostgresResource(resource)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resources (
			workspace_id, resource_id, name, kind, attributes, state, owner_run_id,
			error_message, cloning_instructions, created_at, updated_at
		) VALUES (
			:workspace_id, :resource_id, :name, :kind, :attributes, :state, :owner_run_id,
			:error_message, :cloning_instructions, :created_at, :updated_at
		)`

	_, err = r.db.NamedExecContext(ctx, query, row)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return errors.Wrap(err, "failed to insert resource")
	}

	existing, getErr := r.Get(ctx, resource.WorkspaceID, resource.ResourceID)
	if getErr == nil && resource.OwnerRunID != "" && existing.OwnerRunID == resource.OwnerRunID {
		return nil
	}
	return errors.Wrapf(domain.ErrResourceExists, "resource %s (%s) in workspace %s", resource.ResourceID, resource.Name, resource.WorkspaceID)
}

// Get finds a resource by workspace and id
func (r *PostgresResourceRepository) Get(ctx context.Context, workspaceID, resourceID string) (*domain.ManagedResource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = $1 AND resource_id = $2`

	var row postgresResource
	err := r.db.GetContext(ctx, &row, query, workspaceID, resourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrResourceNotFound, "resource %s in workspace %s", resourceID, workspaceID)
		}
		return nil, errors.Wrap(err, "failed to get resource")
	}

	return row.toDomain()
}

// List returns the resources of a workspace ordered by creation
func (r *PostgresResourceRepository) List(ctx context.Context, workspaceID string) ([]*domain.ManagedResource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = $1 ORDER BY created_at, resource_id`

	var rows []postgresResource
	if err := r.db.SelectContext(ctx, &rows, query, workspaceID); err != nil {
		return nil, errors.Wrap(err, "failed to list resources")
	}

	resources := make([]*domain.ManagedResource, 0, len(rows))
	for i := range rows {
		resource, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}

	return resources, nil
}

// Transition applies a lifecycle trigger inside one transaction
func (r *PostgresResourceRepository) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.ManagedResource, error) {
	target, ok := req.Trigger.Target()
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "unknown trigger %q", req.Trigger)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var row postgresResource
	err = tx.GetContext(ctx, &row,
		`SELECT `+resourceColumns+` FROM resources WHERE workspace_id = $1 AND resource_id = $2 FOR UPDATE`,
		req.WorkspaceID, req.ResourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if target == domain.StateNotExists {
				return nil, nil
			}
			return nil, errors.Wrapf(domain.ErrResourceNotFound, "resource %s in workspace %s", req.ResourceID, req.WorkspaceID)
		}
		return nil, errors.Wrap(err, "failed to lock resource")
	}

	resource, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	previousOwner := row.OwnerRunID

	changed, err := resource.Apply(req.Trigger, req.RunID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return resource, nil
	}

	if resource.State == domain.StateNotExists {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM resources WHERE workspace_id = $1 AND resource_id = $2 AND owner_run_id IS NOT DISTINCT FROM $3`,
			req.WorkspaceID, req.ResourceID, previousOwner)
		if err != nil {
			return nil, errors.Wrap(err, "failed to delete resource")
		}
		if err := exactlyOne(res, req.ResourceID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit transaction")
		}
		return nil, nil
	}

	if req.Kind != nil {
		if req.Kind.Kind() != resource.Kind.Kind() {
			return nil, errors.Wrapf(domain.ErrInvalidResource, "cannot change %s into %s", resource.Kind.Kind(), req.Kind.Kind())
		}
		resource.Kind = req.Kind
	}
	if resource.State == domain.StateBroken && req.ErrorMessage != "" {
		resource.ErrorMessage = req.ErrorMessage
	}

	next, err := toPostgresResource(resource)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE resources
		SET state = $1, owner_run_id = $2, error_message = $3, attributes = $4, updated_at = $5
		WHERE workspace_id = $6 AND resource_id = $7 AND owner_run_id IS NOT DISTINCT FROM $8`,
		next.State, next.OwnerRunID, next.ErrorMessage, next.Attributes, next.UpdatedAt,
		req.WorkspaceID, req.ResourceID, previousOwner)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update resource")
	}
	if err := exactlyOne(res, req.ResourceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return resource, nil
}

func exactlyOne(res sql.Result, resourceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n != 1 {
		return errors.Wrapf(domain.ErrResourceBusy, "resource %s changed concurrently", resourceID)
	}
	return nil
}

func toPostgresResource(resource *domain.ManagedResource) (*postgresResource, error) {
	kind, attrs, err := domain.EncodeKind(resource.Kind)
	if err != nil {
		return nil, err
	}

	return &postgresResource{
		WorkspaceID:         resource.WorkspaceID,
		ResourceID:          resource.ResourceID,
		Name:                resource.Name,
		Kind:                string(kind),
		Attributes:          string(attrs),
		State:               string(resource.State),
		OwnerRunID:          nullString(resource.OwnerRunID),
		ErrorMessage:        nullString(resource.ErrorMessage),
		CloningInstructions: string(resource.CloningInstructions),
		CreatedAt:           resource.CreatedAt,
		UpdatedAt:           resource.UpdatedAt,
	}, nil
}

func (p *postgresResource) toDomain() (*domain.ManagedResource, error) {
	kind, err := domain.DecodeKind(domain.KindName(p.Kind), json.RawMessage(p.Attributes))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid attributes for resource %s", p.ResourceID)
	}

	return &domain.ManagedResource{
		ResourceID:          p.ResourceID,
		WorkspaceID:         p.WorkspaceID,
		Name:                p.Name,
		Kind:                kind,
		State:               domain.ResourceState(p.State),
		OwnerRunID:          p.OwnerRunID.String,
		ErrorMessage:        p.ErrorMessage.String,
		CloningInstructions: domain.CloningInstructions(p.CloningInstructions),
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
