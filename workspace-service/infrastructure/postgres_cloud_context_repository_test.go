package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cloudContextColumnNames = []string{
	"workspace_id", "project_id", "billing_account", "custom_roles", "policy_groups",
	"state", "owner_run_id", "created_at", "updated_at",
}

func newCloudContextRepository(t *testing.T) (*PostgresCloudContextRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresCloudContextRepository(sqlx.NewDb(db, "postgres")), mock
}

func cloudContextRow(state, owner string) *sqlmock.Rows {
	var ownerRunID interface{}
	if owner != "" {
		ownerRunID = owner
	}
	now := time.Now().UTC()

	return sqlmock.NewRows(cloudContextColumnNames).AddRow(
		"ws-1", "wsm-project", "billing-1", `["WORKSPACE_OWNER"]`, `{"WORKSPACE_OWNER":"owners@groups"}`,
		state, ownerRunID, now, now,
	)
}

func TestPostgresCloudContextRepository_Create(t *testing.T) {
	ctx := context.Background()
	cc := &domain.CloudContext{WorkspaceID: "ws-1", ProjectID: "wsm-project", OwnerRunID: "job-1"}

	t.Run("inserts", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`INSERT INTO cloud_contexts`).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, cc))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("workspace already has a context", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`INSERT INTO cloud_contexts`).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectQuery(`FROM cloud_contexts WHERE workspace_id = \$1`).WillReturnRows(cloudContextRow("READY", ""))

		err := repo.Create(ctx, cc)
		assert.ErrorIs(t, err, domain.ErrCloudContextExists)
	})
}

func TestPostgresCloudContextRepository_Get(t *testing.T) {
	repo, mock := newCloudContextRepository(t)
	mock.ExpectQuery(`FROM cloud_contexts WHERE workspace_id = \$1`).
		WithArgs("ws-1").
		WillReturnRows(cloudContextRow("READY", ""))

	cc, err := repo.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, cc.IsReady())
	assert.Equal(t, []string{"WORKSPACE_OWNER"}, cc.CustomRoles)
	assert.Equal(t, "owners@groups", cc.PolicyGroups["WORKSPACE_OWNER"])
}

func TestPostgresCloudContextRepository_MarkReady(t *testing.T) {
	ctx := context.Background()

	t.Run("releases creating run", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`UPDATE cloud_contexts\s+SET state = \$1, policy_groups = \$2`).
			WithArgs("READY", sqlmock.AnyArg(), sqlmock.AnyArg(), "ws-1", "CREATING", "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkReady(ctx, "ws-1", "job-1", map[string]string{"WORKSPACE_OWNER": "owners@groups"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already ready", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`UPDATE cloud_contexts`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM cloud_contexts`).WillReturnRows(cloudContextRow("READY", ""))

		assert.NoError(t, repo.MarkReady(ctx, "ws-1", "job-1", nil))
	})
}

func TestPostgresCloudContextRepository_StartDelete(t *testing.T) {
	repo, mock := newCloudContextRepository(t)
	mock.ExpectExec(`UPDATE cloud_contexts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM cloud_contexts`).WillReturnRows(cloudContextRow("CREATING", "job-1"))

	err := repo.StartDelete(context.Background(), "ws-1", "job-2")
	assert.ErrorIs(t, err, domain.ErrResourceBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCloudContextRepository_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes owned context", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`DELETE FROM cloud_contexts WHERE workspace_id = \$1 AND owner_run_id = \$2`).
			WithArgs("ws-1", "job-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Delete(ctx, "ws-1", "job-2"))
	})

	t.Run("already gone", func(t *testing.T) {
		repo, mock := newCloudContextRepository(t)
		mock.ExpectExec(`DELETE FROM cloud_contexts`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM cloud_contexts`).WillReturnRows(sqlmock.NewRows(cloudContextColumnNames))

		assert.NoError(t, repo.Delete(ctx, "ws-1", "job-2"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
