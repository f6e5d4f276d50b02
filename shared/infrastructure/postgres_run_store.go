package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ saga.Store = (*PostgresRunStore)(nil)

// PostgresRunStore persists saga runs in saga_runs. Leases are plain columns:
// claiming is one conditional UPDATE, and every checkpoint is conditioned on the
// caller still holding the lease.
type PostgresRunStore struct {
	db *sqlx.DB
}

// NewPostgresRunStore creates a new PostgresRunStore
func NewPostgresRunStore(db *sqlx.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

const runColumns = `id, operation_type, description, subject_id, workspace_id, inputs, memory,
	step_cursor, direction, status, attempt, next_attempt_at, result, error, failure,
	lease_holder, lease_expiry, created_at, updated_at, completed_at`

// postgresRun represents a run in database
type postgresRun struct {
	ID            string         `db:"id"`
	OperationType string         `db:"operation_type"`
	Description   string         `db:"description"`
	SubjectID     string         `db:"subject_id"`
	WorkspaceID   string         `db:"workspace_id"`
	Inputs        string         `db:"inputs"`
	Memory        string         `db:"memory"`
	Cursor        int            `db:"step_cursor"`
	Direction     string         `db:"direction"`
	Status        string         `db:"status"`
	Attempt       int            `db:"attempt"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	Result        sql.NullString `db:"result"`
	Error         sql.NullString `db:"error"`
	Failure       sql.NullString `db:"failure"`
	LeaseHolder   sql.NullString `db:"lease_holder"`
	LeaseExpiry   sql.NullTime   `db:"lease_expiry"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
}

// Create inserts a new run; ErrRunExists when the id is taken
func (s *PostgresRunStore) Create(ctx context.Context, run *saga.Run) error {
	pgRun, err := s.toPostgres(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_runs (
			id, operation_type, description, subject_id, workspace_id, inputs, memory,
			step_cursor, direction, status, attempt, next_attempt_at, result, error, failure,
			created_at, updated_at, completed_at
		) VALUES (
			:id, :operation_type, :description, :subject_id, :workspace_id, :inputs, :memory,
			:step_cursor, :direction, :status, :attempt, :next_attempt_at, :result, :error, :failure,
			:created_at, :updated_at, :completed_at
		)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.NamedExecContext(ctx, query, pgRun)
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.Wrapf(saga.ErrRunExists, "run %s", run.ID)
	}

	return nil
}

// Get loads a run by id
func (s *PostgresRunStore) Get(ctx context.Context, id string) (*saga.Run, error) {
	var pgRun postgresRun
	err := s.db.GetContext(ctx, &pgRun, `SELECT `+runColumns+` FROM saga_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(saga.ErrRunNotFound, "run %s", id)
		}
		return nil, errors.Wrap(err, "failed to get run")
	}

	return s.toDomain(&pgRun)
}

// Claim takes the lease of a RUNNING run that is free, expired, or already held by holder
func (s *PostgresRunStore) Claim(ctx context.Context, id, holder string, ttl time.Duration, now time.Time) (*saga.Run, error) {
	query := `
		UPDATE saga_runs
		SET lease_holder = $2, lease_expiry = $3
		WHERE id = $1
		  AND status = 'RUNNING'
		  AND (lease_holder IS NULL OR lease_holder = $2 OR lease_expiry <= $4)
		RETURNING ` + runColumns

	var pgRun postgresRun
	err := s.db.GetContext(ctx, &pgRun, query, id, holder, now.Add(ttl), now)
	if err == nil {
		return s.toDomain(&pgRun)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to claim run")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != saga.StatusRunning {
		return nil, errors.Wrapf(saga.ErrNotRunnable, "run %s is %s", id, current.Status)
	}
	return nil, errors.Wrapf(saga.ErrLeaseHeld, "run %s held by %s", id, current.LeaseHolder)
}

// Renew extends the lease held by holder
func (s *PostgresRunStore) Renew(ctx context.Context, id, holder string, ttl time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE saga_runs SET lease_expiry = $3 WHERE id = $1 AND lease_holder = $2`,
		id, holder, now.Add(ttl))
	if err != nil {
		return errors.Wrap(err, "failed to renew lease")
	}
	return requireOneRow(res, errors.Wrapf(saga.ErrLeaseLost, "run %s", id))
}

// Checkpoint writes the mutable part of a run, guarded by the lease
func (s *PostgresRunStore) Checkpoint(ctx context.Context, run *saga.Run, holder string) error {
	pgRun, err := s.toPostgres(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE saga_runs
		SET memory = :memory,
			step_cursor = :step_cursor,
			direction = :direction,
			status = :status,
			attempt = :attempt,
			next_attempt_at = :next_attempt_at,
			result = :result,
			error = :error,
			failure = :failure,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id AND lease_holder = :lease_holder`

	pgRun.LeaseHolder = sql.NullString{String: holder, Valid: true}

	res, err := s.db.NamedExecContext(ctx, query, pgRun)
	if err != nil {
		return errors.Wrap(err, "failed to checkpoint run")
	}

	return requireOneRow(res, errors.Wrapf(saga.ErrLeaseLost, "run %s", run.ID))
}

// Release gives up the lease if holder still owns it
func (s *PostgresRunStore) Release(ctx context.Context, id, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE saga_runs SET lease_holder = NULL, lease_expiry = NULL WHERE id = $1 AND lease_holder = $2`,
		id, holder)
	if err != nil {
		return errors.Wrap(err, "failed to release lease")
	}
	return nil
}

// ListRunnable returns due RUNNING runs without a live lease, oldest due first
func (s *PostgresRunStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM saga_runs
		WHERE status = 'RUNNING'
		  AND next_attempt_at <= $1
		  AND (lease_holder IS NULL OR lease_expiry <= $1)
		ORDER BY next_attempt_at ASC
		LIMIT $2`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list runnable runs")
	}
	return ids, nil
}

// List enumerates runs, newest first
func (s *PostgresRunStore) List(ctx context.Context, filter saga.ListFilter) ([]*saga.Run, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		conditions = append(conditions, "subject_id = $"+strconv.Itoa(len(args)))
	}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		conditions = append(conditions, "workspace_id = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM saga_runs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	var pgRuns []postgresRun
	if err := s.db.SelectContext(ctx, &pgRuns, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}

	runs := make([]*saga.Run, 0, len(pgRuns))
	for i := range pgRuns {
		run, err := s.toDomain(&pgRuns[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *PostgresRunStore) toPostgres(run *saga.Run) (*postgresRun, error) {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal inputs")
	}

	memory, err := json.Marshal(run.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal working memory")
	}

	runErr, err := nullJSON(run.Error)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal run error")
	}

	failure, err := nullJSON(run.Failure)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal run failure")
	}

	pgRun := &postgresRun{
		ID:            run.ID,
		OperationType: run.OperationType,
		Description:   run.Description,
		SubjectID:     run.SubjectID,
		WorkspaceID:   run.WorkspaceID,
		Inputs:        string(inputs),
		Memory:        string(memory),
		Cursor:        run.Cursor,
		Direction:     string(run.Direction),
		Status:        string(run.Status),
		Attempt:       run.Attempt,
		NextAttemptAt: run.NextAttemptAt,
		Error:         runErr,
		Failure:       failure,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		CompletedAt:   run.CompletedAt,
	}
	if len(run.Result) > 0 {
		pgRun.Result = sql.NullString{String: string(run.Result), Valid: true}
	}

	return pgRun, nil
}

func (s *PostgresRunStore) toDomain(pgRun *postgresRun) (*saga.Run, error) {
	inputs := saga.NewMap()
	if err := json.Unmarshal([]byte(pgRun.Inputs), inputs); err != nil {
		return nil, errors.Wrapf(err, "invalid inputs for run %s", pgRun.ID)
	}

	memory := saga.NewMap()
	if err := json.Unmarshal([]byte(pgRun.Memory), memory); err != nil {
		return nil, errors.Wrapf(err, "invalid working memory for run %s", pgRun.ID)
	}

	run := &saga.Run{
		ID:            pgRun.ID,
		OperationType: pgRun.OperationType,
		Description:   pgRun.Description,
		SubjectID:     pgRun.SubjectID,
		WorkspaceID:   pgRun.WorkspaceID,
		Inputs:        inputs,
		Memory:        memory,
		Cursor:        pgRun.Cursor,
		Direction:     saga.Direction(pgRun.Direction),
		Status:        saga.Status(pgRun.Status),
		Attempt:       pgRun.Attempt,
		NextAttemptAt: pgRun.NextAttemptAt,
		LeaseHolder:   pgRun.LeaseHolder.String,
		CreatedAt:     pgRun.CreatedAt,
		UpdatedAt:     pgRun.UpdatedAt,
		CompletedAt:   pgRun.CompletedAt,
	}
	if pgRun.LeaseExpiry.Valid {
		run.LeaseExpiry = pgRun.LeaseExpiry.Time
	}
	if pgRun.Result.Valid {
		run.Result = json.RawMessage(pgRun.Result.String)
	}

	var err error
	if run.Error, err = parseRunError(pgRun.Error); err != nil {
		return nil, errors.Wrapf(err, "invalid error for run %s", pgRun.ID)
	}
	if run.Failure, err = parseRunError(pgRun.Failure); err != nil {
		return nil, errors.Wrapf(err, "invalid failure for run %s", pgRun.ID)
	}

	return run, nil
}

func nullJSON(runErr *saga.RunError) (sql.NullString, error) {
	if runErr == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(runErr)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func parseRunError(value sql.NullString) (*saga.RunError, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var runErr saga.RunError
	if err := json.Unmarshal([]byte(value.String), &runErr); err != nil {
		return nil, err
	}
	return &runErr, nil
}

func requireOneRow(res sql.Result, notMatched error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected != 1 {
		return notMatched
	}
	return nil
}
