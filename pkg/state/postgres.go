package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds the relational backend settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Retention       time.Duration
}

// PostgresStore persists plan state in the plan_state and
// plan_state_metadata tables.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
	planLock  *planLocks
}

// NewPostgresStore opens the database, runs pending migrations, and returns
// a ready store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening plan state database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging plan state database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{
		db:        db,
		retention: cfg.Retention,
		planLock:  newPlanLocks(),
	}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "plan_state_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// LockPlan implements Store.
func (s *PostgresStore) LockPlan(planID string) func() {
	return s.planLock.acquire(planID)
}

// RememberStep implements Store.
func (s *PostgresStore) RememberStep(ctx context.Context, planID string, step models.PlanStep, traceID string, opts RememberOptions) error {
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encoding step: %w", err)
	}
	approvalsJSON, err := marshalNullable(opts.Approvals)
	if err != nil {
		return fmt.Errorf("encoding approvals: %w", err)
	}
	subjectJSON, err := marshalNullable(opts.Subject.Clone())
	if err != nil {
		return fmt.Errorf("encoding subject: %w", err)
	}

	now := time.Now()
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	initialState := opts.InitialState
	if initialState == "" {
		initialState = models.StepStateQueued
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_state
			(plan_id, step_id, id, trace_id, step, state, attempt, idempotency_key, approvals, subject, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (plan_id, step_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			step = EXCLUDED.step,
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			idempotency_key = EXCLUDED.idempotency_key,
			approvals = EXCLUDED.approvals,
			subject = EXCLUDED.subject,
			updated_at = EXCLUDED.updated_at`,
		planID, step.ID, uuid.New().String(), traceID, stepJSON, string(initialState),
		opts.Attempt, opts.IdempotencyKey, approvalsJSON, subjectJSON, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("persisting step: %w", err)
	}

	s.purgeExpired(ctx, now)
	return nil
}

// SetState implements Store. A terminal state deletes the row.
func (s *PostgresStore) SetState(ctx context.Context, planID, stepID string, state models.PlanStepState, opts SetStateOptions) error {
	now := time.Now()

	if state.Terminal() {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM plan_state WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
		if err != nil {
			return fmt.Errorf("deleting terminal step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		s.purgeExpired(ctx, now)
		return nil
	}

	outputJSON, err := marshalNullable(opts.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_state SET
			state = $3,
			summary = COALESCE($4, summary),
			output = COALESCE($5, output),
			attempt = COALESCE($6, attempt),
			updated_at = $7
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, string(state), opts.Summary, outputJSON, opts.Attempt, now,
	)
	if err != nil {
		return fmt.Errorf("updating step state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.purgeExpired(ctx, now)
	return nil
}

// RecordApproval implements Store.
func (s *PostgresStore) RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_state SET
			approvals = COALESCE(approvals, '{}'::jsonb) || jsonb_build_object($3::text, $4::boolean),
			updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, capability, granted,
	)
	if err != nil {
		return fmt.Errorf("recording approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForgetStep implements Store.
func (s *PostgresStore) ForgetStep(ctx context.Context, planID, stepID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_state WHERE plan_id = $1 AND step_id = $2`, planID, stepID); err != nil {
		return fmt.Errorf("forgetting step: %w", err)
	}
	return nil
}

// RememberPlanMetadata implements Store.
func (s *PostgresStore) RememberPlanMetadata(ctx context.Context, meta *models.PlanMetadata) error {
	stepsJSON, err := json.Marshal(meta.Steps)
	if err != nil {
		return fmt.Errorf("encoding plan metadata steps: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_state_metadata
			(plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (plan_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			steps = EXCLUDED.steps,
			next_step_index = EXCLUDED.next_step_index,
			last_completed_index = EXCLUDED.last_completed_index,
			updated_at = EXCLUDED.updated_at`,
		meta.PlanID, meta.TraceID, stepsJSON, meta.NextStepIndex, meta.LastCompletedIndex, now,
	)
	if err != nil {
		return fmt.Errorf("persisting plan metadata: %w", err)
	}

	s.purgeExpired(ctx, now)
	return nil
}

// GetPlanMetadata implements Store.
func (s *PostgresStore) GetPlanMetadata(ctx context.Context, planID string) (*models.PlanMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at
		FROM plan_state_metadata WHERE plan_id = $1`, planID)
	meta, err := scanPlanMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading plan metadata: %w", err)
	}
	return meta, nil
}

// ListPlanMetadata implements Store.
func (s *PostgresStore) ListPlanMetadata(ctx context.Context) ([]*models.PlanMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at
		FROM plan_state_metadata ORDER BY plan_id`)
	if err != nil {
		return nil, fmt.Errorf("listing plan metadata: %w", err)
	}
	defer rows.Close()

	var out []*models.PlanMetadata
	for rows.Next() {
		meta, err := scanPlanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan metadata: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// ForgetPlanMetadata implements Store.
func (s *PostgresStore) ForgetPlanMetadata(ctx context.Context, planID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_state_metadata WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("forgetting plan metadata: %w", err)
	}
	return nil
}

// ListActiveSteps implements Store.
func (s *PostgresStore) ListActiveSteps(ctx context.Context) ([]*models.PersistedStep, error) {
	rows, err := s.db.QueryContext(ctx, selectStepColumns+` FROM plan_state ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active steps: %w", err)
	}
	defer rows.Close()

	var out []*models.PersistedStep
	for rows.Next() {
		row, err := scanPersistedStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, planID, stepID string) (*models.PersistedStep, error) {
	row := s.db.QueryRowContext(ctx,
		selectStepColumns+` FROM plan_state WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	entry, err := scanPersistedStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading step row: %w", err)
	}
	return entry, nil
}

// GetStep implements Store.
func (s *PostgresStore) GetStep(ctx context.Context, planID, stepID string) (models.PlanStep, error) {
	entry, err := s.GetEntry(ctx, planID, stepID)
	if err != nil {
		return models.PlanStep{}, err
	}
	return entry.Step, nil
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE plan_state, plan_state_metadata`); err != nil {
		return fmt.Errorf("clearing plan state: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// purgeExpired is the opportunistic retention scan run on mutating calls.
// Failures are swallowed: retention is best-effort and the next mutation
// retries.
func (s *PostgresStore) purgeExpired(ctx context.Context, now time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM plan_state WHERE updated_at < $1`, cutoff)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM plan_state_metadata WHERE updated_at < $1`, cutoff)
}

const selectStepColumns = `
	SELECT plan_id, step_id, id, trace_id, step, state, summary, output,
	       attempt, idempotency_key, approvals, subject, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersistedStep(r rowScanner) (*models.PersistedStep, error) {
	var (
		row           models.PersistedStep
		stepID        string
		state         string
		stepJSON      []byte
		outputJSON    []byte
		approvalsJSON []byte
		subjectJSON   []byte
	)
	if err := r.Scan(&row.PlanID, &stepID, &row.ID, &row.TraceID, &stepJSON, &state,
		&row.Summary, &outputJSON, &row.Attempt, &row.IdempotencyKey,
		&approvalsJSON, &subjectJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}
	row.State = models.PlanStepState(state)
	if err := json.Unmarshal(stepJSON, &row.Step); err != nil {
		return nil, fmt.Errorf("decoding step column: %w", err)
	}
	if err := unmarshalNullable(outputJSON, &row.Output); err != nil {
		return nil, fmt.Errorf("decoding output column: %w", err)
	}
	if err := unmarshalNullable(approvalsJSON, &row.Approvals); err != nil {
		return nil, fmt.Errorf("decoding approvals column: %w", err)
	}
	if err := unmarshalNullable(subjectJSON, &row.Subject); err != nil {
		return nil, fmt.Errorf("decoding subject column: %w", err)
	}
	return &row, nil
}

func scanPlanMetadata(r rowScanner) (*models.PlanMetadata, error) {
	var (
		meta      models.PlanMetadata
		stepsJSON []byte
	)
	if err := r.Scan(&meta.PlanID, &meta.TraceID, &stepsJSON,
		&meta.NextStepIndex, &meta.LastCompletedIndex, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &meta.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps column: %w", err)
	}
	return &meta, nil
}

// marshalNullable encodes v to JSON, mapping nil values to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]bool:
		if val == nil {
			return nil, nil
		}
	case *models.Subject:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// unmarshalNullable decodes a possibly-NULL JSONB column.
func unmarshalNullable(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
