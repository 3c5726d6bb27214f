package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/google/uuid"
)

// PostgresStore is the production Store, backed by raw database/sql + lib/pq
// the way the teacher's pkg/persistence/postgresql package is: explicit SQL,
// manual JSON marshaling of JSONB columns, explicit transactions.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the connection, pings it, and runs migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	mgr := newMigrationManager(db, logger.With("module", "store.migrations"))
	if err := mgr.run(ctx); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db, logger: logger.With("module", "store")}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Workflows() WorkflowRepository {
	return &pgWorkflowRepository{db: s.db, logger: s.logger}
}

func (s *PostgresStore) Runs() RunRepository {
	return &pgRunRepository{db: s.db, logger: s.logger}
}

func (s *PostgresStore) StepExecutions() StepExecutionRepository {
	return &pgStepExecutionRepository{db: s.db, logger: s.logger}
}

func (s *PostgresStore) IdempotencyKeys() IdempotencyRepository {
	return &pgIdempotencyRepository{db: s.db, logger: s.logger}
}

// --- workflows ---

type pgWorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *pgWorkflowRepository) FindBySlug(ctx context.Context, slug string) (*workflow.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows WHERE slug = $1 AND deleted_at IS NULL
	`, slug)

	return r.scanAndLoadSteps(ctx, row)
}

func (r *pgWorkflowRepository) FindByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows WHERE id = $1 AND deleted_at IS NULL
	`, id)

	return r.scanAndLoadSteps(ctx, row)
}

func (r *pgWorkflowRepository) scanAndLoadSteps(ctx context.Context, row *sql.Row) (*workflow.Workflow, error) {
	w := &workflow.Workflow{}

	var secret sql.NullString

	err := row.Scan(&w.ID, &w.Name, &w.Slug, &secret, &w.Enabled, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "workflow", ID: ""}
	}

	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	w.WebhookSecret = secret.String

	steps, err := r.loadSteps(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps for workflow %s: %w", w.ID, err)
	}

	w.Steps = steps

	return w, nil
}

func (r *pgWorkflowRepository) loadSteps(ctx context.Context, workflowID string) ([]*workflow.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled
		FROM steps WHERE workflow_id = $1 ORDER BY "order" ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]*workflow.Step, 0)

	for rows.Next() {
		s := &workflow.Step{}

		var configRaw, retryRaw []byte

		var timeoutMs sql.NullInt64

		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Order, &s.Name, &s.Type, &configRaw, &retryRaw, &timeoutMs, &s.Enabled); err != nil {
			return nil, err
		}

		if len(configRaw) > 0 {
			if err := json.Unmarshal(configRaw, &s.Config); err != nil {
				return nil, fmt.Errorf("decode step config: %w", err)
			}
		}

		if len(retryRaw) > 0 {
			var policy workflow.RetryPolicy
			if err := json.Unmarshal(retryRaw, &policy); err != nil {
				return nil, fmt.Errorf("decode retry policy: %w", err)
			}

			s.RetryPolicy = &policy
		}

		if timeoutMs.Valid {
			ms := int(timeoutMs.Int64)
			s.TimeoutMs = &ms
		}

		steps = append(steps, s)
	}

	return steps, rows.Err()
}

func (r *pgWorkflowRepository) List(ctx context.Context, opts ListOptions) ([]*workflow.Workflow, int, error) {
	sortBy := sanitizeSortField(opts.SortBy, "created_at")
	sortDir := sanitizeSortDir(opts.SortDir)

	limit, offset := paginationDefaults(opts)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows WHERE deleted_at IS NULL
		ORDER BY %s %s
		LIMIT $1 OFFSET $2
	`, sortBy, sortDir)

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := make([]*workflow.Workflow, 0)

	for rows.Next() {
		w := &workflow.Workflow{}

		var secret sql.NullString

		if err := rows.Scan(&w.ID, &w.Name, &w.Slug, &secret, &w.Enabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}

		w.WebhookSecret = secret.String

		steps, err := r.loadSteps(ctx, w.ID)
		if err != nil {
			return nil, 0, err
		}

		w.Steps = steps
		workflows = append(workflows, w)
	}

	return workflows, total, rows.Err()
}

func (r *pgWorkflowRepository) Create(ctx context.Context, w *workflow.Workflow) error {
	if w.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate workflow id: %w", err)
		}

		w.ID = id.String()
	}

	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, slug, webhook_secret, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.Name, w.Slug, nullable(w.WebhookSecret), w.Enabled, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	if err := insertSteps(ctx, tx, w); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *pgWorkflowRepository) Update(ctx context.Context, w *workflow.Workflow) error {
	w.Steps = workflow.DensifyOrder(w.Steps)
	if err := workflow.ValidateStepUniqueness(w.Steps); err != nil {
		return err
	}

	w.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET name=$2, slug=$3, webhook_secret=$4, enabled=$5, updated_at=$6
		WHERE id=$1 AND deleted_at IS NULL
	`, w.ID, w.Name, w.Slug, nullable(w.WebhookSecret), w.Enabled, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "workflow", ID: w.ID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workflow_id=$1`, w.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}

	if err := insertSteps(ctx, tx, w); err != nil {
		return err
	}

	return tx.Commit()
}

func insertSteps(ctx context.Context, tx *sql.Tx, w *workflow.Workflow) error {
	for _, s := range w.Steps {
		if s.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate step id: %w", err)
			}

			s.ID = id.String()
		}

		s.WorkflowID = w.ID

		configJSON, err := json.Marshal(s.Config)
		if err != nil {
			return fmt.Errorf("encode step config: %w", err)
		}

		var retryJSON []byte
		if s.RetryPolicy != nil {
			retryJSON, err = json.Marshal(s.RetryPolicy.Normalize())
			if err != nil {
				return fmt.Errorf("encode retry policy: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, s.ID, s.WorkflowID, s.Order, s.Name, s.Type, configJSON, nullableBytes(retryJSON), s.TimeoutMs, s.Enabled)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", s.Name, err)
		}
	}

	return nil
}

func (r *pgWorkflowRepository) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE workflows SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete workflow: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "workflow", ID: id}
	}

	return nil
}

// --- runs ---

type pgRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *pgRunRepository) Create(ctx context.Context, run *run.Run) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}

		run.ID = id.String()
	}

	run.StartedAt = time.Now().UTC()
	run.Status = "pending"

	triggerJSON, err := json.Marshal(run.TriggerData)
	if err != nil {
		return fmt.Errorf("encode trigger data: %w", err)
	}

	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, trigger_data, context, current_step_index, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.WorkflowID, run.Status, triggerJSON, contextJSON, run.CurrentStepIndex, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

func (r *pgRunRepository) FindByID(ctx context.Context, id string) (*run.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, trigger_data, context, current_step_index, started_at, completed_at, error
		FROM runs WHERE id = $1
	`, id)

	return scanRun(row)
}

func scanRun(row *sql.Row) (*run.Run, error) {
	out := &run.Run{}

	var triggerRaw, contextRaw, errorRaw []byte

	var completedAt sql.NullTime

	err := row.Scan(&out.ID, &out.WorkflowID, &out.Status, &triggerRaw, &contextRaw, &out.CurrentStepIndex, &out.StartedAt, &completedAt, &errorRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "run", ID: ""}
	}

	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(triggerRaw, &out.TriggerData); err != nil {
		return nil, fmt.Errorf("decode trigger data: %w", err)
	}

	if err := json.Unmarshal(contextRaw, &out.Context); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		out.CompletedAt = &t
	}

	if len(errorRaw) > 0 {
		var runErr run.Error
		if err := json.Unmarshal(errorRaw, &runErr); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}

		out.Error = &runErr
	}

	return out, nil
}

func (r *pgRunRepository) Save(ctx context.Context, run *run.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}

	var errorJSON []byte
	if run.Error != nil {
		errorJSON, err = json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("encode run error: %w", err)
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status=$2, context=$3, current_step_index=$4, completed_at=$5, error=$6
		WHERE id=$1
	`, run.ID, run.Status, contextJSON, run.CurrentStepIndex, nullableTime(run.CompletedAt), nullableBytes(errorJSON))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "run", ID: run.ID}
	}

	return nil
}

func (r *pgRunRepository) List(ctx context.Context, workflowID string, opts ListOptions) ([]*run.Run, int, error) {
	sortBy := sanitizeSortField(opts.SortBy, "started_at")
	sortDir := sanitizeSortDir(opts.SortDir)
	limit, offset := paginationDefaults(opts)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE workflow_id=$1 OR $1=''`, workflowID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, workflow_id, status, trigger_data, context, current_step_index, started_at, completed_at, error
		FROM runs WHERE workflow_id=$1 OR $1=''
		ORDER BY %s %s
		LIMIT $2 OFFSET $3
	`, sortBy, sortDir)

	rows, err := r.db.QueryContext(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*run.Run, 0)

	for rows.Next() {
		out := &run.Run{}

		var triggerRaw, contextRaw, errorRaw []byte

		var completedAt sql.NullTime

		if err := rows.Scan(&out.ID, &out.WorkflowID, &out.Status, &triggerRaw, &contextRaw, &out.CurrentStepIndex, &out.StartedAt, &completedAt, &errorRaw); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}

		_ = json.Unmarshal(triggerRaw, &out.TriggerData)
		_ = json.Unmarshal(contextRaw, &out.Context)

		if completedAt.Valid {
			t := completedAt.Time
			out.CompletedAt = &t
		}

		if len(errorRaw) > 0 {
			var runErr run.Error
			_ = json.Unmarshal(errorRaw, &runErr)
			out.Error = &runErr
		}

		runs = append(runs, out)
	}

	return runs, total, rows.Err()
}

func (r *pgRunRepository) Cancel(ctx context.Context, id string, now time.Time) (*run.Run, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status='cancelled', completed_at=$2
		WHERE id=$1 AND status IN ('pending','running')
	`, id, now)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, trigger_data, context, current_step_index, started_at, completed_at, error
		FROM runs WHERE id=$1
	`, id)

	return scanRun(row)
}

// --- step executions ---

type pgStepExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *pgStepExecutionRepository) Create(ctx context.Context, se *run.StepExecution) error {
	if se.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate step execution id: %w", err)
		}

		se.ID = id.String()
	}

	se.StartedAt = time.Now().UTC()

	inputJSON, err := json.Marshal(se.Input)
	if err != nil {
		return fmt.Errorf("encode step execution input: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_executions (id, run_id, step_id, step_name, status, attempt, input, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, se.ID, se.RunID, se.StepID, se.StepName, se.Status, se.Attempt, inputJSON, se.StartedAt)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}

	return nil
}

func (r *pgStepExecutionRepository) Update(ctx context.Context, se *run.StepExecution) error {
	outputJSON, err := json.Marshal(se.Output)
	if err != nil {
		return fmt.Errorf("encode step execution output: %w", err)
	}

	var errorJSON []byte
	if se.Error != nil {
		errorJSON, err = json.Marshal(se.Error)
		if err != nil {
			return fmt.Errorf("encode step execution error: %w", err)
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE step_executions SET status=$2, output=$3, error=$4, completed_at=$5, duration_ms=$6
		WHERE id=$1
	`, se.ID, se.Status, nullableBytes(outputJSON), nullableBytes(errorJSON), nullableTime(se.CompletedAt), se.DurationMs)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "step_execution", ID: se.ID}
	}

	return nil
}

func (r *pgStepExecutionRepository) ListByRun(ctx context.Context, runID string) ([]*run.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, step_name, status, attempt, input, output, error, started_at, completed_at, duration_ms
		FROM step_executions WHERE run_id=$1 ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*run.StepExecution, 0)

	for rows.Next() {
		se := &run.StepExecution{}

		var inputRaw, outputRaw, errorRaw []byte

		var completedAt sql.NullTime

		var durationMs sql.NullInt64

		if err := rows.Scan(&se.ID, &se.RunID, &se.StepID, &se.StepName, &se.Status, &se.Attempt, &inputRaw, &outputRaw, &errorRaw, &se.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}

		_ = json.Unmarshal(inputRaw, &se.Input)

		if len(outputRaw) > 0 {
			_ = json.Unmarshal(outputRaw, &se.Output)
		}

		if len(errorRaw) > 0 {
			var execErr run.Error
			_ = json.Unmarshal(errorRaw, &execErr)
			se.Error = &execErr
		}

		if completedAt.Valid {
			t := completedAt.Time
			se.CompletedAt = &t
		}

		if durationMs.Valid {
			d := durationMs.Int64
			se.DurationMs = &d
		}

		executions = append(executions, se)
	}

	return executions, rows.Err()
}

// --- idempotency keys ---

type pgIdempotencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *pgIdempotencyRepository) Lookup(ctx context.Context, key string) (*run.IdempotencyKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, run_id, created_at, expires_at FROM idempotency_keys WHERE key=$1
	`, key)

	out := &run.IdempotencyKey{}

	err := row.Scan(&out.Key, &out.RunID, &out.CreatedAt, &out.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absence is not an error here
	}

	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	return out, nil
}

// Bind inserts the key-to-run mapping if absent; per spec §8's idempotency
// invariant, a key is bound at most once within its 24h TTL, so a conflict
// on an existing, unexpired key is not an error — it's the race this
// function exists to resolve in the caller's favor (the earlier writer wins).
func (r *pgIdempotencyRepository) Bind(ctx context.Context, key, runID string, now time.Time) error {
	expiresAt := now.Add(run.IdempotencyTTL)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, run_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, runID, now, expiresAt)
	if err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}

	return nil
}

func (r *pgIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}

	return res.RowsAffected()
}

// --- helpers ---

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func sanitizeSortField(field, fallback string) string {
	allowed := map[string]bool{"created_at": true, "updated_at": true, "started_at": true, "name": true, "slug": true}
	if allowed[field] {
		return field
	}

	return fallback
}

func sanitizeSortDir(dir string) string {
	if dir == "asc" || dir == "ASC" {
		return "ASC"
	}

	return "DESC"
}

func paginationDefaults(opts ListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}
