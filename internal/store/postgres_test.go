package store_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/workflow"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropTables(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"idempotency_keys", "step_executions", "runs", "steps", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupPostgresStore(t *testing.T) (*store.PostgresStore, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("enginecore_test"),
			postgres.WithUsername("enginecore"),
			postgres.WithPassword("enginecore"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropTables(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewPostgresStore(ctx, databaseURL, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropTables(ctx, t, databaseURL)
		require.NoError(t, st.Close())
		cancel()
	})

	return st, databaseURL
}

func TestPostgresStoreRunsMigrationsIdempotently(t *testing.T) {
	st, databaseURL := setupPostgresStore(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := store.NewPostgresStore(context.Background(), databaseURL, logger)
	require.NoError(t, err)

	_, _, err = st.Workflows().List(context.Background(), store.ListOptions{Limit: 1})
	require.NoError(t, err)
}

func TestPostgresWorkflowCreateFindUpdateDelete(t *testing.T) {
	st, _ := setupPostgresStore(t)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "ingest orders", Slug: "ingest-orders", WebhookSecret: "s3cr3t", Enabled: true,
		Steps: []*workflow.Step{
			{Order: 0, Name: "fetch", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{"url": "https://example.com", "method": "GET"}},
			{Order: 1, Name: "transform", Type: workflow.StepTypeTransform, Enabled: true, Config: map[string]any{"expression": "input"}},
		},
	}
	require.NoError(t, st.Workflows().Create(ctx, wf))
	require.NotEmpty(t, wf.ID)

	found, err := st.Workflows().FindByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Slug, found.Slug)
	require.Len(t, found.Steps, 2)
	assert.Equal(t, "fetch", found.Steps[0].Name)

	bySlug, err := st.Workflows().FindBySlug(ctx, wf.Slug)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, bySlug.ID)

	found.Name = "ingest orders v2"
	found.Steps = found.Steps[:1]
	require.NoError(t, st.Workflows().Update(ctx, found))

	reloaded, err := st.Workflows().FindByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "ingest orders v2", reloaded.Name)
	assert.Len(t, reloaded.Steps, 1)

	require.NoError(t, st.Workflows().SoftDelete(ctx, wf.ID))

	_, err = st.Workflows().FindByID(ctx, wf.ID)
	require.Error(t, err)

	var notFoundErr *store.NotFoundError
	assert.ErrorAs(t, err, &notFoundErr)
}

func TestPostgresRunLifecycleAndStepExecutions(t *testing.T) {
	st, _ := setupPostgresStore(t)
	ctx := context.Background()

	wf := &workflow.Workflow{Name: "wf", Slug: "wf-run-lifecycle", Enabled: true,
		Steps: []*workflow.Step{{Order: 0, Name: "only", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}}}
	require.NoError(t, st.Workflows().Create(ctx, wf))

	r := &run.Run{WorkflowID: wf.ID, TriggerData: run.TriggerData{Body: map[string]any{"hello": "world"}}}
	require.NoError(t, st.Runs().Create(ctx, r))
	require.NotEmpty(t, r.ID)
	assert.Equal(t, run.StatusPending, r.Status)

	r.Status = run.StatusRunning
	r.Context = run.ExecutionContext{Steps: map[string]any{}}
	require.NoError(t, st.Runs().Save(ctx, r))

	se := &run.StepExecution{RunID: r.ID, StepID: wf.Steps[0].ID, StepName: "only", Status: run.StepExecRunning, Attempt: 1}
	require.NoError(t, st.StepExecutions().Create(ctx, se))

	se.Status = run.StepExecCompleted
	se.Output = map[string]any{"ok": true}
	now := time.Now().UTC()
	se.CompletedAt = &now
	require.NoError(t, st.StepExecutions().Update(ctx, se))

	execs, err := st.StepExecutions().ListByRun(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, run.StepExecCompleted, execs[0].Status)

	reloaded, err := st.Runs().FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, reloaded.Status)
	body, ok := reloaded.TriggerData.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", body["hello"])

	cancelled, err := st.Runs().Cancel(ctx, r.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, cancelled.Status)
}

func TestPostgresIdempotencyKeyBindLookupAndCleanup(t *testing.T) {
	st, _ := setupPostgresStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.IdempotencyKeys().Bind(ctx, "key-1", "run-1", now))

	found, err := st.IdempotencyKeys().Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "run-1", found.RunID)

	require.NoError(t, st.IdempotencyKeys().Bind(ctx, "key-1", "run-2", now))
	unchanged, err := st.IdempotencyKeys().Lookup(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", unchanged.RunID)

	past := now.Add(-48 * time.Hour)
	require.NoError(t, st.IdempotencyKeys().Bind(ctx, "key-expired", "run-3", past))

	deleted, err := st.IdempotencyKeys().DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, err := st.IdempotencyKeys().Lookup(ctx, "key-expired")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
