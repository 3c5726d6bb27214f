package engine_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowforge/enginecore/internal/engine"
	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/runlock"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/workflow"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace/noop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())

	return client
}

type harness struct {
	st        store.Store
	broker    *queue.MemoryBroker
	processor *engine.Processor
}

func newHarness(t *testing.T, handlers map[workflow.StepType]handler.Handler) *harness {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	client := setupRedisClient(t)
	locks := runlock.NewManager(client, discardLogger())
	broker := queue.NewMemoryBroker()
	registry := handler.NewRegistry()

	for stepType, h := range handlers {
		registry.Register(stepType, h)
	}

	tracer := noop.NewTracerProvider().Tracer("test")
	processor := engine.NewProcessor(st, broker, locks, registry, engine.DefaultConfig(), discardLogger(), tracer, nil)

	return &harness{st: st, broker: broker, processor: processor}
}

type fakeHandler struct {
	outputs []any
	errs    []error
	calls   int
}

func (f *fakeHandler) Execute(_ context.Context, _ *workflow.Step, _ any, _ map[string]any) (any, error) {
	i := f.calls
	f.calls++

	var out any
	var err error

	if i < len(f.outputs) {
		out = f.outputs[i]
	}

	if i < len(f.errs) {
		err = f.errs[i]
	}

	return out, err
}

func createWorkflow(t *testing.T, st store.Store, steps ...*workflow.Step) *workflow.Workflow {
	t.Helper()

	wf := &workflow.Workflow{Name: "wf", Slug: "wf-" + t.Name(), Enabled: true, Steps: steps}
	require.NoError(t, st.Workflows().Create(context.Background(), wf))

	for _, s := range wf.Steps {
		require.NotEmpty(t, s.ID)
	}

	return wf
}

func createRun(t *testing.T, st store.Store, wf *workflow.Workflow) *run.Run {
	t.Helper()

	r := &run.Run{WorkflowID: wf.ID}
	require.NoError(t, st.Runs().Create(context.Background(), r))

	return r
}

func TestOnStartRunEnqueuesFirstEnabledStep(t *testing.T) {
	h := &fakeHandler{}
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: h})

	wf := createWorkflow(t, hs.st, &workflow.Step{Order: 0, Name: "fetch", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}})
	r := createRun(t, hs.st, wf)

	require.NoError(t, hs.processor.OnStartRun(context.Background(), queue.Message{RunID: r.ID, WorkflowID: wf.ID}))

	assert.Equal(t, 1, hs.broker.Len(queue.Execute))

	reloaded, err := hs.st.Runs().FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, reloaded.Status)
}

func TestOnStartRunCompletesImmediatelyWhenNoEnabledSteps(t *testing.T) {
	hs := newHarness(t, nil)

	wf := createWorkflow(t, hs.st, &workflow.Step{Order: 0, Name: "disabled", Type: workflow.StepTypeHTTP, Enabled: false})
	r := createRun(t, hs.st, wf)

	require.NoError(t, hs.processor.OnStartRun(context.Background(), queue.Message{RunID: r.ID, WorkflowID: wf.ID}))

	reloaded, err := hs.st.Runs().FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.CompletedAt)
}

func TestOnExecuteStepLinearSuccessAdvancesAndCompletes(t *testing.T) {
	h := &fakeHandler{outputs: []any{map[string]any{"v": float64(7)}}}
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: h})

	step := &workflow.Step{Order: 0, Name: "only", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, hs.st, step)
	r := createRun(t, hs.st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, hs.st.Runs().Save(context.Background(), r))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, hs.processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	reloaded, err := hs.st.Runs().FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, reloaded.Status)
	assert.Equal(t, map[string]any{"v": float64(7)}, reloaded.Context.Steps["only"])

	execs, err := hs.st.StepExecutions().ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, run.StepExecCompleted, execs[0].Status)
}

func TestOnExecuteStepDuplicateMessageIsNoop(t *testing.T) {
	h := &fakeHandler{outputs: []any{map[string]any{"v": float64(1)}}}
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: h})

	step := &workflow.Step{Order: 0, Name: "only", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, hs.st, step)
	r := createRun(t, hs.st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, hs.st.Runs().Save(context.Background(), r))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, hs.processor.OnExecuteStep(context.Background(), queue.Execute, msg))
	require.NoError(t, hs.processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	execs, err := hs.st.StepExecutions().ListByRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "a duplicate delivery after the index advanced must not create another execution")
}

func TestOnExecuteStepRetryableFailureSchedulesRetryWithoutAdvancingIndex(t *testing.T) {
	h := &fakeHandler{errs: []error{assertFailingError()}}
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: h})

	step := &workflow.Step{
		Order: 0, Name: "flaky", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{},
		RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 3, BackoffType: workflow.BackoffFixed, InitialDelayMs: 100, MaxDelayMs: 1000},
	}
	wf := createWorkflow(t, hs.st, step)
	r := createRun(t, hs.st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, hs.st.Runs().Save(context.Background(), r))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, hs.processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	reloaded, err := hs.st.Runs().FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, reloaded.Status)
	assert.Equal(t, 0, reloaded.CurrentStepIndex, "a retryable failure must not advance currentStepIndex")

	// The retry is delayed by the fixed 100ms backoff plus at most 20% jitter.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, hs.broker.Len(queue.Execute))
}

func TestOnExecuteStepNonRetryableFailureFailsRun(t *testing.T) {
	h := &fakeHandler{errs: []error{assertFailingValidationError()}}
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: h})

	step := &workflow.Step{Order: 0, Name: "bad", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, hs.st, step)
	r := createRun(t, hs.st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, hs.st.Runs().Save(context.Background(), r))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, hs.processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	reloaded, err := hs.st.Runs().FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Error)
}

func TestOnExecuteStepLockContentionReenqueuesWithDelay(t *testing.T) {
	hs := newHarness(t, map[workflow.StepType]handler.Handler{workflow.StepTypeHTTP: &fakeHandler{}})

	step := &workflow.Step{Order: 0, Name: "contended", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, hs.st, step)
	r := createRun(t, hs.st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, hs.st.Runs().Save(context.Background(), r))

	client := setupRedisClient(t)
	locks := runlock.NewManager(client, discardLogger())
	lease, ok, err := locks.Acquire(context.Background(), r.ID, runlock.DefaultTTL)
	require.NoError(t, err)
	require.True(t, ok)

	defer locks.Release(context.Background(), lease) //nolint:errcheck

	hs2 := &harness{st: hs.st, broker: hs.broker, processor: engine.NewProcessor(hs.st, hs.broker, locks, handler.NewRegistry(), engine.DefaultConfig(), discardLogger(), noop.NewTracerProvider().Tracer("t"), nil)}

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, hs2.processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	assert.Equal(t, 0, hs2.broker.Len(queue.Execute), "delayed re-enqueue is not immediately ready")

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, hs2.broker.Len(queue.Execute))
}

func assertFailingError() error {
	return &classifiedTransientError{}
}

func assertFailingValidationError() error {
	return &classifiedValidationError{}
}

type classifiedTransientError struct{}

func (e *classifiedTransientError) Error() string { return "ECONNRESET: connection reset" }

type classifiedValidationError struct{}

func (e *classifiedValidationError) Error() string { return "ValidationError: bad input" }
