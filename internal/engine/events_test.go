package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flowforge/enginecore/internal/engine"
	"github.com/flowforge/enginecore/internal/events"
	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/runlock"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func drainEventTypes(t *testing.T, messages <-chan *message.Message, n int) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	types := make([]string, 0, n)

	for i := 0; i < n; i++ {
		select {
		case msg := <-messages:
			types = append(types, msg.Metadata.Get(events.EventTypeMetadataKey))
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}

	return types
}

func TestProcessorPublishesRunAndStepLifecycleEvents(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	client := setupRedisClient(t)
	locks := runlock.NewManager(client, discardLogger())
	broker := queue.NewMemoryBroker()
	registry := handler.NewRegistry()
	registry.Register(workflow.StepTypeHTTP, &fakeHandler{outputs: []any{map[string]any{"v": float64(1)}}})

	watermillLogger := watermill.NewSlogLogger(discardLogger())
	pubSub := events.NewGoChannel(watermillLogger)
	defer pubSub.Close()

	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()

	messages, err := pubSub.Subscribe(subCtx, events.Topic)
	require.NoError(t, err)

	publisher := events.NewPublisher(pubSub, discardLogger())
	tracer := noop.NewTracerProvider().Tracer("test")
	processor := engine.NewProcessor(st, broker, locks, registry, engine.DefaultConfig(), discardLogger(), tracer, publisher)

	step := &workflow.Step{Order: 0, Name: "only", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, st, step)
	r := createRun(t, st, wf)

	require.NoError(t, processor.OnStartRun(context.Background(), queue.Message{RunID: r.ID, WorkflowID: wf.ID}))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	got := drainEventTypes(t, messages, 3)
	assert.ElementsMatch(t, []string{
		string(events.RunStartedEvent),
		string(events.StepCompletedEvent),
		string(events.RunCompletedEvent),
	}, got)
}

func TestProcessorPublishesRunFailedOnNonRetryableStepFailure(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	client := setupRedisClient(t)
	locks := runlock.NewManager(client, discardLogger())
	broker := queue.NewMemoryBroker()
	registry := handler.NewRegistry()
	registry.Register(workflow.StepTypeHTTP, &fakeHandler{errs: []error{assertFailingValidationError()}})

	watermillLogger := watermill.NewSlogLogger(discardLogger())
	pubSub := events.NewGoChannel(watermillLogger)
	defer pubSub.Close()

	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()

	messages, err := pubSub.Subscribe(subCtx, events.Topic)
	require.NoError(t, err)

	publisher := events.NewPublisher(pubSub, discardLogger())
	tracer := noop.NewTracerProvider().Tracer("test")
	processor := engine.NewProcessor(st, broker, locks, registry, engine.DefaultConfig(), discardLogger(), tracer, publisher)

	step := &workflow.Step{Order: 0, Name: "only", Type: workflow.StepTypeHTTP, Enabled: true, Config: map[string]any{}}
	wf := createWorkflow(t, st, step)
	r := createRun(t, st, wf)
	r.Status = run.StatusRunning
	require.NoError(t, st.Runs().Save(context.Background(), r))

	msg := queue.Message{Type: queue.TypeExecuteStep, RunID: r.ID, WorkflowID: wf.ID, StepIndex: 0, StepID: wf.Steps[0].ID, Attempt: 1}
	require.NoError(t, processor.OnExecuteStep(context.Background(), queue.Execute, msg))

	got := drainEventTypes(t, messages, 2)
	assert.ElementsMatch(t, []string{
		string(events.StepFailedEvent),
		string(events.RunFailedEvent),
	}, got)
}
