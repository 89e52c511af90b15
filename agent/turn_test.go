package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

type fixture struct {
	bus      *bus.Bus
	store    *task.Store
	contexts *contexts.Manager
	registry *tools.Registry
	runtime  *workflow.Runtime
	script   *provider.Scripted
	service  *Service
	executor *Executor
}

// newFixture wires a full agent stack around a scripted provider. Opening
// retries are off so a misscripted test fails fast instead of backing off.
func newFixture(t *testing.T, turns ...provider.Turn) *fixture {
	t.Helper()
	script := provider.NewScripted("scripted", turns...)
	return newFixtureWith(t, script, []ServiceOption{WithProviderRetries(0)}, nil)
}

func newFixtureWith(t *testing.T, p provider.Provider, svcOpts []ServiceOption, execOpts []ExecutorOption) *fixture {
	t.Helper()
	b := bus.New()
	store := task.NewStore(b)
	ctxs := contexts.NewManager(store)
	registry := tools.NewRegistry()
	rt := workflow.NewRuntime(b, store)
	svc := NewService(p, registry, rt, b, ctxs, svcOpts...)

	f := &fixture{
		bus:      b,
		store:    store,
		contexts: ctxs,
		registry: registry,
		runtime:  rt,
		service:  svc,
		executor: NewExecutor(store, ctxs, rt, svc, execOpts...),
	}
	if script, ok := p.(*provider.Scripted); ok {
		f.script = script
	}
	return f
}

func userMessage(text string) a2a.Message {
	return a2a.Message{
		MessageID: uuid.NewString(),
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}

// collectStream replays and tails a task stream until it closes, which
// happens after the final record is delivered.
func collectStream(t *testing.T, b *bus.Bus, taskID string) []bus.Record {
	t.Helper()
	sub, err := b.Subscribe(taskID, 0)
	require.NoError(t, err)
	defer sub.Close()

	var recs []bus.Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec, ok := <-sub.Events():
			if !ok {
				return recs
			}
			recs = append(recs, rec)
		case <-timeout:
			t.Fatalf("stream for %s did not close; got %d records", taskID, len(recs))
		}
	}
}

func statusStates(recs []bus.Record) []a2a.TaskState {
	var states []a2a.TaskState
	for _, rec := range recs {
		if rec.Kind == bus.EventStatusUpdate {
			states = append(states, rec.Status.Status.State)
		}
	}
	return states
}

func textDeltas(recs []bus.Record) []string {
	var deltas []string
	for _, rec := range recs {
		if rec.Kind == bus.EventTextDelta {
			deltas = append(deltas, rec.Delta.Delta)
		}
	}
	return deltas
}

func finalStatus(t *testing.T, recs []bus.Record) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	require.Equal(t, bus.EventStatusUpdate, last.Kind)
	require.True(t, last.Final, "last record should be final")
	return last.Status
}

func waitState(t *testing.T, store *task.Store, taskID string, state a2a.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := store.Get(taskID)
		return err == nil && got.Status.State == state
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, state)
}

const searchSchema = `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`

func searchDescriptor() *tools.Descriptor {
	return &tools.Descriptor{
		Name:        "search__web",
		Description: "Web search",
		InputSchema: json.RawMessage(searchSchema),
	}
}

// countingInvoker returns a fixed payload and counts invocations.
type countingInvoker struct {
	mu     sync.Mutex
	calls  int
	result json.RawMessage
}

func (ci *countingInvoker) Invoke(_ context.Context, name string, _ json.RawMessage) (tools.Result, error) {
	ci.mu.Lock()
	ci.calls++
	ci.mu.Unlock()
	return tools.Result{Name: name, Content: ci.result}, nil
}

func (ci *countingInvoker) count() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.calls
}

func reportPlugin() *workflow.Plugin {
	return &workflow.Plugin{
		ID:          "daily-report",
		Name:        "Daily report",
		Description: "Generates the daily report",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, run *workflow.Run) (json.RawMessage, error) {
			if err := run.Working(ctx, ""); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"report":"done"}`), nil
		},
	}
}

// hangingProvider opens a stream that emits nothing until the context ends.
type hangingProvider struct{}

func (hangingProvider) ID() string { return "hanging" }

func (hangingProvider) ChatStream(ctx context.Context, _ provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (hangingProvider) Close() error { return nil }

func TestTurnStreamsTextToCompletion(t *testing.T) {
	f := newFixture(t, provider.TextTurn("Hello", ", ", "world"))

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, a2a.TaskKindAITurn, res.Task.Kind)
	assert.Equal(t, a2a.TaskStateSubmitted, res.Task.Status.State)

	recs := collectStream(t, f.bus, res.Task.ID)
	assert.Equal(t, bus.EventTaskCreated, recs[0].Kind)
	assert.Equal(t,
		[]a2a.TaskState{a2a.TaskStateSubmitted, a2a.TaskStateWorking, a2a.TaskStateCompleted},
		statusStates(recs))
	assert.Equal(t, []string{"Hello", ", ", "world"}, textDeltas(recs))

	final := finalStatus(t, recs)
	require.NotNil(t, final.Status.Message)
	assert.Equal(t, "Hello, world", final.Status.Message.Text())
	assert.Equal(t, a2a.RoleAgent, final.Status.Message.Role)

	// The turn appended its reply to the context history.
	history, err := f.contexts.History(res.Task.ContextID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Text())
	assert.Equal(t, "Hello, world", history[1].Text())

	req, ok := f.script.LastRequest()
	require.True(t, ok)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, provider.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestTurnAdvertisesToolCatalog(t *testing.T) {
	f := newFixture(t, provider.TextTurn("ok"))
	require.NoError(t, f.registry.Register(searchDescriptor()))
	require.NoError(t, f.runtime.Register(reportPlugin()))

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)
	collectStream(t, f.bus, res.Task.ID)

	req, ok := f.script.LastRequest()
	require.True(t, ok)
	require.Len(t, req.Tools, 2)
	assert.Equal(t, "search__web", req.Tools[0].Name)
	assert.Equal(t, "dispatch_workflow_daily_report", req.Tools[1].Name)
	assert.Equal(t, "Generates the daily report", req.Tools[1].Description)
}

func TestTurnInterceptsWorkflowDispatch(t *testing.T) {
	f := newFixture(t, provider.ToolCallTurn("c1", "dispatch_workflow_daily_report", `{}`))
	require.NoError(t, f.runtime.Register(reportPlugin()))

	res, err := f.executor.Execute(t.Context(), userMessage("run the report"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	states := statusStates(recs)
	require.Equal(t,
		[]a2a.TaskState{a2a.TaskStateSubmitted, a2a.TaskStateWorking, a2a.TaskStateWorking, a2a.TaskStateCompleted},
		states)

	// The second working update announces the child task.
	var dispatchEvt *a2a.TaskStatusUpdateEvent
	for _, rec := range recs {
		if rec.Kind == bus.EventStatusUpdate && rec.Status.Status.Message != nil &&
			len(rec.Status.Status.Message.ReferenceTaskIDs) > 0 && !rec.Final {
			dispatchEvt = rec.Status
			break
		}
	}
	require.NotNil(t, dispatchEvt, "no working update carried child references")
	require.Len(t, dispatchEvt.Status.Message.ReferenceTaskIDs, 1)
	childID := dispatchEvt.Status.Message.ReferenceTaskIDs[0]

	child, err := f.store.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskKindWorkflow, child.Kind)
	assert.Equal(t, res.Task.ID, child.ParentTaskID)
	assert.Equal(t, res.Task.ContextID, child.ContextID)

	// A successful dispatch feeds nothing back, so one model call suffices.
	assert.Equal(t, 1, f.script.Calls())

	// The parent's final message keeps the reference for late readers.
	final := finalStatus(t, recs)
	require.NotNil(t, final.Status.Message)
	assert.Equal(t, []string{childID}, final.Status.Message.ReferenceTaskIDs)

	waitState(t, f.store, childID, a2a.TaskStateCompleted)
}

func TestTurnDispatchFailureFedBack(t *testing.T) {
	f := newFixture(t,
		provider.ToolCallTurn("c1", "dispatch_workflow_ghost", `{}`),
		provider.TextTurn("that workflow does not exist"))

	res, err := f.executor.Execute(t.Context(), userMessage("run it"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)
	assert.Equal(t, 2, f.script.Calls())

	reqs := f.script.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, provider.RoleTool, last.Role)
	require.NotNil(t, last.ToolResult)
	assert.Contains(t, last.ToolResult.Error, "plugin not found")
}

func TestTurnFeedsToolResults(t *testing.T) {
	f := newFixture(t,
		provider.ToolCallTurn("c1", "search__web", `{"q":"go"}`),
		provider.TextTurn("found it"))
	require.NoError(t, f.registry.Register(searchDescriptor()))
	inv := &countingInvoker{result: json.RawMessage(`{"hits":3}`)}
	f.registry.BindInvoker("search", inv)

	res, err := f.executor.Execute(t.Context(), userMessage("search go"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)
	assert.Equal(t, "found it", final.Status.Message.Text())
	assert.Equal(t, 1, inv.count())

	reqs := f.script.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3) // user, assistant tool call, tool result

	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "search__web", msgs[1].ToolCalls[0].Name)

	assert.Equal(t, provider.RoleTool, msgs[2].Role)
	require.NotNil(t, msgs[2].ToolResult)
	assert.Equal(t, "c1", msgs[2].ToolResult.ID)
	assert.JSONEq(t, `{"hits":3}`, msgs[2].ToolResult.Content)
}

func TestTurnFeedsToolFailures(t *testing.T) {
	f := newFixture(t,
		provider.ToolCallTurn("c1", "search__web", `{}`), // missing required q
		provider.TextTurn("let me try again"))
	require.NoError(t, f.registry.Register(searchDescriptor()))
	f.registry.BindInvoker("search", &countingInvoker{result: json.RawMessage(`{}`)})

	res, err := f.executor.Execute(t.Context(), userMessage("search"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, finalStatus(t, recs).Status.State)

	reqs := f.script.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.NotNil(t, last.ToolResult)
	assert.NotEmpty(t, last.ToolResult.Error)
}

func TestTurnUnknownToolFedBack(t *testing.T) {
	f := newFixture(t,
		provider.ToolCallTurn("c1", "search__missing", `{"q":"x"}`),
		provider.TextTurn("no such tool"))

	res, err := f.executor.Execute(t.Context(), userMessage("go"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, finalStatus(t, recs).Status.State)

	reqs := f.script.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.NotNil(t, last.ToolResult)
	assert.Contains(t, last.ToolResult.Error, "tool not found")
}

func TestTurnStepLimit(t *testing.T) {
	call := func() provider.Turn { return provider.ToolCallTurn("c", "search__web", `{"q":"x"}`) }
	f := newFixtureWith(t,
		provider.NewScripted("scripted", call(), call(), call()),
		[]ServiceOption{WithProviderRetries(0), WithMaxSteps(2)}, nil)
	require.NoError(t, f.registry.Register(searchDescriptor()))
	inv := &countingInvoker{result: json.RawMessage(`{}`)}
	f.registry.BindInvoker("search", inv)

	res, err := f.executor.Execute(t.Context(), userMessage("loop"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateFailed, final.Status.State)
	assert.Equal(t, ReasonStepLimit, final.Metadata["reason"])

	// Two rounds executed; the third request tripped the limit unexecuted.
	assert.Equal(t, 3, f.script.Calls())
	assert.Equal(t, 2, inv.count())
}

func TestTurnProviderErrorFailsTask(t *testing.T) {
	f := newFixture(t, provider.ErrTurn(errors.New("upstream 500")))

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateFailed, final.Status.State)
	assert.Equal(t, ReasonProvider, final.Metadata["reason"])
	assert.Contains(t, final.Metadata["error"], "upstream 500")
}

func TestTurnRetriesOpeningCall(t *testing.T) {
	f := newFixtureWith(t,
		provider.NewScripted("scripted", provider.ErrTurn(errors.New("temporarily overloaded")), provider.TextTurn("recovered")),
		[]ServiceOption{WithProviderRetries(1)}, nil)

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)
	assert.Equal(t, "recovered", final.Status.Message.Text())
	assert.Equal(t, 2, f.script.Calls())
}

func TestTurnMidStreamErrorNotRetried(t *testing.T) {
	broken := provider.Turn{Chunks: []provider.StreamChunk{
		{Delta: "par", Content: "par"},
		{Error: errors.New("connection reset")},
	}}
	f := newFixtureWith(t,
		provider.NewScripted("scripted", broken, provider.TextTurn("never played")),
		[]ServiceOption{WithProviderRetries(2)}, nil)

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateFailed, final.Status.State)
	assert.Equal(t, ReasonProvider, final.Metadata["reason"])

	// Retries cover only the opening call, never a stream that already
	// produced output.
	assert.Equal(t, 1, f.script.Calls())
}

func TestTurnTimeout(t *testing.T) {
	f := newFixtureWith(t, hangingProvider{}, nil,
		[]ExecutorOption{WithRequestTimeout(50 * time.Millisecond)})

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateFailed, final.Status.State)
	assert.Equal(t, ReasonTimeout, final.Metadata["reason"])

	require.Eventually(t, func() bool { return f.executor.ActiveTurns() == 0 },
		5*time.Second, 5*time.Millisecond)
}

func TestTurnCancelIsSilent(t *testing.T) {
	f := newFixtureWith(t, hangingProvider{}, nil, nil)

	res, err := f.executor.Execute(t.Context(), userMessage("hi"))
	require.NoError(t, err)
	waitState(t, f.store, res.Task.ID, a2a.TaskStateWorking)

	canceled, err := f.executor.Cancel(t.Context(), res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	recs := collectStream(t, f.bus, res.Task.ID)
	final := finalStatus(t, recs)
	assert.Equal(t, a2a.TaskStateCanceled, final.Status.State)

	// The canceled final is the only terminal event; the turn goroutine
	// publishes nothing after it.
	finals := 0
	for _, rec := range recs {
		if rec.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)

	require.Eventually(t, func() bool { return f.executor.ActiveTurns() == 0 },
		5*time.Second, 5*time.Millisecond)
}

func TestTurnHotReloadAffectsOnlyNewTurns(t *testing.T) {
	f := newFixtureWith(t,
		provider.NewScripted("scripted", provider.TextTurn("one"), provider.TextTurn("two")),
		[]ServiceOption{WithProviderRetries(0), WithSystemPrompt("v1"), WithParams(provider.Params{Temperature: 0.2})},
		nil)

	c := f.contexts.Create()

	msg := userMessage("first")
	msg.ContextID = c.ID
	res, err := f.executor.Execute(t.Context(), msg)
	require.NoError(t, err)
	collectStream(t, f.bus, res.Task.ID)

	f.service.SetPrompt("v2")
	f.service.SetParams(provider.Params{Temperature: 0.9})

	msg2 := userMessage("second")
	msg2.ContextID = c.ID
	res2, err := f.executor.Execute(t.Context(), msg2)
	require.NoError(t, err)
	collectStream(t, f.bus, res2.Task.ID)

	reqs := f.script.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "v1", reqs[0].System)
	assert.InDelta(t, 0.2, reqs[0].Params.Temperature, 1e-6)
	assert.Equal(t, "v2", reqs[1].System)
	assert.InDelta(t, 0.9, reqs[1].Params.Temperature, 1e-6)

	// The second turn saw the whole conversation.
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "first", reqs[1].Messages[0].Content)
	assert.Equal(t, provider.RoleAssistant, reqs[1].Messages[1].Role)
	assert.Equal(t, "one", reqs[1].Messages[1].Content)
	assert.Equal(t, "second", reqs[1].Messages[2].Content)
}
