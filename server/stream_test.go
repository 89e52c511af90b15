package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/config"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

const greetInputSchema = `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`

// greetPlugin pauses for a name and then emits one greeting artifact. The
// greeting prefix distinguishes implementations across hot reloads.
func greetPlugin(greeting string) *workflow.Plugin {
	return &workflow.Plugin{
		ID:          "greet",
		Name:        "Greet",
		Description: "Greets a person by name",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, run *workflow.Run) (json.RawMessage, error) {
			if err := run.Working(ctx, ""); err != nil {
				return nil, err
			}
			input, err := run.Pause(ctx, workflow.PauseRequest{
				Reason:      "need_name",
				Message:     "who?",
				InputSchema: json.RawMessage(greetInputSchema),
			})
			if err != nil {
				return nil, err
			}
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			artifact := a2a.Artifact{
				ArtifactID: "g",
				Name:       "greeting",
				Parts:      []a2a.Part{a2a.TextPart(greeting + ", " + in.Name)},
			}
			if err := run.Artifact(ctx, artifact, workflow.LastChunk()); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
}

func resumeMessage(taskID, name string) a2a.Message {
	return a2a.Message{
		MessageID: uuid.NewString(),
		Role:      a2a.RoleUser,
		TaskID:    taskID,
		Parts:     []a2a.Part{a2a.DataPart(map[string]any{"name": name})},
	}
}

// startGreet streams a user message whose scripted model response dispatches
// the greet workflow, waits for the child to pause, and returns the child's
// task id along with the parent's full frame sequence.
func startGreet(t *testing.T, f *fixture) (string, []frame) {
	t.Helper()

	stream := openStream(t, f.rpcURL(), a2a.MethodSendStreamingMessage, sendParams(userMessage("greet me")))
	defer stream.close()
	frames := stream.collectUntilFinal(t)

	var childID string
	for _, fr := range frames {
		if fr.status != nil && fr.status.Status.Message != nil && len(fr.status.Status.Message.ReferenceTaskIDs) > 0 {
			childID = fr.status.Status.Message.ReferenceTaskIDs[0]
			break
		}
	}
	require.NotEmpty(t, childID, "parent stream never surfaced referenceTaskIds")
	waitState(t, f.store, childID, a2a.TaskStateInputRequired)
	return childID, frames
}

func TestWorkflowDispatchPauseResume(t *testing.T) {
	f := newFixture(t, nil, provider.ToolCallTurn("call-1", "dispatch_workflow_greet", `{}`))
	require.NoError(t, f.runtime.Register(greetPlugin("hello")))

	childID, parentFrames := startGreet(t, f)

	// Parent: task snapshot first, then the dispatch notice, then terminal.
	require.Equal(t, "task", parentFrames[0].kind)
	assert.Equal(t, a2a.TaskKindAITurn, parentFrames[0].task.Kind)

	var notice *a2a.TaskStatusUpdateEvent
	for _, fr := range parentFrames {
		if fr.status != nil && fr.status.Status.Message != nil && len(fr.status.Status.Message.ReferenceTaskIDs) > 0 {
			notice = fr.status
			break
		}
	}
	require.NotNil(t, notice)
	assert.Equal(t, a2a.TaskStateWorking, notice.Status.State)
	assert.False(t, notice.Final)

	last := parentFrames[len(parentFrames)-1]
	require.NotNil(t, last.status)
	assert.Equal(t, a2a.TaskStateCompleted, last.status.Status.State)
	require.NotNil(t, last.status.Status.Message)
	assert.Equal(t, []string{childID}, last.status.Status.Message.ReferenceTaskIDs)

	// Child is paused and advertises the resume schema.
	child, err := f.store.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskKindWorkflow, child.Kind)
	require.NotNil(t, child.PauseInfo)
	assert.JSONEq(t, greetInputSchema, string(child.PauseInfo.InputSchema))

	// Schema-invalid resume input is rejected and the pause holds.
	bad := a2a.Message{
		MessageID: uuid.NewString(),
		Role:      a2a.RoleUser,
		TaskID:    childID,
		Parts:     []a2a.Part{a2a.DataPart(map[string]any{})},
	}
	requireRPCError(t, f.call(t, a2a.MethodSendMessage, sendParams(bad)), a2a.CodeInvalidInput)
	stillPaused, err := f.store.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateInputRequired, stillPaused.Status.State)

	// A message naming the wrong context cannot feed the task.
	wrongCtx := resumeMessage(childID, "Ada")
	wrongCtx.ContextID = "some-other-context"
	requireRPCError(t, f.call(t, a2a.MethodSendMessage, sendParams(wrongCtx)), a2a.CodeInvalidState)

	// Valid resume settles synchronously at the terminal state.
	done := resultTask(t, f.call(t, a2a.MethodSendMessage, sendParams(resumeMessage(childID, "Ada"))))
	assert.Equal(t, a2a.TaskStateCompleted, done.Status.State)
	require.Len(t, done.Artifacts, 1)
	require.NotEmpty(t, done.Artifacts[0].Parts)
	require.NotNil(t, done.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "hello, Ada", *done.Artifacts[0].Parts[0].Text)

	// Full child history replays in order.
	resub := openStream(t, f.rpcURL(), a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: childID})
	defer resub.close()
	frames := resub.collectUntilFinal(t)

	require.Equal(t, "task", frames[0].kind)
	assert.Equal(t, childID, frames[0].task.ID)
	assert.Equal(t, []a2a.TaskState{
		a2a.TaskStateSubmitted,
		a2a.TaskStateWorking,
		a2a.TaskStateInputRequired,
		a2a.TaskStateWorking,
		a2a.TaskStateCompleted,
	}, frameStates(frames))

	var artifactFrame *frame
	for i := range frames {
		if frames[i].artifact != nil {
			artifactFrame = &frames[i]
			break
		}
	}
	require.NotNil(t, artifactFrame)
	assert.Equal(t, "g", artifactFrame.artifact.Artifact.ArtifactID)

	final := frames[len(frames)-1]
	require.NotNil(t, final.status)
	assert.True(t, final.status.Final)
	assert.Equal(t, map[string]any{"ok": true}, final.status.Metadata["result"])
}

func TestArtifactEndpoint(t *testing.T) {
	f := newFixture(t, nil, provider.ToolCallTurn("call-1", "dispatch_workflow_greet", `{}`))
	require.NoError(t, f.runtime.Register(greetPlugin("hello")))

	childID, _ := startGreet(t, f)
	resultTask(t, f.call(t, a2a.MethodSendMessage, sendParams(resumeMessage(childID, "Ada"))))

	resp, err := http.Get(f.ts.URL + DefaultA2APath + "/tasks/" + childID + "/artifacts/g")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello, Ada", string(body))

	missing, err := http.Get(f.ts.URL + DefaultA2APath + "/tasks/" + childID + "/artifacts/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestResubscribeReplaysAndTails(t *testing.T) {
	f := newFixture(t, nil, provider.ToolCallTurn("call-1", "dispatch_workflow_greet", `{}`))
	require.NoError(t, f.runtime.Register(greetPlugin("hello")))

	childID, _ := startGreet(t, f)

	stream := openStream(t, f.rpcURL(), a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: childID})
	defer stream.close()

	// Replay of the four events published so far.
	created := stream.nextFrame(t)
	require.Equal(t, "task", created.kind)
	assert.Equal(t, childID, created.task.ID)

	submitted := stream.nextFrame(t)
	require.NotNil(t, submitted.status)
	assert.Equal(t, a2a.TaskStateSubmitted, submitted.status.Status.State)

	working := stream.nextFrame(t)
	require.NotNil(t, working.status)
	assert.Equal(t, a2a.TaskStateWorking, working.status.Status.State)

	paused := stream.nextFrame(t)
	require.NotNil(t, paused.status)
	assert.Equal(t, a2a.TaskStateInputRequired, paused.status.Status.State)
	require.NotNil(t, paused.status.PauseInfo)
	assert.JSONEq(t, greetInputSchema, string(paused.status.PauseInfo.InputSchema))

	// Live tail continues from the resume.
	done := resultTask(t, f.call(t, a2a.MethodSendMessage, sendParams(resumeMessage(childID, "Ada"))))
	assert.Equal(t, a2a.TaskStateCompleted, done.Status.State)

	resumed := stream.nextFrame(t)
	require.NotNil(t, resumed.status)
	assert.Equal(t, a2a.TaskStateWorking, resumed.status.Status.State)

	artifact := stream.nextFrame(t)
	require.NotNil(t, artifact.artifact)
	assert.Equal(t, "g", artifact.artifact.Artifact.ArtifactID)

	final := stream.nextFrame(t)
	require.NotNil(t, final.status)
	assert.Equal(t, a2a.TaskStateCompleted, final.status.Status.State)
	assert.True(t, final.status.Final)
}

func TestCancelDuringPause(t *testing.T) {
	f := newFixture(t, nil, provider.ToolCallTurn("call-1", "dispatch_workflow_greet", `{}`))
	require.NoError(t, f.runtime.Register(greetPlugin("hello")))

	childID, _ := startGreet(t, f)

	canceled := resultTask(t, f.call(t, a2a.MethodCancelTask, a2a.CancelTaskRequest{ID: childID}))
	assert.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	// A resume after cancellation is a terminal-state error.
	requireRPCError(t, f.call(t, a2a.MethodSendMessage, sendParams(resumeMessage(childID, "Ada"))), a2a.CodeTaskTerminal)

	// Re-canceling is idempotent.
	again := resultTask(t, f.call(t, a2a.MethodCancelTask, a2a.CancelTaskRequest{ID: childID}))
	assert.Equal(t, a2a.TaskStateCanceled, again.Status.State)

	// The stream's final event is the cancellation.
	stream := openStream(t, f.rpcURL(), a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: childID})
	defer stream.close()
	frames := stream.collectUntilFinal(t)
	final := frames[len(frames)-1]
	require.NotNil(t, final.status)
	assert.Equal(t, a2a.TaskStateCanceled, final.status.Status.State)
	assert.True(t, final.status.Final)
}

func TestHotReloadPreservesInFlight(t *testing.T) {
	f := newFixture(t, nil, provider.ToolCallTurn("call-1", "dispatch_workflow_greet", `{}`))
	coord := config.NewCoordinator(f.service, f.runtime)

	_, err := coord.Apply(config.Snapshot{
		SystemPrompt: "greeter v1",
		Plugins:      []*workflow.Plugin{greetPlugin("hello")},
	})
	require.NoError(t, err)

	childID, _ := startGreet(t, f)

	// Replace greet while the child is paused.
	_, err = coord.Apply(config.Snapshot{
		SystemPrompt: "greeter v2",
		Plugins:      []*workflow.Plugin{greetPlugin("howdy")},
	})
	require.NoError(t, err)

	done := resultTask(t, f.call(t, a2a.MethodSendMessage, sendParams(resumeMessage(childID, "Ada"))))
	require.Equal(t, a2a.TaskStateCompleted, done.Status.State)
	require.Len(t, done.Artifacts, 1)
	require.NotNil(t, done.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "hello, Ada", *done.Artifacts[0].Parts[0].Text,
		"in-flight execution must keep the plugin captured at dispatch")

	// Dispatches after the reload run the replacement.
	child2, err := f.runtime.Dispatch(context.Background(), workflow.DispatchRequest{
		PluginID:   "greet",
		ContextID:  done.ContextID,
		Parameters: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	waitState(t, f.store, child2.ID, a2a.TaskStateInputRequired)
	_, err = f.runtime.Resume(context.Background(), child2.ID, json.RawMessage(`{"name":"Bob"}`))
	require.NoError(t, err)
	waitState(t, f.store, child2.ID, a2a.TaskStateCompleted)

	got, err := f.store.Get(child2.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	require.NotNil(t, got.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "howdy, Bob", *got.Artifacts[0].Parts[0].Text)
}

func TestResubscribeUnknownTask(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.call(t, a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: "task-unknown"})
	requireRPCError(t, resp, a2a.CodeTaskNotFound)
}

func TestResubscribeAfterStreamReleased(t *testing.T) {
	f := newFixture(t, nil, provider.TextTurn("pong"))

	sent := resultTask(t, f.call(t, a2a.MethodSendMessage, sendParams(userMessage("ping"))))
	f.bus.Release(sent.ID)

	stream := openStream(t, f.rpcURL(), a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: sent.ID})
	defer stream.close()

	snap := stream.nextFrame(t)
	require.NotNil(t, snap.status, "released stream should degrade to a snapshot frame")
	assert.Equal(t, a2a.TaskStateCompleted, snap.status.Status.State)
	assert.True(t, snap.status.Final)
}

// noisyPlugin publishes enough progress updates to rotate the event ring.
func noisyPlugin(updates int) *workflow.Plugin {
	return &workflow.Plugin{
		ID:          "noisy",
		Name:        "Noisy",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, run *workflow.Run) (json.RawMessage, error) {
			for i := 1; i <= updates; i++ {
				if err := run.Progress(ctx, i, updates); err != nil {
					return nil, err
				}
			}
			return json.RawMessage(`{"done":true}`), nil
		},
	}
}

func TestResubscribeAfterRingRotation(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.runtime.Register(noisyPlugin(bus.DefaultCapacity + 50)))

	contextID := f.contexts.Create().ID
	child, err := f.runtime.Dispatch(context.Background(), workflow.DispatchRequest{
		PluginID:   "noisy",
		ContextID:  contextID,
		Parameters: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	waitState(t, f.store, child.ID, a2a.TaskStateCompleted)

	stream := openStream(t, f.rpcURL(), a2a.MethodResubscribeTask, a2a.ResubscribeTaskRequest{ID: child.ID})
	defer stream.close()
	frames := stream.collectUntilFinal(t)

	// One catch-up snapshot plus the full retained ring.
	require.Len(t, frames, bus.DefaultCapacity+1)
	first := frames[0]
	require.NotNil(t, first.status, "rotated replay should open with a snapshot, not task-created")
	assert.Equal(t, a2a.TaskStateCompleted, first.status.Status.State)
	assert.False(t, first.status.Final, "the catch-up frame must not close the stream")

	last := frames[len(frames)-1]
	require.NotNil(t, last.status)
	assert.True(t, last.status.Final)
}
