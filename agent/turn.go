package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

// Failure reasons recorded on a failed turn's status metadata.
const (
	ReasonTimeout   = "timeout"
	ReasonStepLimit = "step_limit_exceeded"
	ReasonProvider  = "provider_error"
	ReasonInternal  = "internal"
)

// turn is the mutable state of one model conversation round-trip.
type turn struct {
	svc      *Service
	task     *a2a.Task
	req      provider.ChatRequest
	children []string // dispatched child task ids, in dispatch order
}

// Run drives one AI turn for task t until a terminal state. All failures are
// converted into a failed final event on the task stream; Run never returns
// an error to its caller. Cancellation is silent: whoever canceled the task
// already published the canceled final.
func (s *Service) Run(ctx context.Context, t *a2a.Task) {
	s.mu.RLock()
	prompt := s.prompt
	params := s.params
	s.mu.RUnlock()

	history, err := s.contexts.History(t.ContextID)
	if err != nil {
		s.fail(t, nil, fmt.Sprintf("load context history: %v", err), ReasonInternal)
		return
	}

	tn := &turn{
		svc:  s,
		task: t,
		req: provider.ChatRequest{
			System:   prompt,
			Messages: toProviderMessages(history),
			Tools:    s.toolset(),
			Params:   params,
		},
	}

	started := time.Now()
	tn.run(ctx)
	metrics.RecordTurn(time.Since(started).Seconds())
}

func (tn *turn) run(ctx context.Context) {
	s := tn.svc
	t := tn.task

	working := a2a.NewStatusUpdateEvent(t.ID, t.ContextID, a2a.TaskStateWorking, nil)
	if _, err := s.bus.Publish(ctx, bus.StatusRecord(working)); err != nil {
		// Canceled before the turn began; nothing left to do.
		return
	}

	rounds := 0
	for {
		content, calls, err := tn.streamOnce(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			s.fail(t, tn.children, "model request exceeded the request timeout", ReasonTimeout)
			return
		case errors.Is(err, errTurnSuperseded):
			return
		default:
			logger.LLMError(s.provider.ID(), err, "task_id", t.ID)
			s.fail(t, tn.children, fmt.Sprintf("model stream failed: %v", err), ReasonProvider)
			return
		}

		if len(calls) == 0 {
			s.complete(t, tn.children, content)
			return
		}

		rounds++
		if rounds > s.maxSteps {
			s.fail(t, tn.children, fmt.Sprintf("turn exceeded %d tool-call rounds", s.maxSteps), ReasonStepLimit)
			return
		}

		tn.req.Messages = append(tn.req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
		})

		fed := 0
		for _, call := range calls {
			if tools.IsWorkflowTool(call.Name) {
				if tn.dispatch(ctx, call) {
					fed++
				}
				continue
			}
			tn.req.Messages = append(tn.req.Messages, tn.invoke(ctx, call))
			fed++
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					s.fail(t, tn.children, "model request exceeded the request timeout", ReasonTimeout)
				}
				return
			}
		}

		// A round of nothing but workflow dispatches gives the model no
		// results to react to; the turn is complete.
		if fed == 0 {
			s.complete(t, tn.children, content)
			return
		}
	}
}

// errTurnSuperseded signals that the task reached a terminal state out from
// under the turn, typically via tasks/cancel.
var errTurnSuperseded = errors.New("agent: task finalized during turn")

// streamOnce opens one model stream and consumes it to completion, publishing
// text deltas as they arrive. It returns the accumulated text and any tool
// calls the model requested.
func (tn *turn) streamOnce(ctx context.Context) (string, []provider.ToolCall, error) {
	s := tn.svc
	t := tn.task

	started := time.Now()
	status := "error"
	defer func() {
		metrics.RecordProviderRequest(s.provider.ID(), status, time.Since(started).Seconds())
	}()

	ch, err := tn.openStream(ctx)
	if err != nil {
		return "", nil, err
	}

	var (
		content   string
		calls     []provider.ToolCall
		streamErr error
	)
	for chunk := range ch {
		if streamErr != nil {
			continue // drain after failure
		}
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		if chunk.Delta != "" {
			evt := a2a.NewTextDeltaEvent(t.ID, t.ContextID, chunk.Delta)
			if _, err := s.bus.Publish(ctx, bus.DeltaRecord(evt)); err != nil {
				streamErr = errTurnSuperseded
				continue
			}
		}
		if chunk.Content != "" {
			content = chunk.Content
		}
		if len(chunk.ToolCalls) > 0 {
			calls = append(calls, chunk.ToolCalls...)
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(streamErr, errTurnSuperseded) {
		return "", nil, err
	}
	if streamErr != nil {
		return "", nil, streamErr
	}
	status = "ok"
	return content, calls, nil
}

// openStream starts a model stream. Only this opening call is retried; once
// chunks flow the request has side effects and a mid-stream failure fails
// the turn.
func (tn *turn) openStream(ctx context.Context) (<-chan provider.StreamChunk, error) {
	s := tn.svc
	logger.LLMCall(s.provider.ID(), len(tn.req.Messages), len(tn.req.Tools), "task_id", tn.task.ID)

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}
		ch, err := s.provider.ChatStream(ctx, tn.req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.LLMError(s.provider.ID(), err, "task_id", tn.task.ID, "attempt", attempt+1)
	}
	return nil, lastErr
}

// dispatch handles a workflow pseudo-tool call: start the child task and
// surface its id on the parent's stream. The model gets no tool result for a
// successful dispatch; the child runs on its own task. A failed dispatch is
// fed back as an error result so the model can react, and dispatch reports
// true so the round reopens the stream.
func (tn *turn) dispatch(ctx context.Context, call provider.ToolCall) bool {
	s := tn.svc
	t := tn.task
	call.Args = repairArgs(call.Args)

	plugin, ok := s.runtime.PluginForTool(call.Name)
	if !ok {
		detail := fmt.Sprintf("%v: %s", workflow.ErrPluginNotFound, call.Name)
		tn.req.Messages = append(tn.req.Messages, toolErrorMessage(call, detail))
		return true
	}

	child, err := s.runtime.Dispatch(ctx, workflow.DispatchRequest{
		PluginID:     plugin.ID,
		ContextID:    t.ContextID,
		Parameters:   call.Args,
		ParentTaskID: t.ID,
	})
	if err != nil {
		logger.WorkflowEvent("dispatch_failed", t.ID, plugin.ID, "error", err)
		tn.req.Messages = append(tn.req.Messages, toolErrorMessage(call, err.Error()))
		return true
	}

	if err := s.contexts.RecordTask(t.ContextID, child.ID); err != nil {
		logger.Debug("record child task", "context_id", t.ContextID, "error", err)
	}
	tn.children = append(tn.children, child.ID)
	logger.WorkflowEvent("dispatched", child.ID, plugin.ID, "parent_task_id", t.ID)

	msg := &a2a.Message{
		MessageID:        uuid.NewString(),
		ContextID:        t.ContextID,
		TaskID:           t.ID,
		Role:             a2a.RoleAgent,
		Parts:            []a2a.Part{},
		ReferenceTaskIDs: append([]string(nil), tn.children...),
	}
	evt := a2a.NewStatusUpdateEvent(t.ID, t.ContextID, a2a.TaskStateWorking, msg)
	if _, err := s.bus.Publish(ctx, bus.StatusRecord(evt)); err != nil {
		logger.Debug("publish dispatch notice", "task_id", t.ID, "error", err)
	}
	return false
}

// invoke runs one external tool call and packages the outcome as a tool
// message for the next model round. Failures are fed back, never fatal.
func (tn *turn) invoke(ctx context.Context, call provider.ToolCall) provider.Message {
	logger.ToolCall(call.Name, "task_id", tn.task.ID)
	started := time.Now()
	call.Args = repairArgs(call.Args)

	result, err := tn.svc.registry.Invoke(ctx, call.Name, call.Args)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		logger.ToolResponse(call.Name, true, "error", err)
		metrics.RecordToolCall(call.Name, "error", time.Since(started).Seconds())
		msg := toolErrorMessage(call, err.Error())
		msg.ToolResult.LatencyMs = latency
		return msg
	}

	status := "ok"
	if result.Error != "" {
		status = "error"
	}
	logger.ToolResponse(call.Name, result.Error != "", "latency_ms", latency)
	metrics.RecordToolCall(call.Name, status, time.Since(started).Seconds())
	return provider.Message{
		Role: provider.RoleTool,
		ToolResult: &provider.ToolResult{
			ID:        call.ID,
			Name:      call.Name,
			Content:   string(result.Content),
			Error:     result.Error,
			LatencyMs: latency,
		},
	}
}

func toolErrorMessage(call provider.ToolCall, detail string) provider.Message {
	return provider.Message{
		Role: provider.RoleTool,
		ToolResult: &provider.ToolResult{
			ID:    call.ID,
			Name:  call.Name,
			Error: detail,
		},
	}
}

// complete records the assistant's reply in the context history and then
// publishes the completed final event. History goes first so a client that
// reacts to the final event immediately sees the full conversation.
func (s *Service) complete(t *a2a.Task, children []string, text string) {
	var msg *a2a.Message
	if text != "" || len(children) > 0 {
		msg = &a2a.Message{
			MessageID:        uuid.NewString(),
			ContextID:        t.ContextID,
			TaskID:           t.ID,
			Role:             a2a.RoleAgent,
			Parts:            []a2a.Part{},
			ReferenceTaskIDs: children,
		}
		if text != "" {
			msg.Parts = append(msg.Parts, a2a.TextPart(text))
		}
	}

	if msg != nil && text != "" {
		if err := s.contexts.AppendMessage(t.ContextID, *msg); err != nil {
			logger.Debug("append assistant message", "context_id", t.ContextID, "error", err)
		}
	}
	evt := a2a.NewStatusUpdateEvent(t.ID, t.ContextID, a2a.TaskStateCompleted, msg)
	if _, err := s.bus.Publish(context.Background(), bus.StatusRecord(evt)); err != nil {
		logger.Debug("publish turn completion", "task_id", t.ID, "error", err)
	}
}

// fail publishes a failed final event. The terminal publish uses a fresh
// context so a turn killed by its deadline still reports the failure.
func (s *Service) fail(t *a2a.Task, children []string, detail, reason string) {
	msg := &a2a.Message{
		MessageID:        uuid.NewString(),
		ContextID:        t.ContextID,
		TaskID:           t.ID,
		Role:             a2a.RoleAgent,
		Parts:            []a2a.Part{a2a.TextPart(detail)},
		ReferenceTaskIDs: children,
	}
	evt := a2a.NewStatusUpdateEvent(t.ID, t.ContextID, a2a.TaskStateFailed, msg)
	evt.Metadata = map[string]any{"error": detail, "reason": reason}
	if _, err := s.bus.Publish(context.Background(), bus.StatusRecord(evt)); err != nil {
		logger.Debug("publish turn failure", "task_id", t.ID, "error", err)
	}
}

// toProviderMessages projects protocol messages onto the model conversation.
// Data parts are folded into the text so structured resume inputs stay
// visible to the model.
func toProviderMessages(history []a2a.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history))
	for _, m := range history {
		role := provider.RoleUser
		if m.Role == a2a.RoleAgent {
			role = provider.RoleAssistant
		}
		content := m.Text()
		if content == "" {
			for _, p := range m.Parts {
				if p.Data != nil {
					if raw, err := json.Marshal(p.Data); err == nil {
						content = string(raw)
					}
					break
				}
			}
		}
		msgs = append(msgs, provider.Message{Role: role, Content: content})
	}
	return msgs
}
