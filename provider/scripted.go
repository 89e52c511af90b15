package provider

import (
	"context"
	"fmt"
	"sync"
)

// Turn scripts the provider's behavior for one ChatStream call. If Err is set
// the call itself fails; otherwise Chunks are emitted in order and the channel
// closes.
type Turn struct {
	Chunks []StreamChunk
	Err    error
}

// TextTurn scripts a plain text response: one delta per fragment, then a
// stop finish.
func TextTurn(fragments ...string) Turn {
	var chunks []StreamChunk
	var content string
	for _, f := range fragments {
		content += f
		chunks = append(chunks, StreamChunk{Delta: f, Content: content})
	}
	chunks = append(chunks, StreamChunk{Content: content, FinishReason: FinishPtr(FinishStop)})
	return Turn{Chunks: chunks}
}

// ToolCallTurn scripts a response that requests a single tool call.
func ToolCallTurn(callID, name, args string) Turn {
	return Turn{Chunks: []StreamChunk{
		{
			ToolCalls:    []ToolCall{{ID: callID, Name: name, Args: []byte(args)}},
			FinishReason: FinishPtr(FinishToolCalls),
		},
	}}
}

// ErrTurn scripts a ChatStream call that fails outright.
func ErrTurn(err error) Turn {
	return Turn{Err: err}
}

// Scripted is a Provider for tests and development. Each ChatStream call
// consumes the next scripted turn; requests are recorded for assertions.
// It never makes network calls.
type Scripted struct {
	id string

	mu       sync.Mutex
	turns    []Turn
	calls    int
	requests []ChatRequest
}

// NewScripted creates a scripted provider that plays turns in order.
func NewScripted(id string, turns ...Turn) *Scripted {
	return &Scripted{id: id, turns: turns}
}

// ID returns the provider id.
func (s *Scripted) ID() string { return s.id }

// Append adds more turns to the script.
func (s *Scripted) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// ChatStream plays the next scripted turn. Exhausting the script is an error;
// a test that triggers more model calls than it scripted is broken.
func (s *Scripted) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.calls >= len(s.turns) {
		calls := s.calls
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted provider %s: no turn for call %d", s.id, calls+1)
	}
	turn := s.turns[s.calls]
	s.calls++
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range turn.Chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op.
func (s *Scripted) Close() error { return nil }

// Calls reports how many ChatStream calls were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request, or false if none were made.
func (s *Scripted) LastRequest() (ChatRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return ChatRequest{}, false
	}
	return s.requests[len(s.requests)-1], true
}
