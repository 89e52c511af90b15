package provider

import (
	"context"
	"fmt"
)

// mockChunkSize is how many runes of the reply each streamed delta carries.
const mockChunkSize = 24

// Mock is a Provider for local development and demos: every ChatStream call
// streams the configured reply in small chunks without any network traffic.
// Unlike Scripted it never runs out of turns.
type Mock struct {
	id    string
	reply string
}

// NewMock creates a mock provider answering every request with reply.
func NewMock(id, reply string) *Mock {
	return &Mock{id: id, reply: reply}
}

func init() {
	RegisterFactory("mock", func(spec Spec) (Provider, error) {
		id := spec.ID
		if id == "" {
			id = "mock"
		}
		reply := fmt.Sprintf("Mock response from %s", id)
		if spec.Model != "" {
			reply = fmt.Sprintf("Mock response from %s model %s", id, spec.Model)
		}
		if r, ok := spec.Options["reply"].(string); ok && r != "" {
			reply = r
		}
		return NewMock(id, reply), nil
	})
}

// ID returns the provider id.
func (m *Mock) ID() string { return m.id }

// ChatStream streams the canned reply and finishes with stop.
func (m *Mock) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		runes := []rune(m.reply)
		var content string
		for start := 0; start < len(runes); start += mockChunkSize {
			end := start + mockChunkSize
			if end > len(runes) {
				end = len(runes)
			}
			delta := string(runes[start:end])
			content += delta
			select {
			case out <- StreamChunk{Delta: delta, Content: content}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- StreamChunk{Content: content, FinishReason: FinishPtr(FinishStop)}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Close is a no-op.
func (m *Mock) Close() error { return nil }
