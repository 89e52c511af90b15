package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StaticInvoker serves canned results keyed by tool name. It backs tools in
// mock mode and tests; descriptors loaded with a Mock payload can be seeded
// via FromDescriptors.
type StaticInvoker struct {
	mu        sync.RWMutex
	responses map[string]json.RawMessage
}

// NewStaticInvoker creates an empty static invoker.
func NewStaticInvoker() *StaticInvoker {
	return &StaticInvoker{responses: make(map[string]json.RawMessage)}
}

// FromDescriptors seeds a static invoker with every descriptor's Mock
// payload.
func FromDescriptors(descs []*Descriptor) *StaticInvoker {
	inv := NewStaticInvoker()
	for _, desc := range descs {
		if len(desc.Mock) > 0 {
			inv.SetResponse(desc.Name, desc.Mock)
		}
	}
	return inv
}

// SetResponse registers the canned result for name.
func (s *StaticInvoker) SetResponse(name string, result json.RawMessage) {
	s.mu.Lock()
	s.responses[name] = result
	s.mu.Unlock()
}

// Invoke returns the canned result for name.
func (s *StaticInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.RLock()
	result, ok := s.responses[name]
	s.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("static invoker: no response for %s", name)
	}
	return Result{Name: name, Content: result}, nil
}
