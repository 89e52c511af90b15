// Package agent routes inbound messages and drives AI turns. The Executor
// classifies each message as a workflow resume or a new turn; the Service
// runs one turn against the model provider, forwarding text deltas and
// intercepting workflow dispatch pseudo-tools along the way.
package agent

import (
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/provider"
	"github.com/uratmangun/arbitrum-vibekit-sub002/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

const (
	// DefaultMaxSteps bounds tool-call rounds within one turn.
	DefaultMaxSteps = 20

	// defaultProviderRetries bounds retries of the opening provider call.
	defaultProviderRetries = 2

	// defaultRetryDelay is the base backoff between provider retries.
	defaultRetryDelay = 200 * time.Millisecond
)

// Service drives AI turns. The system prompt and sampling parameters are
// hot-reloadable; a turn reads both once at its start, so a reload never
// changes a turn already in flight.
type Service struct {
	provider provider.Provider
	registry *tools.Registry
	runtime  *workflow.Runtime
	bus      *bus.Bus
	contexts *contexts.Manager

	maxSteps   int
	retries    int
	retryDelay time.Duration

	mu     sync.RWMutex
	prompt string
	params provider.Params
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSystemPrompt sets the initial system prompt.
func WithSystemPrompt(prompt string) ServiceOption {
	return func(s *Service) { s.prompt = prompt }
}

// WithParams sets the initial sampling parameters.
func WithParams(params provider.Params) ServiceOption {
	return func(s *Service) { s.params = params }
}

// WithMaxSteps overrides the tool-call round limit.
func WithMaxSteps(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// WithProviderRetries overrides how often the opening provider call is
// retried before the turn fails.
func WithProviderRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// NewService wires a Service to its collaborators.
func NewService(p provider.Provider, registry *tools.Registry, runtime *workflow.Runtime, b *bus.Bus, ctxs *contexts.Manager, opts ...ServiceOption) *Service {
	s := &Service{
		provider:   p,
		registry:   registry,
		runtime:    runtime,
		bus:        b,
		contexts:   ctxs,
		maxSteps:   DefaultMaxSteps,
		retries:    defaultProviderRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPrompt replaces the system prompt for future turns.
func (s *Service) SetPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
}

// Prompt returns the current system prompt.
func (s *Service) Prompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

// SetParams replaces the sampling parameters for future turns.
func (s *Service) SetParams(params provider.Params) {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
}

// Params returns the current sampling parameters.
func (s *Service) Params() provider.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// toolset is the tool catalog advertised to the model: every registered
// external tool plus one dispatch pseudo-tool per workflow plugin.
func (s *Service) toolset() []provider.ToolDef {
	descs := s.registry.Descriptors()
	defs := make([]provider.ToolDef, 0, len(descs))
	for _, desc := range descs {
		defs = append(defs, provider.ToolDef{
			Name:         desc.Name,
			Description:  desc.Description,
			InputSchema:  desc.InputSchema,
			OutputSchema: desc.OutputSchema,
		})
	}
	return append(defs, s.runtime.PseudoTools()...)
}
