package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Spec holds the configuration needed to build a provider instance. Kind
// selects the registered factory; Model, BaseURL and Options are interpreted
// by it. Credentials never travel in a Spec: adapters read their own
// environment.
type Spec struct {
	ID      string
	Kind    string
	Model   string
	BaseURL string
	Options map[string]any
}

// Factory builds a provider from a spec.
type Factory func(spec Spec) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider kind available to New. Adapters register
// themselves in init, typically pulled in through a blank import:
//
//	import _ "example.com/myagent/providers/openai"
func RegisterFactory(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// Kinds lists the registered provider kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a provider through the factory registered for spec.Kind.
func New(spec Spec) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[spec.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown kind %q, registered kinds: %v", spec.Kind, Kinds())
	}
	return factory(spec)
}
