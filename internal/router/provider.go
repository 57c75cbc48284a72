package router

import (
	"fmt"
	"sync"

	"github.com/af-corp/copilot-bridge/internal/router/adapters"
)

// Protocol names under which adapters are registered.
const (
	ProtocolChat      = "chat"
	ProtocolResponses = "responses"
)

// Registry holds the protocol adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.Adapter),
	}
}

func (r *Registry) Register(adapter adapters.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

func (r *Registry) Get(name string) (adapters.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// EndpointCatalog reports which models are served over the responses
// protocol.
type EndpointCatalog interface {
	SupportsResponses(id string) bool
}

// ResolveRoute picks the adapter for a model. Models whose catalog entry
// lists the responses endpoint use the responses protocol, matched on the id
// as sent or with its date suffix removed; everything else uses chat
// completions.
func ResolveRoute(catalog EndpointCatalog, registry *Registry, model string) (adapters.Adapter, error) {
	protocol := ProtocolChat
	if catalog != nil && (catalog.SupportsResponses(model) || catalog.SupportsResponses(adapters.NormalizeModel(model))) {
		protocol = ProtocolResponses
	}
	adapter, ok := registry.Get(protocol)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for protocol %s", protocol)
	}
	return adapter, nil
}
