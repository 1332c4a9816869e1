package factory

import (
	"sync"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/server"
)

// ToolConstructor builds a tool provider from a definition config block.
type ToolConstructor func(cfg map[string]interface{}) (server.ToolProvider, error)

// ResourceConstructor builds a resource provider.
type ResourceConstructor func(cfg map[string]interface{}) (server.ResourceProvider, error)

// PromptConstructor builds a prompt provider.
type PromptConstructor func(cfg map[string]interface{}) (server.PromptProvider, error)

// Registry maps provider type names to constructors. Each factory owns its
// registry; nothing here is process-global.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolConstructor
	resources map[string]ResourceConstructor
	prompts   map[string]PromptConstructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]ToolConstructor),
		resources: make(map[string]ResourceConstructor),
		prompts:   make(map[string]PromptConstructor),
	}
}

// RegisterToolProvider binds a type name to a tool provider constructor.
func (r *Registry) RegisterToolProvider(name string, ctor ToolConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = ctor
}

// RegisterResourceProvider binds a type name to a resource provider
// constructor.
func (r *Registry) RegisterResourceProvider(name string, ctor ResourceConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[name] = ctor
}

// RegisterPromptProvider binds a type name to a prompt provider constructor.
func (r *Registry) RegisterPromptProvider(name string, ctor PromptConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[name] = ctor
}

func (r *Registry) toolProvider(ref ProviderRef) (server.ToolProvider, error) {
	r.mu.RLock()
	ctor, ok := r.tools[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("no tool provider registered as %q", ref.Type)
	}
	return ctor(ref.Config)
}

func (r *Registry) resourceProvider(ref ProviderRef) (server.ResourceProvider, error) {
	r.mu.RLock()
	ctor, ok := r.resources[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("no resource provider registered as %q", ref.Type)
	}
	return ctor(ref.Config)
}

func (r *Registry) promptProvider(ref ProviderRef) (server.PromptProvider, error) {
	r.mu.RLock()
	ctor, ok := r.prompts[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("no prompt provider registered as %q", ref.Type)
	}
	return ctor(ref.Config)
}
