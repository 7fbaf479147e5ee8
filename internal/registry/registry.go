package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// Registry is the closed set of tools a plan may reference. Plans referencing
// unknown names fail at bind time, never mid-execution. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name(),
			Description: t.Contract().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterProvider bulk-registers tools under a prefixed namespace.
// Each tool name becomes "prefix.originalName" (e.g. "duckdb.query").
func (r *Registry) RegisterProvider(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range tools {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// prefixedTool wraps a provider tool with a prefixed name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string       { return p.name }
func (p *prefixedTool) Contract() Contract { return p.inner.Contract() }

func (p *prefixedTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	return p.inner.Invoke(ctx, inputs)
}
