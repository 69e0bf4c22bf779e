package fakeshop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cgast/missionctl/pkg/tool"
)

// HandlerFunc serves one tool. It runs with the shop lock held.
type HandlerFunc func(ctx context.Context, b *Backend, req tool.Request) (any, error)

// Tool is a registered tool handler.
type Tool struct {
	Name        string
	Description string
	// Mutating tools require an idempotency key and replay cached responses.
	Mutating bool
	Handle   HandlerFunc
}

// Namespace returns the part of the name before the first dot.
func (t Tool) Namespace() string {
	ns, _, _ := strings.Cut(t.Name, ".")
	return ns
}

// Registry holds tool handlers keyed by full name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Returns an error if a tool with the same name is
// already registered.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Name == "" || t.Handle == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Resolve looks up a tool by its full name (e.g. "cart.create").
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return Tool{}, tool.Errorf(tool.CodeNotFound, "unknown tool: %s", name)
	}
	return t, nil
}

// List returns the tools in a namespace sorted by name. An empty namespace
// returns every tool.
func (r *Registry) List(namespace string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Tool
	for _, t := range r.tools {
		if namespace == "" || t.Namespace() == namespace {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Namespaces returns all unique namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range r.tools {
		seen[t.Namespace()] = true
	}
	result := make([]string, 0, len(seen))
	for ns := range seen {
		result = append(result, ns)
	}
	sort.Strings(result)
	return result
}
