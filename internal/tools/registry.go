package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrInvalidTool   = errors.New("invalid tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// ExecuteFunc runs a tool with decoded JSON arguments and returns the text
// handed back to the model
type ExecuteFunc func(args map[string]interface{}) (string, error)

// Tool is one function the generation engines may call
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema of the arguments
	Execute     ExecuteFunc
}

// Registry holds the tools offered to the engines. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Tool)}
}

// NewBuiltinRegistry creates a registry holding get_current_time and get_weather
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(NewTimeTool(), NewWeatherTool()); err != nil {
		panic(err)
	}
	return r
}

// Register adds tools. Nothing is added if any of them is invalid or taken.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		switch {
		case tool == nil || tool.Name == "":
			return fmt.Errorf("%w: empty name", ErrInvalidTool)
		case tool.Execute == nil:
			return fmt.Errorf("%w: %s has no Execute function", ErrInvalidTool, tool.Name)
		case seen[tool.Name]:
			return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
		}
		if _, taken := r.byName[tool.Name]; taken {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
		}
		seen[tool.Name] = true
	}

	for _, tool := range tools {
		r.byName[tool.Name] = tool
	}
	return nil
}

// Get looks a tool up by name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	return tool, ok
}

// Tools returns every registered tool sorted by name
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.byName))
	for _, tool := range r.byName {
		out = append(out, tool)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List renders the tools in the OpenAI chat completions "tools" format
func (r *Registry) List() []map[string]interface{} {
	tools := r.Tools()
	out := make([]map[string]interface{}, len(tools))
	for i, tool := range tools {
		out[i] = map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		}
	}
	return out
}

// Execute runs the named tool
func (r *Registry) Execute(name string, args map[string]interface{}) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(args)
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
