// Package tools defines the tools available to the planning agent and the
// registry the turn loop executes them through.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Handler runs a tool. args is the model's JSON argument object; the
// result is JSON recorded verbatim as the call's output.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Confirm gates the tool behind a user yes/no before it runs.
	Confirm bool    `json:"-"`
	Handler Handler `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.tools)
	slices.Sort(names)
	return names
}

// List returns all tools as OpenAI-style function definitions, sorted by
// name so the prompt is stable between calls.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.tools)
	slices.Sort(names)
	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// RequiresConfirmation reports whether calls to name must wait for a
// user decision. Unknown tools are never gated; they fail on execution.
func (r *Registry) RequiresConfirmation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tools[name]
	return t != nil && t.Confirm
}

// SetConfirmation gates exactly the named tools and ungates the rest.
// Names that are not registered are logged and ignored.
func (r *Registry) SetConfirmation(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gated := lo.SliceToMap(names, func(n string) (string, bool) { return n, true })
	for name, t := range r.tools {
		t.Confirm = gated[name]
	}
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			r.logger.Warn("confirmation configured for unknown tool", "tool", n)
		}
	}
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t := r.Get(name)
	if t == nil || t.Handler == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	elapsed := time.Since(start).Round(time.Millisecond)

	var ve *ValidationError
	if errors.As(err, &ve) && ve.Tool == "" {
		ve.Tool = name
	}
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "elapsed", elapsed, "error", err)
		return nil, err
	}
	r.logger.Debug("tool executed", "tool", name, "elapsed", elapsed, "bytes", len(out))
	return out, nil
}

type validator interface {
	Validate() error
}

// Typed adapts a function over Go types into a Handler. Arguments are
// decoded into In and, when In has a Validate method, validated; either
// failure is returned as a *ValidationError without calling fn. The
// result is marshaled to JSON.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, &ValidationError{Err: fmt.Errorf("decode arguments: %w", err)}
			}
		}
		if v, ok := any(&in).(validator); ok {
			if err := v.Validate(); err != nil {
				return nil, &ValidationError{Err: err}
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return data, nil
	}
}

// Schema helpers. Tool parameters are plain JSON Schema maps.

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func enum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func arrayOf(items map[string]any, description string) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}
