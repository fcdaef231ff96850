// Package tools holds the registry of callable tool definitions the
// engine advertises to the model. The registry resolves names and
// approval policies; it never executes anything itself.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// Handler executes a tool call and returns its textual result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Validator checks parsed arguments beyond schema validation. A non-nil
// error routes the call to direct execution so the model sees the
// validator's feedback immediately.
type Validator func(args map[string]any) error

// Formatter optionally rewrites a raw result for display.
type Formatter func(result string) string

// FilePreview describes the file mutation a call would perform, used to
// advertise a diff to the editor before execution.
type FilePreview struct {
	Path            string
	OriginalContent string
	NewContent      string
}

// PreviewFunc computes the file change a call would make without
// performing it.
type PreviewFunc func(ctx context.Context, args map[string]any) (*FilePreview, error)

// Definition describes one callable tool.
type Definition struct {
	Name        string
	Description string
	SchemaJSON  string
	Handler     Handler

	// NeedsApproval is the constant approval policy. nil means "use the
	// registry default". ApprovalFunc, when set, takes precedence and is
	// evaluated per call against the parsed arguments.
	NeedsApproval *bool
	ApprovalFunc  func(args map[string]any) bool

	Validator Validator
	Formatter Formatter

	// Preview is set on file-modifying tools so the engine can show a
	// diff in the editor before execution.
	Preview PreviewFunc
}

// Approval policy literals for definition structs.
func ApprovalRequired() *bool { b := true; return &b }
func AutoExecute() *bool      { b := false; return &b }

// ValidateArgs validates args against the tool's JSON schema.
func (d *Definition) ValidateArgs(args map[string]any) error {
	if strings.TrimSpace(d.SchemaJSON) == "" {
		return nil
	}
	schemaLoader := gojsonschema.NewStringLoader(d.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{ToolName: d.Name, Errors: msgs}
	}
	return nil
}

// ValidationError indicates that tool arguments failed validation.
type ValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// Registry maps tool names to definitions. Registration happens during
// startup; afterwards the registry is read-only and safe to share.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string

	// defaultApproval applies to definitions with a nil policy.
	// Approval required is the safe default.
	defaultApproval bool
}

// NewRegistry creates an empty registry. defaultApprovalRequired governs
// tools registered without an explicit policy.
func NewRegistry(defaultApprovalRequired bool) *Registry {
	return &Registry{
		defs:            make(map[string]*Definition),
		defaultApproval: defaultApprovalRequired,
	}
}

// Register adds a definition. Duplicate names are a configuration error.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool definition requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get resolves a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns tool schemas for LLM advertisement in registration order.
// The order carries no meaning but stays stable within a process so
// providers can cache the catalog.
func (r *Registry) List() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		d := r.defs[name]
		out = append(out, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			JSONSchema:  d.SchemaJSON,
		})
	}
	return out
}

// ResolveApproval evaluates the approval policy for a call. A panicking
// predicate resolves to "approval required".
func (r *Registry) ResolveApproval(def *Definition, args map[string]any) (needs bool) {
	if def == nil {
		return true
	}
	if def.ApprovalFunc != nil {
		defer func() {
			if recover() != nil {
				needs = true
			}
		}()
		return def.ApprovalFunc(args)
	}
	if def.NeedsApproval != nil {
		return *def.NeedsApproval
	}
	return r.defaultApproval
}
