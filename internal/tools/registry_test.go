package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDefinition(name string) *Definition {
	return &Definition{
		Name:        name,
		Description: "test tool",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(true)
	require.NoError(t, r.Register(newTestDefinition("read_file")))

	def, ok := r.Get("read_file")
	require.True(t, ok)
	assert.Equal(t, "read_file", def.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(true)
	require.NoError(t, r.Register(newTestDefinition("read_file")))
	assert.Error(t, r.Register(newTestDefinition("read_file")))
}

func TestRegisterRejectsUnnamed(t *testing.T) {
	r := NewRegistry(true)
	assert.Error(t, r.Register(&Definition{}))
	assert.Error(t, r.Register(nil))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(true)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(newTestDefinition(name)))
	}

	schemas := r.List()
	require.Len(t, schemas, 3)
	assert.Equal(t, "zeta", schemas[0].Name)
	assert.Equal(t, "alpha", schemas[1].Name)
	assert.Equal(t, "mid", schemas[2].Name)
}

func TestValidateArgs(t *testing.T) {
	def := newTestDefinition("read_file")

	assert.NoError(t, def.ValidateArgs(map[string]any{"path": "a.go"}))

	err := def.ValidateArgs(map[string]any{})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "read_file", verr.ToolName)
	assert.NotEmpty(t, verr.Errors)

	assert.Error(t, def.ValidateArgs(map[string]any{"path": 42}))
}

func TestValidateArgsEmptySchemaAcceptsAnything(t *testing.T) {
	def := &Definition{Name: "noop"}
	assert.NoError(t, def.ValidateArgs(map[string]any{"whatever": true}))
}

func TestResolveApproval(t *testing.T) {
	r := NewRegistry(true)

	// nil policy falls back to the registry default
	def := newTestDefinition("defaulted")
	assert.True(t, r.ResolveApproval(def, nil))

	auto := NewRegistry(false)
	assert.False(t, auto.ResolveApproval(def, nil))

	// explicit policy wins over the default
	def.NeedsApproval = AutoExecute()
	assert.False(t, r.ResolveApproval(def, nil))
	def.NeedsApproval = ApprovalRequired()
	assert.True(t, auto.ResolveApproval(def, nil))
}

func TestResolveApprovalPredicate(t *testing.T) {
	r := NewRegistry(false)
	def := newTestDefinition("conditional")
	def.ApprovalFunc = func(args map[string]any) bool {
		return args["dangerous"] == true
	}

	assert.False(t, r.ResolveApproval(def, map[string]any{"dangerous": false}))
	assert.True(t, r.ResolveApproval(def, map[string]any{"dangerous": true}))
}

func TestResolveApprovalPanickingPredicateRequiresApproval(t *testing.T) {
	r := NewRegistry(false)
	def := newTestDefinition("panics")
	def.ApprovalFunc = func(args map[string]any) bool {
		panic("broken predicate")
	}

	assert.True(t, r.ResolveApproval(def, nil))
}

func TestResolveApprovalNilDefinition(t *testing.T) {
	r := NewRegistry(false)
	assert.True(t, r.ResolveApproval(nil, nil))
}
