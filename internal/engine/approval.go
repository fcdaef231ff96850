package engine

import (
	"context"
	"sync"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

// ShellToolName is the shell-execution tool. It requires approval in
// every mode, including auto-accept.
const ShellToolName = "execute_bash"

// Decision is a per-call user verdict.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionApproved
	DecisionApprovedForSession
	DecisionRejected
)

// Prompter collects an approval decision from the user. Confirm blocks
// until the user answers or ctx is cancelled; cancellation is treated as
// rejection by the caller.
type Prompter interface {
	Confirm(ctx context.Context, call llm.ToolCall, preview *tools.FilePreview) (Decision, error)
}

// gate partitions validated tool calls into auto-execute and
// confirm-required per the approval policy. Session approvals are
// registry-scoped and never persisted to checkpoints.
type gate struct {
	registry *tools.Registry

	mu              sync.Mutex
	sessionApproved map[string]bool
}

func newGate(registry *tools.Registry) *gate {
	return &gate{
		registry:        registry,
		sessionApproved: make(map[string]bool),
	}
}

func (g *gate) approveForSession(toolName string) {
	g.mu.Lock()
	g.sessionApproved[toolName] = true
	g.mu.Unlock()
}

func (g *gate) isSessionApproved(toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionApproved[toolName]
}

// partition splits calls into direct-execute and confirm-required.
// Calls with invalid arguments route to direct execution so the model
// receives the validator's feedback immediately.
func (g *gate) partition(calls []llm.ToolCall, mode Mode) (direct, confirm []llm.ToolCall) {
	for _, call := range calls {
		if g.requiresConfirmation(call, mode) {
			confirm = append(confirm, call)
		} else {
			direct = append(direct, call)
		}
	}
	return direct, confirm
}

func (g *gate) requiresConfirmation(call llm.ToolCall, mode Mode) bool {
	def, ok := g.registry.Get(call.Name)
	if !ok {
		// Unknown names are filtered out before the gate; treat a stray
		// one as direct so it synthesizes its error result.
		return false
	}

	args, err := call.ParsedArgs()
	if err != nil {
		return false
	}
	if def.Validator != nil && def.Validator(args) != nil {
		return false
	}
	if def.ValidateArgs(args) != nil {
		return false
	}

	if !g.registry.ResolveApproval(def, args) {
		return false
	}

	// The shell tool never rides on blanket approvals.
	if call.Name == ShellToolName {
		return true
	}
	// Plan mode confirms everything; session approvals do not carry over.
	if mode == ModePlan {
		return true
	}
	if g.isSessionApproved(call.Name) {
		return false
	}
	if mode == ModeAutoAccept {
		return false
	}
	return true
}
