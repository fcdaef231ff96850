package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/nanocoder-ai/nanocoder/internal/bridge"
	"github.com/nanocoder-ai/nanocoder/internal/compact"
	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/tokenizer"
	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

// EditorBridge is the slice of the bridge the engine drives. A nil
// bridge degrades silently; the engine's own approval path governs.
type EditorBridge interface {
	Connected() bool
	AdvertiseFileChange(fc bridge.FileChange) (<-chan bridge.Decision, bool)
	CloseDiff(id string)
	NotifyToolCall(id, name string, args map[string]any, status string)
	NotifyAssistant(content string, generating bool)
}

// Config holds the engine's behavioral knobs.
type Config struct {
	SystemPrompt           string
	Mode                   Mode
	NonInteractive         bool
	ContextWarnPercent     int
	ContextCriticalPercent int
	// MaxTurnIterations caps the stream→tools→stream loop within one
	// user turn so pathological model behavior cannot spin forever.
	MaxTurnIterations int

	CompactionMode       compact.Mode // empty = off
	CompactionKeepRecent int
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeNormal
	}
	if c.ContextWarnPercent == 0 {
		c.ContextWarnPercent = 70
	}
	if c.ContextCriticalPercent == 0 {
		c.ContextCriticalPercent = 90
	}
	if c.MaxTurnIterations == 0 {
		c.MaxTurnIterations = 10
	}
	if c.CompactionKeepRecent == 0 {
		c.CompactionKeepRecent = 2
	}
}

// Engine orchestrates conversation turns. It exclusively owns the
// message log and the per-turn cancellation token; the registry is
// shared read-only and the bridge owns its own state.
type Engine struct {
	cfg      Config
	registry *tools.Registry
	client   llm.Client
	bridge   EditorBridge
	prompter Prompter
	gate     *gate
	conv     *Conversation
	events   chan Event

	mu         sync.Mutex
	turnCancel context.CancelFunc
	advertised []string
	busy       bool
	callSeq    int
}

// New creates an engine. bridge and prompter may be nil.
func New(cfg Config, registry *tools.Registry, client llm.Client, br EditorBridge, prompter Prompter) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		registry: registry,
		client:   client,
		bridge:   br,
		prompter: prompter,
		gate:     newGate(registry),
		conv:     NewConversation(cfg.SystemPrompt),
		events:   make(chan Event, 256),
	}
}

// Events returns the engine's typed output stream.
func (e *Engine) Events() <-chan Event { return e.events }

// History returns a snapshot of the message log.
func (e *Engine) History() []llm.Message { return e.conv.Snapshot() }

// ReplaceHistory swaps the entire log, e.g. after a checkpoint restore.
func (e *Engine) ReplaceHistory(messages []llm.Message) {
	e.conv.Replace(messages)
}

// Clear resets the conversation to just the system prompt. Session
// approvals survive; they are scoped to the process, not the log.
func (e *Engine) Clear() {
	var seed []llm.Message
	if e.cfg.SystemPrompt != "" {
		seed = []llm.Message{{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt}}
	}
	e.conv.Replace(seed)
}

// SetMode switches the approval mode for subsequent turns.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	e.cfg.Mode = mode
	e.mu.Unlock()
}

// Mode returns the current approval mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Mode
}

// Cancel trips the current turn's cancellation token. All in-flight
// work — the LLM stream, approval prompts, tool handlers — observes the
// same signal.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.turnCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Submit runs one user turn to completion. It appends the user message,
// streams the model, parses and executes tool calls, and recurses on
// tool results until the model produces a final answer, the iteration
// cap trips, or the turn is cancelled or aborted.
func (e *Engine) Submit(ctx context.Context, input string) error {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return fmt.Errorf("a turn is already in progress")
	}
	e.busy = true
	turnCtx, cancel := context.WithCancel(ctx)
	e.turnCancel = cancel
	e.advertised = nil
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.turnCancel = nil
		e.busy = false
		e.mu.Unlock()
	}()

	e.maybeCompact()

	if err := e.conv.Append(llm.Message{Role: llm.RoleUser, Content: input}); err != nil {
		return err
	}
	e.emitText(EventUser, input)

	err := e.runTurn(turnCtx)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		// Recoverable failures were already surfaced on the event
		// stream; the conversation survives for the next input.
		return err
	}

	e.checkContextPressure()
	e.emit(Event{Kind: EventDone})
	return nil
}

// maybeCompact reduces history under the configured compaction mode.
func (e *Engine) maybeCompact() {
	if e.cfg.CompactionMode == "" {
		return
	}
	before := e.conv.Snapshot()
	after, stats := compact.Compact(before, compact.Options{
		Mode:       e.cfg.CompactionMode,
		KeepRecent: e.cfg.CompactionKeepRecent,
	})
	if stats.ToolResultsCompacted > 0 || stats.BodiesTruncated > 0 {
		e.conv.Replace(after)
		e.emitText(EventInfo, fmt.Sprintf(
			"Compacted history: %d→%d messages, %d tool results summarized.",
			stats.MessagesBefore, stats.MessagesAfter, stats.ToolResultsCompacted))
	}
}

// checkContextPressure estimates token usage across the log and warns
// once per completed user turn. The counter is released on every exit
// path.
func (e *Engine) checkContextPressure() {
	model := e.client.CurrentModel()
	limit := e.client.ContextLimit()
	if limit <= 0 {
		limit = tokenizer.ModelLimit(model)
	}
	if limit <= 0 {
		return
	}

	counter, err := tokenizer.New(model)
	if err != nil {
		return
	}
	defer counter.Release()

	used := counter.CountAll(e.conv.Snapshot())
	percent := used * 100 / limit
	switch {
	case percent >= e.cfg.ContextCriticalPercent:
		e.emitText(EventWarning, fmt.Sprintf(
			"Context %d%% full (%d of %d tokens). Run /clear to start fresh before quality degrades.",
			percent, used, limit))
	case percent >= e.cfg.ContextWarnPercent:
		e.emitText(EventWarning, fmt.Sprintf(
			"Context %d%% full (%d of %d tokens).", percent, used, limit))
	}
}

// nextCallID synthesizes a deterministic id for calls parsed without
// one.
func (e *Engine) nextCallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callSeq++
	return fmt.Sprintf("call_%d", e.callSeq)
}
