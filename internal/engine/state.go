package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// Mode selects how aggressively tool calls auto-execute.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAutoAccept Mode = "auto-accept"
	ModePlan       Mode = "plan"
)

// Conversation owns the ordered message log. Only the engine appends;
// every append goes through Append, which enforces the
// assistant-must-have-content-or-calls invariant. Readers take
// snapshots.
type Conversation struct {
	mu       sync.RWMutex
	messages []llm.Message
	inFlight map[string]llm.ToolCall
}

// NewConversation creates a log seeded with an optional system prompt.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{inFlight: make(map[string]llm.ToolCall)}
	if systemPrompt != "" {
		c.messages = append(c.messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	return c
}

// Append adds one message to the log. An assistant message with neither
// content nor tool calls is an engine invariant violation and returns a
// fatal error; it is never appended.
func (c *Conversation) Append(msg llm.Message) error {
	if msg.Role == llm.RoleAssistant &&
		strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
		return NewTurnError(ErrKindFatal,
			fmt.Errorf("empty assistant message reached the log writer"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)

	switch msg.Role {
	case llm.RoleAssistant:
		for _, call := range msg.ToolCalls {
			c.inFlight[call.ID] = call
		}
	case llm.RoleTool:
		delete(c.inFlight, msg.ToolCallID)
	}
	return nil
}

// Snapshot returns a copy of the log. Safe for concurrent readers.
func (c *Conversation) Snapshot() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]llm.Message(nil), c.messages...)
}

// Len returns the current log length.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// PendingCalls returns tool calls awaiting a result.
func (c *Conversation) PendingCalls() []llm.ToolCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.ToolCall, 0, len(c.inFlight))
	for _, call := range c.inFlight {
		out = append(out, call)
	}
	return out
}

// Replace swaps the entire log, used by checkpoint restore and
// compaction. In-flight call tracking resets.
func (c *Conversation) Replace(messages []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]llm.Message(nil), messages...)
	c.inFlight = make(map[string]llm.ToolCall)
}
