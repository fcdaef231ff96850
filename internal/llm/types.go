package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the provider-agnostic chat message passed around the engine.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name is the tool name for tool messages.
	Name string `json:"name,omitempty"`
	// ToolCallID links a tool message back to the call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls stores the calls made by an assistant message. Providers
	// require these when the history is converted back to wire format.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Validate checks basic message well-formedness.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must carry a tool_call_id")
	}
	if m.Role == RoleAssistant && strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
		return fmt.Errorf("assistant messages must have content or tool calls")
	}
	return nil
}

// ToolCall represents a function/tool the assistant requested.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
	// RawArgs holds the string-encoded argument form when the provider
	// delivered arguments as text. Parsed lazily via ParsedArgs.
	RawArgs string `json:"-"`
}

// ParsedArgs returns the structured arguments, decoding RawArgs on demand.
func (c ToolCall) ParsedArgs() (map[string]any, error) {
	if c.Args != nil {
		return c.Args, nil
	}
	if strings.TrimSpace(c.RawArgs) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(c.RawArgs), &args); err != nil {
		return nil, fmt.Errorf("tool %s: malformed arguments: %w", c.Name, err)
	}
	return args, nil
}

// CanonicalKey returns a stable (name, arguments) identity for a call.
// Two calls with the same key are functionally identical.
func (c ToolCall) CanonicalKey() string {
	args, err := c.ParsedArgs()
	if err != nil {
		return c.Name + "\x00" + c.RawArgs
	}
	return c.Name + "\x00" + canonicalJSON(args)
}

// canonicalJSON renders a value with object keys sorted so that
// semantically equal argument sets compare equal as strings.
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ErrorMarker prefixes tool-result content that reports a failure. The
// model recognizes the marker and can self-correct.
const ErrorMarker = "Error: "

// Message converts the result into a tool-role message for the log.
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		Name:       r.Name,
		ToolCallID: r.ToolCallID,
		Content:    r.Content,
	}
}

// ErrorResult builds a ToolResult carrying an error marker.
func ErrorResult(callID, name, msg string) ToolResult {
	return ToolResult{
		ToolCallID: callID,
		Name:       name,
		Content:    ErrorMarker + msg,
		IsError:    true,
	}
}

// ToolSchema describes one tool for provider advertisement.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}
