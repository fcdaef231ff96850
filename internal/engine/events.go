package engine

import "github.com/nanocoder-ai/nanocoder/internal/llm"

// EventKind discriminates entries on the engine's output stream.
type EventKind string

const (
	EventUser           EventKind = "user"
	EventAssistantDelta EventKind = "assistant_delta"
	EventAssistant      EventKind = "assistant"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventInfo           EventKind = "info"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
	EventNudge          EventKind = "nudge"
	EventInterrupted    EventKind = "interrupted"
	EventDone           EventKind = "done"
)

// Event is one entry on the engine's typed output stream. The UI
// adapter subscribes to render a transcript; the engine itself never
// touches a terminal.
type Event struct {
	Kind   EventKind
	Text   string
	Call   *llm.ToolCall
	Result *llm.ToolResult
	Err    error
}

// emit posts an event without blocking the turn loop. A consumer that
// falls behind misses events; the message log remains authoritative.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) emitText(kind EventKind, text string) {
	e.emit(Event{Kind: kind, Text: text})
}
