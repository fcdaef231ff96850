package llm

import (
	"context"
	"errors"
	"fmt"
)

// ChatOptions carries per-call knobs and the streaming callbacks the
// engine consumes. Callbacks are optional; a nil callback is skipped.
type ChatOptions struct {
	Temperature     float32
	MaxOutputTokens int

	// OnDelta receives incremental assistant text as it streams.
	OnDelta func(text string)
	// OnToolExecuted fires for provider-side auto-executed tools. Every
	// invocation corresponds to a call/result message pair the client
	// returns in ChatResult.AutoExecuted, in the order they occurred.
	OnToolExecuted func(call ToolCall, result string)
	// OnFinish fires exactly once when streaming text is complete.
	OnFinish func()
}

// Choice is one completion alternative returned by a provider.
type Choice struct {
	Message Message
}

// ChatResult is the normalized outcome of one chat call.
type ChatResult struct {
	Choices []Choice
	// AutoExecuted holds tool-call and tool-result messages produced by a
	// provider SDK that loops internally. The engine appends them in
	// order, atomically with the assistant message.
	AutoExecuted []Message
	Usage        Usage
}

// First returns the primary choice message. Empty choices or a message
// that is neither content nor calls is a fatal turn error for callers.
func (r *ChatResult) First() (Message, error) {
	if r == nil || len(r.Choices) == 0 {
		return Message{}, errors.New("provider returned no choices")
	}
	return r.Choices[0].Message, nil
}

// Client is the uniform streaming chat interface over heterogeneous
// providers. Implementations must observe ctx cancellation and abandon
// in-flight network reads promptly.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSchema, opts ChatOptions) (*ChatResult, error)
	ListModels(ctx context.Context) ([]string, error)
	// ContextLimit returns the best-effort context window for the current
	// model, or 0 when unknown.
	ContextLimit() int
	CurrentModel() string
	SetModel(model string)
}

// TransportError wraps network and provider failures. These are
// recoverable: the engine reports them and returns to the prompt.
type TransportError struct {
	Provider   string
	HTTPStatus int
	Err        error
}

func (e *TransportError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a provider transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
