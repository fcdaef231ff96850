package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nanocoder-ai/nanocoder/internal/bridge"
	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/parser"
	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

// nudgeMessage is injected when the model streams an empty response so
// the next round-trip produces something appendable.
const nudgeMessage = "Please continue."

// rejectionMessage is the tool-result content the model sees when the
// user declines a call.
const rejectionMessage = "tool call rejected by user"

// runTurn executes the stream→parse→execute loop for one user turn.
// Each iteration performs one LLM round-trip; tool results feed the
// next iteration until the model answers without calls or the cap
// trips.
func (e *Engine) runTurn(ctx context.Context) error {
	for iteration := 0; iteration < e.cfg.MaxTurnIterations; iteration++ {
		done, err := e.step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	e.emitText(EventError, fmt.Sprintf(
		"Stopped after %d tool iterations without a final answer.", e.cfg.MaxTurnIterations))
	return NewTurnError(ErrKindLLMTransport,
		fmt.Errorf("turn exceeded %d iterations", e.cfg.MaxTurnIterations))
}

// step performs one LLM round-trip plus tool execution. done reports
// that the model produced a final answer.
func (e *Engine) step(ctx context.Context) (done bool, err error) {
	result, err := e.stream(ctx)
	if err != nil {
		return false, err
	}

	for _, auto := range result.AutoExecuted {
		if appendErr := e.conv.Append(auto); appendErr != nil {
			return false, appendErr
		}
	}

	msg, err := result.First()
	if err != nil {
		e.emitText(EventError, "The provider returned an empty response.")
		return false, NewTurnError(ErrKindLLMTransport, err)
	}

	parsed := parser.Parse(msg.Content)
	if parsed.Err != nil {
		return false, e.handleMalformed(msg, parsed.Err)
	}

	calls := e.mergeCalls(msg.ToolCalls, parsed.Calls)

	if strings.TrimSpace(parsed.CleanedContent) == "" && len(calls) == 0 {
		// Never append an empty assistant message; ask the model to
		// produce something instead.
		e.emitText(EventNudge, nudgeMessage)
		if err := e.conv.Append(llm.Message{Role: llm.RoleUser, Content: nudgeMessage}); err != nil {
			return false, err
		}
		return false, nil
	}

	assistant := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   parsed.CleanedContent,
		ToolCalls: calls,
	}
	if err := e.conv.Append(assistant); err != nil {
		return false, err
	}
	if assistant.Content != "" {
		e.emitText(EventAssistant, assistant.Content)
		if e.bridge != nil {
			e.bridge.NotifyAssistant(assistant.Content, false)
		}
	}

	if len(calls) == 0 {
		return true, nil
	}

	if err := e.executeCalls(ctx, calls); err != nil {
		return false, err
	}
	return false, nil
}

// stream runs one chat call, fanning deltas out to the event stream and
// the editor bridge.
func (e *Engine) stream(ctx context.Context) (*llm.ChatResult, error) {
	var partial strings.Builder
	opts := llm.ChatOptions{
		OnDelta: func(text string) {
			partial.WriteString(text)
			e.emitText(EventAssistantDelta, text)
			if e.bridge != nil {
				e.bridge.NotifyAssistant(partial.String(), true)
			}
		},
		OnToolExecuted: func(call llm.ToolCall, result string) {
			e.emit(Event{Kind: EventToolCall, Call: &call})
			e.emit(Event{Kind: EventToolResult, Result: &llm.ToolResult{
				ToolCallID: call.ID, Name: call.Name, Content: result,
			}})
		},
	}

	result, err := e.client.Chat(ctx, e.conv.Snapshot(), e.registry.List(), opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.handleInterrupt(ctx.Err())
		}
		e.emitText(EventError, fmt.Sprintf("LLM request failed: %v", err))
		return nil, NewTurnError(ErrKindLLMTransport, err)
	}
	return result, nil
}

// handleMalformed records the raw assistant output and a remediation
// prompt so the model can reissue the call correctly on the next
// iteration.
func (e *Engine) handleMalformed(msg llm.Message, perr *parser.ParseError) error {
	e.emitText(EventWarning, fmt.Sprintf("Tool call could not be parsed: %s", perr.Message))

	raw := llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: msg.ToolCalls}
	if strings.TrimSpace(raw.Content) != "" || len(raw.ToolCalls) > 0 {
		if err := e.conv.Append(raw); err != nil {
			return err
		}
	}
	return e.conv.Append(llm.Message{Role: llm.RoleUser, Content: perr.Remediation})
}

// mergeCalls combines provider-native calls with content-parsed calls,
// dropping empty names and duplicates. Parsed calls receive fresh ids
// so they stay unique across iterations.
func (e *Engine) mergeCalls(native, parsed []llm.ToolCall) []llm.ToolCall {
	var merged []llm.ToolCall
	seenKey := make(map[string]bool)
	seenID := make(map[string]bool)

	add := func(call llm.ToolCall, reassign bool) {
		if strings.TrimSpace(call.Name) == "" {
			return
		}
		key := call.CanonicalKey()
		if seenKey[key] {
			return
		}
		if call.ID == "" || reassign || seenID[call.ID] {
			call.ID = e.nextCallID()
		}
		seenKey[key] = true
		seenID[call.ID] = true
		merged = append(merged, call)
	}

	for _, c := range native {
		add(c, false)
	}
	for _, c := range parsed {
		add(c, true)
	}
	return merged
}

// executeCalls runs the turn's tool calls serially in appearance order.
// Unknown tools synthesize error results; the rest pass through the
// approval gate.
func (e *Engine) executeCalls(ctx context.Context, calls []llm.ToolCall) error {
	_, confirm := e.gate.partition(calls, e.Mode())
	needsConfirm := make(map[string]bool, len(confirm))
	for _, c := range confirm {
		needsConfirm[c.ID] = true
	}

	for _, call := range calls {
		if ctx.Err() != nil {
			return e.handleInterrupt(ctx.Err())
		}

		e.emit(Event{Kind: EventToolCall, Call: &call})
		args, _ := call.ParsedArgs()
		if e.bridge != nil {
			e.bridge.NotifyToolCall(call.ID, call.Name, args, "pending")
		}

		def, known := e.registry.Get(call.Name)
		var res llm.ToolResult
		switch {
		case !known:
			res = llm.ErrorResult(call.ID, call.Name, fmt.Sprintf(
				"unknown tool %q; available tools: %s",
				call.Name, strings.Join(e.registry.Names(), ", ")))
		case needsConfirm[call.ID]:
			var err error
			res, err = e.confirmAndExecute(ctx, def, call)
			if err != nil {
				return err
			}
		default:
			res = e.execute(ctx, def, call)
		}

		if err := e.conv.Append(res.Message()); err != nil {
			return err
		}
		e.emit(Event{Kind: EventToolResult, Result: &res})
		if e.bridge != nil {
			status := "completed"
			if res.IsError {
				status = "failed"
			}
			e.bridge.NotifyToolCall(call.ID, call.Name, args, status)
		}
	}
	return nil
}

// confirmAndExecute collects an approval decision and runs the call on
// approval. An editor decision, when one arrives, is authoritative over
// the terminal prompt.
func (e *Engine) confirmAndExecute(ctx context.Context, def *tools.Definition, call llm.ToolCall) (llm.ToolResult, error) {
	preview := e.computePreview(ctx, def, call)

	decision, err := e.collectDecision(ctx, call, preview)
	if err != nil {
		if ctx.Err() != nil {
			return llm.ToolResult{}, e.handleInterrupt(ctx.Err())
		}
		if e.cfg.NonInteractive {
			return llm.ToolResult{}, e.abortUnapprovable(call, err)
		}
		e.emitText(EventError, fmt.Sprintf("Approval prompt failed: %v", err))
		decision = DecisionRejected
	}

	switch decision {
	case DecisionApprovedForSession:
		e.gate.approveForSession(call.Name)
		fallthrough
	case DecisionApproved:
		return e.execute(ctx, def, call), nil
	default:
		e.emitText(EventInfo, fmt.Sprintf("Rejected %s.", call.Name))
		return llm.ErrorResult(call.ID, call.Name, rejectionMessage), nil
	}
}

// collectDecision races the editor bridge (when a diff was advertised)
// against the terminal prompter. Non-interactive sessions without an
// editor to decide return an error; the caller aborts the turn on it.
func (e *Engine) collectDecision(ctx context.Context, call llm.ToolCall, preview *tools.FilePreview) (Decision, error) {
	var bridgeCh <-chan bridge.Decision
	if e.bridge != nil && preview != nil {
		if ch, ok := e.bridge.AdvertiseFileChange(bridge.FileChange{
			ID:              call.ID,
			Path:            preview.Path,
			OriginalContent: preview.OriginalContent,
			NewContent:      preview.NewContent,
			ToolName:        call.Name,
		}); ok {
			bridgeCh = ch
			e.trackAdvertised(call.ID)
			defer e.closeDiff(call.ID)
		}
	}

	if e.cfg.NonInteractive && bridgeCh == nil {
		return DecisionRejected, fmt.Errorf(
			"tool %s requires approval but the session is non-interactive", call.Name)
	}

	promptCh := make(chan promptOutcome, 1)
	if e.prompter != nil {
		go func() {
			d, err := e.prompter.Confirm(ctx, call, preview)
			promptCh <- promptOutcome{decision: d, err: err}
		}()
	} else if bridgeCh == nil {
		return DecisionRejected, fmt.Errorf("no approval channel available for tool %s", call.Name)
	}

	for {
		select {
		case <-ctx.Done():
			return DecisionRejected, ctx.Err()
		case d, ok := <-bridgeCh:
			if !ok {
				// Evicted or client gone: fall back to the terminal prompt.
				bridgeCh = nil
				if e.prompter == nil {
					return DecisionRejected, fmt.Errorf(
						"editor disconnected before deciding on tool %s", call.Name)
				}
				continue
			}
			if d == bridge.DecisionApplied {
				return DecisionApproved, nil
			}
			return DecisionRejected, nil
		case out := <-promptCh:
			return out.decision, out.err
		}
	}
}

type promptOutcome struct {
	decision Decision
	err      error
}

// abortUnapprovable ends a non-interactive turn on a call whose approval
// nobody can give. The descriptive error result lands in the log before
// the turn error surfaces, so batch drivers can detect why the run
// stopped.
func (e *Engine) abortUnapprovable(call llm.ToolCall, cause error) error {
	res := llm.ErrorResult(call.ID, call.Name, cause.Error())
	if err := e.conv.Append(res.Message()); err != nil {
		return err
	}
	e.emit(Event{Kind: EventToolResult, Result: &res})
	e.emitText(EventError, fmt.Sprintf("Aborting: %v", cause))
	return NewTurnError(ErrKindApprovalDenied, cause)
}

// computePreview evaluates the tool's preview hook. Preview failures
// degrade to prompting without a diff.
func (e *Engine) computePreview(ctx context.Context, def *tools.Definition, call llm.ToolCall) *tools.FilePreview {
	if def.Preview == nil {
		return nil
	}
	args, err := call.ParsedArgs()
	if err != nil {
		return nil
	}
	preview, err := def.Preview(ctx, args)
	if err != nil {
		return nil
	}
	return preview
}

// execute validates and runs one tool call, converting every failure
// into an error-marked result the model can react to.
func (e *Engine) execute(ctx context.Context, def *tools.Definition, call llm.ToolCall) llm.ToolResult {
	args, err := call.ParsedArgs()
	if err != nil {
		return llm.ErrorResult(call.ID, call.Name, err.Error())
	}
	if def.Validator != nil {
		if err := def.Validator(args); err != nil {
			return llm.ErrorResult(call.ID, call.Name, err.Error())
		}
	}
	if err := def.ValidateArgs(args); err != nil {
		return llm.ErrorResult(call.ID, call.Name, err.Error())
	}

	out, err := def.Handler(ctx, args)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return llm.ErrorResult(call.ID, call.Name, "cancelled by user")
		}
		return llm.ErrorResult(call.ID, call.Name, err.Error())
	}
	if def.Formatter != nil {
		out = def.Formatter(out)
	}
	return llm.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: out}
}

// handleInterrupt finalizes a cancelled turn: open diffs close, the
// transcript records the interruption, and partial assistant output is
// discarded.
func (e *Engine) handleInterrupt(cause error) error {
	e.mu.Lock()
	advertised := e.advertised
	e.advertised = nil
	e.mu.Unlock()

	if e.bridge != nil {
		for _, id := range advertised {
			e.bridge.CloseDiff(id)
		}
	}
	e.emitText(EventInterrupted, "Interrupted by user.")
	return NewTurnError(ErrKindCancelled, cause)
}

func (e *Engine) trackAdvertised(id string) {
	e.mu.Lock()
	e.advertised = append(e.advertised, id)
	e.mu.Unlock()
}

// closeDiff closes one advertised diff and drops it from the
// turn-interrupt cleanup list.
func (e *Engine) closeDiff(id string) {
	if e.bridge != nil {
		e.bridge.CloseDiff(id)
	}
	e.mu.Lock()
	for i, v := range e.advertised {
		if v == id {
			e.advertised = append(e.advertised[:i], e.advertised[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}
