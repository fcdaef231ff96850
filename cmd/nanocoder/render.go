package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nanocoder-ai/nanocoder/internal/engine"
	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

// renderEvents prints the engine's event stream to the terminal until
// the channel closes or ctx is cancelled.
func renderEvents(ctx context.Context, events <-chan engine.Event) {
	streaming := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case engine.EventAssistantDelta:
				fmt.Print(ev.Text)
				streaming = true
			case engine.EventAssistant:
				if streaming {
					fmt.Println()
					streaming = false
				} else if ev.Text != "" {
					fmt.Println(ev.Text)
				}
			case engine.EventToolCall:
				if ev.Call != nil {
					fmt.Printf("⚙ %s\n", ev.Call.Name)
				}
			case engine.EventToolResult:
				if ev.Result != nil && ev.Result.IsError {
					fmt.Printf("  %s\n", firstLine(ev.Result.Content))
				}
			case engine.EventInfo:
				fmt.Printf("ℹ %s\n", ev.Text)
			case engine.EventWarning:
				fmt.Printf("⚠ %s\n", ev.Text)
			case engine.EventError:
				fmt.Printf("✗ %s\n", ev.Text)
			case engine.EventNudge:
				fmt.Printf("… %s\n", ev.Text)
			case engine.EventInterrupted:
				if streaming {
					fmt.Println()
					streaming = false
				}
				fmt.Println(ev.Text)
			}
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// terminalPrompter collects approval decisions from stdin. The REPL
// only reads between turns, so the prompter has stdin to itself while a
// turn is running.
type terminalPrompter struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
}

func newTerminalPrompter(scanner *bufio.Scanner) *terminalPrompter {
	return &terminalPrompter{scanner: scanner}
}

func (p *terminalPrompter) Confirm(ctx context.Context, call llm.ToolCall, preview *tools.FilePreview) (engine.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	args, _ := call.ParsedArgs()
	fmt.Printf("\nTool %s wants to run with arguments %v\n", call.Name, args)
	if preview != nil {
		fmt.Printf("It will modify %s (%d → %d bytes)\n",
			preview.Path, len(preview.OriginalContent), len(preview.NewContent))
	}
	fmt.Print("Approve? [y]es / [a]lways this session / [n]o: ")

	answerCh := make(chan string, 1)
	go func() {
		if p.scanner.Scan() {
			answerCh <- strings.ToLower(strings.TrimSpace(p.scanner.Text()))
			return
		}
		answerCh <- ""
	}()

	select {
	case <-ctx.Done():
		return engine.DecisionRejected, ctx.Err()
	case answer := <-answerCh:
		switch answer {
		case "y", "yes":
			return engine.DecisionApproved, nil
		case "a", "always":
			return engine.DecisionApprovedForSession, nil
		default:
			return engine.DecisionRejected, nil
		}
	}
}
