// Package compact reduces conversation history size under a compression
// mode. Compaction is bounded-loss: system messages and the most recent
// user/assistant exchanges survive untouched, older tool results are
// summarized, and long bodies are truncated. The package is pure: it
// never mutates its input and performs no I/O.
package compact

import (
	"fmt"
	"strings"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// Mode selects how aggressively history is reduced.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeDefault      Mode = "default"
	ModeAggressive   Mode = "aggressive"
)

// Options configures one compaction pass.
type Options struct {
	Mode Mode
	// KeepRecent is the number of trailing user/assistant pairs kept in
	// full. Values below 2 are raised to 2.
	KeepRecent int
}

// Stats records what a compaction pass did.
type Stats struct {
	MessagesBefore       int
	MessagesAfter        int
	ToolResultsCompacted int
	BodiesTruncated      int
}

// maxBody returns the body truncation bound for a mode.
func maxBody(mode Mode) int {
	switch mode {
	case ModeConservative:
		return 8000
	case ModeAggressive:
		return 2000
	default:
		return 4000
	}
}

// Compact returns a new message list plus statistics. System messages
// are always preserved and the output is never longer than the input.
func Compact(msgs []llm.Message, opts Options) ([]llm.Message, Stats) {
	stats := Stats{MessagesBefore: len(msgs)}
	keep := opts.KeepRecent
	if keep < 2 {
		keep = 2
	}
	bound := maxBody(opts.Mode)

	// Index of the first message inside the protected tail: the last
	// `keep` user/assistant pairs and everything after them.
	protectFrom := protectBoundary(msgs, keep)

	out := make([]llm.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role == llm.RoleSystem || i >= protectFrom {
			out = append(out, m)
			continue
		}
		switch m.Role {
		case llm.RoleTool:
			summarized := summarizeToolResult(m, opts.Mode)
			if summarized.Content != m.Content {
				stats.ToolResultsCompacted++
			}
			out = append(out, summarized)
		case llm.RoleUser, llm.RoleAssistant:
			truncated := m
			// Assistant messages with tool calls keep the calls verbatim
			// and compress only their prose.
			if len(truncated.Content) > bound {
				truncated.Content = truncateBody(truncated.Content, bound)
				stats.BodiesTruncated++
			}
			out = append(out, truncated)
		default:
			out = append(out, m)
		}
	}

	stats.MessagesAfter = len(out)
	return out, stats
}

// protectBoundary finds the index from which the last n user/assistant
// pairs begin. Everything at or after the boundary is preserved in full.
func protectBoundary(msgs []llm.Message, pairs int) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			seen++
			if seen >= pairs {
				return i
			}
		}
	}
	return 0
}

// summarizeToolResult compresses one tool result, keeping the error
// marker and resolution status visible to the model.
func summarizeToolResult(m llm.Message, mode Mode) llm.Message {
	limit := 200
	if mode == ModeConservative {
		limit = 500
	}
	if len(m.Content) <= limit {
		return m
	}

	status := "ok"
	prefix := ""
	if strings.HasPrefix(m.Content, llm.ErrorMarker) {
		status = "error"
		prefix = llm.ErrorMarker
	}
	head := m.Content
	if len(head) > limit {
		head = head[:limit]
	}
	m.Content = fmt.Sprintf("%s[compacted tool result, status=%s, %d bytes] %s…",
		prefix, status, len(m.Content), strings.TrimPrefix(head, prefix))
	return m
}

// truncateBody keeps the head and tail of a long body.
func truncateBody(s string, bound int) string {
	if len(s) <= bound {
		return s
	}
	half := bound / 2
	return s[:half] + "\n… [truncated] …\n" + s[len(s)-half:]
}
