package compact

import (
	"strings"
	"testing"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

func buildHistory(exchanges int, toolBody string) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "system prompt"}}
	for i := 0; i < exchanges; i++ {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: "question"},
			llm.Message{Role: llm.RoleAssistant, Content: "calling a tool",
				ToolCalls: []llm.ToolCall{{ID: "c", Name: "read_file"}}},
			llm.Message{Role: llm.RoleTool, ToolCallID: "c", Name: "read_file", Content: toolBody},
			llm.Message{Role: llm.RoleAssistant, Content: "answer"},
		)
	}
	return msgs
}

func TestCompactPreservesSystemAndLength(t *testing.T) {
	in := buildHistory(6, strings.Repeat("x", 5000))
	out, stats := Compact(in, Options{Mode: ModeDefault, KeepRecent: 2})

	if len(out) > len(in) {
		t.Fatalf("output longer than input: %d > %d", len(out), len(in))
	}
	if out[0].Role != llm.RoleSystem || out[0].Content != "system prompt" {
		t.Error("system message not preserved verbatim")
	}
	if stats.ToolResultsCompacted == 0 {
		t.Error("expected old tool results to be compacted")
	}
	if stats.MessagesBefore != len(in) || stats.MessagesAfter != len(out) {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

func TestCompactProtectsRecentExchanges(t *testing.T) {
	body := strings.Repeat("y", 5000)
	in := buildHistory(5, body)
	out, _ := Compact(in, Options{Mode: ModeAggressive, KeepRecent: 2})

	// The last two exchanges' tool results survive in full.
	protectedSeen := 0
	for i := len(out) - 1; i >= 0 && protectedSeen < 2; i-- {
		if out[i].Role == llm.RoleTool {
			if out[i].Content != body {
				t.Errorf("recent tool result was compacted: %q...", out[i].Content[:60])
			}
			protectedSeen++
		}
	}

	// Older tool results shrink.
	if out[3].Role != llm.RoleTool {
		t.Fatalf("unexpected layout, message 3 is %s", out[3].Role)
	}
	if len(out[3].Content) >= len(body) {
		t.Error("old tool result not summarized")
	}
}

func TestCompactKeepsErrorMarkerVisible(t *testing.T) {
	body := llm.ErrorMarker + strings.Repeat("stack trace line\n", 200)
	in := buildHistory(4, body)
	out, _ := Compact(in, Options{Mode: ModeDefault, KeepRecent: 2})

	found := false
	for _, m := range out[:len(out)-8] {
		if m.Role == llm.RoleTool && len(m.Content) < len(body) {
			found = true
			if !strings.HasPrefix(m.Content, llm.ErrorMarker) {
				t.Errorf("summarized error result lost its marker: %q", m.Content[:60])
			}
			if !strings.Contains(m.Content, "status=error") {
				t.Errorf("summary does not record error status: %q", m.Content[:80])
			}
		}
	}
	if !found {
		t.Fatal("no tool result was summarized")
	}
}

func TestCompactDoesNotMutateInput(t *testing.T) {
	body := strings.Repeat("z", 5000)
	in := buildHistory(5, body)
	Compact(in, Options{Mode: ModeAggressive, KeepRecent: 2})

	for _, m := range in {
		if m.Role == llm.RoleTool && m.Content != body {
			t.Fatal("input slice was mutated")
		}
	}
}

func TestCompactShortHistoryIsNoop(t *testing.T) {
	in := buildHistory(1, "short result")
	out, stats := Compact(in, Options{Mode: ModeAggressive, KeepRecent: 2})

	if len(out) != len(in) {
		t.Fatalf("short history changed length: %d -> %d", len(in), len(out))
	}
	if stats.ToolResultsCompacted != 0 || stats.BodiesTruncated != 0 {
		t.Errorf("short history should be untouched: %+v", stats)
	}
}

func TestCompactKeepsToolCallsOnTruncatedAssistant(t *testing.T) {
	long := strings.Repeat("prose ", 2000)
	in := []llm.Message{
		{Role: llm.RoleSystem, Content: "s"},
		{Role: llm.RoleAssistant, Content: long,
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file"}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "ok"},
		{Role: llm.RoleUser, Content: "next"},
		{Role: llm.RoleAssistant, Content: "fine"},
		{Role: llm.RoleUser, Content: "more"},
		{Role: llm.RoleAssistant, Content: "done"},
		{Role: llm.RoleUser, Content: "last"},
		{Role: llm.RoleAssistant, Content: "end"},
	}
	out, stats := Compact(in, Options{Mode: ModeAggressive, KeepRecent: 2})

	if stats.BodiesTruncated != 1 {
		t.Fatalf("bodies truncated = %d, want 1", stats.BodiesTruncated)
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].ID != "c1" {
		t.Error("tool calls must survive body truncation")
	}
	if len(out[1].Content) >= len(long) {
		t.Error("long assistant body not truncated")
	}
}

func TestModeBounds(t *testing.T) {
	long := strings.Repeat("a", 6000)
	in := []llm.Message{
		{Role: llm.RoleSystem, Content: "s"},
		{Role: llm.RoleAssistant, Content: long},
		{Role: llm.RoleUser, Content: "1"}, {Role: llm.RoleAssistant, Content: "a"},
		{Role: llm.RoleUser, Content: "2"}, {Role: llm.RoleAssistant, Content: "b"},
		{Role: llm.RoleUser, Content: "3"}, {Role: llm.RoleAssistant, Content: "c"},
	}

	conservative, _ := Compact(in, Options{Mode: ModeConservative, KeepRecent: 2})
	aggressive, _ := Compact(in, Options{Mode: ModeAggressive, KeepRecent: 2})

	if len(conservative[1].Content) <= len(aggressive[1].Content) {
		t.Errorf("conservative (%d) should keep more than aggressive (%d)",
			len(conservative[1].Content), len(aggressive[1].Content))
	}
}
