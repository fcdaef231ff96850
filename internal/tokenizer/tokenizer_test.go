package tokenizer

import (
	"strings"
	"testing"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

func TestCountText(t *testing.T) {
	c, err := New("gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Release()

	if got := c.CountText(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
	short := c.CountText("hello world")
	long := c.CountText(strings.Repeat("hello world ", 100))
	if short <= 0 {
		t.Errorf("short text = %d tokens, want > 0", short)
	}
	if long <= short {
		t.Errorf("longer text must count more tokens: %d vs %d", long, short)
	}
}

func TestUnknownModelFallsBack(t *testing.T) {
	c, err := New("some-local-model-v9")
	if err != nil {
		t.Fatalf("unknown models must fall back, got error: %v", err)
	}
	defer c.Release()

	if got := c.CountText("fallback still counts"); got <= 0 {
		t.Errorf("fallback encoding = %d tokens, want > 0", got)
	}
}

func TestCountIncludesFramingAndCalls(t *testing.T) {
	c, err := New("gpt-4o")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Release()

	bare := c.Count(llm.Message{Role: llm.RoleUser, Content: "hi"})
	if bare <= c.CountText("hi") {
		t.Errorf("per-message overhead missing: %d", bare)
	}

	withCall := c.Count(llm.Message{
		Role:    llm.RoleAssistant,
		Content: "hi",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.go"}},
		},
	})
	plain := c.Count(llm.Message{Role: llm.RoleAssistant, Content: "hi"})
	if withCall <= plain {
		t.Errorf("tool calls must add tokens: %d vs %d", withCall, plain)
	}
}

func TestCountAfterReleaseEstimates(t *testing.T) {
	c, err := New("gpt-4o")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Release()

	if got := c.CountText("released counters still estimate"); got <= 0 {
		t.Errorf("released counter = %d tokens, want estimation > 0", got)
	}
}

func TestEstimate(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("Estimate(empty) = %d, want 0", got)
	}
	if got := Estimate("ab"); got != 1 {
		t.Errorf("Estimate(2 chars) = %d, want at least 1", got)
	}
	if got := Estimate(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("Estimate(400 chars) = %d, want 100", got)
	}
}

func TestModelLimit(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128000},
		{"gpt-4o-2024-08-06", 128000},
		{"gpt-4", 8192},
		{"gpt-4-turbo-preview", 128000},
		{"claude-3-5-sonnet-20241022", 200000},
		{"claude-opus-4-20250514", 200000},
		{"deepseek-chat", 64000},
		{"totally-unknown", 0},
	}
	for _, tc := range cases {
		if got := ModelLimit(tc.model); got != tc.want {
			t.Errorf("ModelLimit(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestModelLimitPrefersLongestPrefix(t *testing.T) {
	// "gpt-4-turbo" must win over the shorter "gpt-4" prefix.
	if got := ModelLimit("gpt-4-turbo-2024-04-09"); got != 128000 {
		t.Errorf("longest prefix not preferred: got %d", got)
	}
}
