// Package tokenizer estimates token counts per message for a
// (provider, model) pair and reports best-effort context limits.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// Counter counts tokens for a specific model. Instances may hold
// encoding resources; callers release them with Release when done,
// typically in a defer so release happens on every exit path.
type Counter struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// New creates a counter for the given model. Unknown models fall back to
// the cl100k_base encoding, which approximates most current chat models.
func New(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Release frees the counter's reference to its encoding. The shared
// encoding cache survives; Count on a released counter falls back to
// estimation.
func (c *Counter) Release() {
	c.mu.Lock()
	c.encoding = nil
	c.mu.Unlock()
}

// Model returns the model this counter is configured for.
func (c *Counter) Model() string { return c.model }

// CountText returns the token count for raw text.
func (c *Counter) CountText(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Count returns the token count for one message, including per-message
// formatting overhead and any tool calls it carries.
func (c *Counter) Count(msg llm.Message) int {
	// <|start|>role<|message|>...<|end|> framing costs ~3 tokens.
	total := 3
	total += c.CountText(string(msg.Role))
	total += c.CountText(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += c.CountText(tc.Name)
		args, err := tc.ParsedArgs()
		if err == nil {
			total += c.CountText(fmt.Sprintf("%v", args))
		} else {
			total += c.CountText(tc.RawArgs)
		}
	}
	return total
}

// CountAll sums Count over messages plus the reply priming overhead.
func (c *Counter) CountAll(messages []llm.Message) int {
	total := 3
	for _, m := range messages {
		total += c.Count(m)
	}
	return total
}

// Estimate gives a rough token count when no encoding is available:
// roughly four characters per token for English and code.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// modelLimits holds best-effort context window sizes. Prefix matching
// covers versioned model names.
var modelLimits = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"o3":                200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,
	"claude":            200000,
	"kimi":              128000,
	"deepseek":          64000,
	"llama":             128000,
	"qwen":              32768,
	"mistral":           32768,
}

// ModelLimit returns the best-effort context size for a model, or 0 when
// unknown.
func ModelLimit(model string) int {
	if limit, ok := modelLimits[model]; ok {
		return limit
	}
	best := ""
	for prefix := range modelLimits {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return modelLimits[best]
	}
	return 0
}
