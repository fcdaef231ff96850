package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/tokenizer"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client

	mu    sync.Mutex
	model string
}

// NewAnthropicClient creates a client for the given model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(apiKey),
		model:  model,
	}
}

func (c *AnthropicClient) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *AnthropicClient) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

func (c *AnthropicClient) ContextLimit() int {
	return tokenizer.ModelLimit(c.CurrentModel())
}

// ListModels returns the known Claude model names. The Messages API has
// no catalog endpoint.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		string(anthropic.ModelClaude3Dot5SonnetLatest),
		string(anthropic.ModelClaude3Dot5HaikuLatest),
		string(anthropic.ModelClaude3Opus20240229),
	}, nil
}

// Chat streams one completion via the SDK's callback API, adapting it to
// the ChatOptions callbacks.
func (c *AnthropicClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, opts llm.ChatOptions) (*llm.ChatResult, error) {
	systemParts, wireMsgs := c.toWireMessages(messages)
	wireTools, err := c.toWireTools(tools)
	if err != nil {
		return nil, err
	}

	req := anthropic.MessagesStreamRequest{
		MessagesRequest: anthropic.MessagesRequest{
			Model:     anthropic.Model(c.CurrentModel()),
			Messages:  wireMsgs,
			MaxTokens: anthropicDefaultMaxTokens,
		},
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}
	if len(wireTools) > 0 {
		req.Tools = wireTools
	}

	var content strings.Builder
	var calls []llm.ToolCall

	req.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != nil {
			content.WriteString(*delta.Delta.Text)
			if opts.OnDelta != nil {
				opts.OnDelta(*delta.Delta.Text)
			}
		}
	}
	req.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, block anthropic.MessageContent) {
		if block.Type != "tool_use" || block.MessageContentToolUse == nil {
			return
		}
		tu := block.MessageContentToolUse
		call := llm.ToolCall{ID: tu.ID, Name: tu.Name}
		var args map[string]any
		if len(tu.Input) > 0 && json.Unmarshal(tu.Input, &args) == nil {
			call.Args = args
		} else {
			call.Args = map[string]any{}
		}
		calls = append(calls, call)
	}

	resp, err := c.client.CreateMessagesStream(ctx, req)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	if opts.OnFinish != nil {
		opts.OnFinish()
	}

	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
	}
	return &llm.ChatResult{
		Choices: []llm.Choice{{Message: msg}},
		Usage: llm.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// toWireMessages converts the engine log to Anthropic's block format.
// System messages collect into MultiSystem; tool results become user
// messages carrying tool_result blocks.
func (c *AnthropicClient) toWireMessages(messages []llm.Message) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message
	prevHadCalls := false

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
			prevHadCalls = false
		case llm.RoleUser:
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
			prevHadCalls = false
		case llm.RoleAssistant:
			var blocks []anthropic.MessageContent
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args, err := tc.ParsedArgs()
				if err != nil {
					args = map[string]any{}
				}
				argsJSON, _ := json.Marshal(args)
				blocks = append(blocks, anthropic.NewToolUseMessageContent(
					tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: blocks,
			})
			prevHadCalls = len(msg.ToolCalls) > 0
		case llm.RoleTool:
			if !prevHadCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewToolResultMessageContent(
						msg.ToolCallID, content, strings.HasPrefix(content, llm.ErrorMarker)),
				},
			})
		}
	}
	return systemParts, out
}

func (c *AnthropicClient) toWireTools(tools []llm.ToolSchema) ([]anthropic.ToolDefinition, error) {
	var out []anthropic.ToolDefinition
	for _, ts := range tools {
		var schema map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", ts.Name, err)
		}
		out = append(out, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

func (c *AnthropicClient) wrapErr(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return &llm.TransportError{Provider: "anthropic", HTTPStatus: reqErr.StatusCode, Err: err}
	}
	return &llm.TransportError{Provider: "anthropic", Err: err}
}
