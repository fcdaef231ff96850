// Package providers adapts vendor SDKs to the llm.Client interface.
// Each adapter converts the engine's provider-agnostic message log into
// the vendor's wire format, streams the response back through the
// ChatOptions callbacks, and normalizes errors into llm.TransportError.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
	"github.com/nanocoder-ai/nanocoder/internal/tokenizer"
)

// OpenAIClient talks to OpenAI and OpenAI-compatible endpoints.
type OpenAIClient struct {
	client   *openai.Client
	provider string

	mu    sync.Mutex
	model string
}

// NewOpenAIClient creates a client. provider labels errors when the
// endpoint is an OpenAI-compatible third party; baseURL may be empty.
func NewOpenAIClient(apiKey, model, baseURL, provider string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if provider == "" {
		provider = "openai"
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(config),
		provider: provider,
		model:    model,
	}
}

func (c *OpenAIClient) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *OpenAIClient) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

// ContextLimit reports the known window for the current model, 0 when
// unrecognized.
func (c *OpenAIClient) ContextLimit() int {
	return tokenizer.ModelLimit(c.CurrentModel())
}

// ListModels queries the endpoint's model catalog.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.ID)
	}
	sort.Strings(names)
	return names, nil
}

// Chat streams one completion, invoking opts callbacks as data arrives.
func (c *OpenAIClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, opts llm.ChatOptions) (*llm.ChatResult, error) {
	wireMsgs, err := c.toWireMessages(messages)
	if err != nil {
		return nil, err
	}
	wireTools, err := c.toWireTools(tools)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:    c.CurrentModel(),
		Messages: wireMsgs,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(wireTools) > 0 {
		req.Tools = wireTools
		req.ToolChoice = "auto"
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	defer stream.Close()

	var content strings.Builder
	accum := newToolCallAccumulator()
	var usage llm.Usage

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.wrapErr(err)
		}

		// The final chunk may carry usage with no choices.
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			usage = llm.Usage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if opts.OnDelta != nil {
				opts.OnDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			accum.feed(tc)
		}
	}
	if opts.OnFinish != nil {
		opts.OnFinish()
	}

	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content.String(),
		ToolCalls: accum.calls(),
	}
	return &llm.ChatResult{
		Choices: []llm.Choice{{Message: msg}},
		Usage:   usage,
	}, nil
}

// toWireMessages converts the engine log to the OpenAI shape. Tool
// messages without a preceding tool-call assistant message are dropped;
// the API rejects them.
func (c *OpenAIClient) toWireMessages(messages []llm.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	prevHadCalls := false

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
			prevHadCalls = false
		case llm.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
			prevHadCalls = false
		case llm.RoleAssistant:
			content := msg.Content
			if content == "" {
				// An empty string serializes to null and the API rejects
				// it; a single space is accepted and equivalent.
				content = " "
			}
			var calls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				args, err := tc.ParsedArgs()
				if err != nil {
					args = map[string]any{}
				}
				argsJSON, _ := json.Marshal(args)
				calls = append(calls, openai.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: calls,
			})
			prevHadCalls = len(calls) > 0
		case llm.RoleTool:
			if !prevHadCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func (c *OpenAIClient) toWireTools(tools []llm.ToolSchema) ([]openai.Tool, error) {
	var out []openai.Tool
	for _, ts := range tools {
		var schema map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", ts.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

func (c *OpenAIClient) wrapErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llm.TransportError{Provider: c.provider, HTTPStatus: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.TransportError{Provider: c.provider, HTTPStatus: reqErr.HTTPStatusCode, Err: err}
	}
	return &llm.TransportError{Provider: c.provider, Err: err}
}

// toolCallAccumulator reassembles tool calls from stream deltas. The
// API sends the id and name on the first delta for an index and the
// argument JSON in fragments across subsequent deltas.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
	nextIdx int
}

type partialCall struct {
	id    string
	name  string
	args  strings.Builder
	index int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) feed(delta openai.ToolCall) {
	idx := a.nextIdx
	if delta.Index != nil {
		idx = *delta.Index
	}
	pc, ok := a.byIndex[idx]
	if !ok {
		pc = &partialCall{index: idx}
		a.byIndex[idx] = pc
		if idx >= a.nextIdx {
			a.nextIdx = idx + 1
		}
	}
	if delta.ID != "" {
		pc.id = delta.ID
	}
	if delta.Function.Name != "" {
		pc.name = delta.Function.Name
	}
	if delta.Function.Arguments != "" {
		pc.args.WriteString(delta.Function.Arguments)
	}
}

// calls returns the completed tool calls in stream order. Calls whose
// argument JSON never completed surface with RawArgs intact so the
// engine can report the decode failure to the model.
func (a *toolCallAccumulator) calls() []llm.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	partials := make([]*partialCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		if pc.name == "" {
			continue
		}
		partials = append(partials, pc)
	}
	sort.Slice(partials, func(i, j int) bool { return partials[i].index < partials[j].index })

	out := make([]llm.ToolCall, 0, len(partials))
	for _, pc := range partials {
		call := llm.ToolCall{ID: pc.id, Name: pc.name}
		raw := pc.args.String()
		var args map[string]any
		if raw == "" {
			call.Args = map[string]any{}
		} else if err := json.Unmarshal([]byte(raw), &args); err == nil {
			call.Args = args
		} else {
			call.RawArgs = raw
		}
		out = append(out, call)
	}
	return out
}
