package providers

import (
	"fmt"
	"os"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// compatEndpoint describes an OpenAI-compatible provider selectable via
// LLM_PROVIDER.
type compatEndpoint struct {
	keyEnv       string
	modelEnv     string
	baseURLEnv   string
	defaultModel string
	baseURL      string
	optionalKey  string // used when no key env is set (local servers)
}

var compatEndpoints = map[string]compatEndpoint{
	"deepseek": {
		keyEnv: "DEEPSEEK_API_KEY", modelEnv: "DEEPSEEK_MODEL",
		defaultModel: "deepseek-chat", baseURL: "https://api.deepseek.com/v1",
	},
	"groq": {
		keyEnv: "GROQ_API_KEY", modelEnv: "GROQ_MODEL",
		defaultModel: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1",
	},
	"ollama": {
		keyEnv: "OLLAMA_API_KEY", modelEnv: "OLLAMA_MODEL", baseURLEnv: "OLLAMA_BASE_URL",
		defaultModel: "llama3.1", baseURL: "http://localhost:11434/v1", optionalKey: "ollama",
	},
	"lmstudio": {
		keyEnv: "LMSTUDIO_API_KEY", modelEnv: "LMSTUDIO_MODEL", baseURLEnv: "LMSTUDIO_BASE_URL",
		defaultModel: "local-model", baseURL: "http://localhost:1234/v1", optionalKey: "lm-studio",
	},
}

// NewClientFromEnv builds an llm.Client from LLM_PROVIDER and the
// provider's own environment variables. Defaults to openai.
func NewClientFromEnv() (llm.Client, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIClient(apiKey, model, os.Getenv("OPENAI_BASE_URL"), "openai"), nil

	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-3-5-sonnet-latest"
		}
		return NewAnthropicClient(apiKey, model), nil
	}

	ep, ok := compatEndpoints[provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q (supported: openai, anthropic, deepseek, groq, ollama, lmstudio)", provider)
	}

	apiKey := os.Getenv(ep.keyEnv)
	if apiKey == "" {
		if ep.optionalKey == "" {
			return nil, fmt.Errorf("%s not set", ep.keyEnv)
		}
		apiKey = ep.optionalKey
	}
	model := os.Getenv(ep.modelEnv)
	if model == "" {
		model = ep.defaultModel
	}
	baseURL := ep.baseURL
	if ep.baseURLEnv != "" {
		if v := os.Getenv(ep.baseURLEnv); v != "" {
			baseURL = v
		}
	}
	return NewOpenAIClient(apiKey, model, baseURL, provider), nil
}
