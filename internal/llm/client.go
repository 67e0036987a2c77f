// Package llm adapts the answer-synthesis step to a configurable
// provider. The "none" provider never answers, which makes every caller
// fall back to returning the raw retrieval context.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/observability"
)

// contextLimit caps the grounding context sent to a provider.
const contextLimit = 12000

// Client answers a question grounded on retrieval context. An error means
// the provider could not answer; callers are expected to degrade to the
// raw context rather than fail.
type Client interface {
	Chat(ctx context.Context, question, grounding string) (string, error)
	Provider() string
}

// New builds a client for the configured provider.
func New(cfg config.LLMConfig, log *observability.Logger) Client {
	return NewWithProvider(cfg, cfg.Provider, log)
}

// NewWithProvider builds a client with a per-request provider override.
func NewWithProvider(cfg config.LLMConfig, provider string, log *observability.Logger) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	log = log.WithComponent("llm")

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "ollama":
		host := cfg.OllamaHost
		if host == "" {
			host = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2:latest"
		}
		return &ollamaClient{
			httpClient:  &http.Client{Timeout: timeout},
			host:        strings.TrimRight(host, "/"),
			model:       model,
			temperature: cfg.Temperature,
			log:         log,
		}
	case "openai":
		base := cfg.OpenAIBase
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		model := cfg.OpenAIModel
		if model == "" {
			model = "gpt-4o-mini"
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 512
		}
		return &openaiClient{
			httpClient:  &http.Client{Timeout: timeout},
			baseURL:     strings.TrimRight(base, "/"),
			apiKey:      cfg.OpenAIKey,
			model:       model,
			maxTokens:   maxTokens,
			temperature: cfg.Temperature,
			log:         log,
		}
	default:
		return noneClient{}
	}
}

func buildPrompt(question, grounding string) string {
	if len(grounding) > contextLimit {
		grounding = grounding[:contextLimit]
	}
	return "You are a helpful assistant. Using only the provided context, answer concisely.\n\n" +
		"Question: " + question + "\n\nContext:\n" + grounding
}

// noneClient is the disabled provider.
type noneClient struct{}

func (noneClient) Chat(ctx context.Context, question, grounding string) (string, error) {
	return "", domain.Unavailable("no llm provider configured", nil)
}

func (noneClient) Provider() string { return "none" }

// ollamaClient talks to a local Ollama server via /api/generate.
type ollamaClient struct {
	httpClient  *http.Client
	host        string
	model       string
	temperature float64
	log         *observability.Logger
}

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

func (c *ollamaClient) Chat(ctx context.Context, question, grounding string) (string, error) {
	payload := ollamaRequest{
		Model:   c.model,
		Prompt:  buildPrompt(question, grounding),
		Stream:  false,
		Options: map[string]interface{}{"temperature": c.temperature},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("model", c.model).Msg("ollama generate")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.Unavailable("ollama unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.Unavailable(fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil)
	}

	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	answer := out.Response
	if answer == "" {
		answer = out.Output
	}
	if answer == "" {
		return "", domain.Unavailable("ollama returned empty answer", nil)
	}
	return answer, nil
}

func (c *ollamaClient) Provider() string { return "ollama" }

// openaiClient talks to an OpenAI-compatible /chat/completions endpoint.
type openaiClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	log         *observability.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openaiClient) Chat(ctx context.Context, question, grounding string) (string, error) {
	if c.apiKey == "" {
		return "", domain.Unavailable("openai api key not configured", nil)
	}

	payload := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: buildPrompt(question, grounding)}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug().Str("model", c.model).Msg("openai chat completion")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.Unavailable("openai unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", domain.Unavailable(fmt.Sprintf("openai error: %s", out.Error.Message), nil)
		}
		return "", domain.Unavailable(fmt.Sprintf("openai returned status %d", resp.StatusCode), nil)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", domain.Unavailable("openai returned no choices", nil)
	}
	return out.Choices[0].Message.Content, nil
}

func (c *openaiClient) Provider() string { return "openai" }
