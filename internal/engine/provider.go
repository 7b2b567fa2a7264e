package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/croquery/croquery/config"
)

// LLMProvider is the text-generation capability the engine consumes. The
// orchestration core never special-cases the underlying model provider.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
}

// NewLLMProvider creates a provider from configuration.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Type)
	}
}

// OpenAIProvider implements LLMProvider against an OpenAI-compatible
// chat-completions endpoint.
type OpenAIProvider struct {
	config config.LLMConfig
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Generate sends a single-user-message chat completion and returns the text.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}

	apiModel := model
	temperature := 0.0
	maxTokens := 0
	if m, ok := p.config.Models[model]; ok {
		if m.APIName != "" {
			apiModel = m.APIName
		} else if m.Name != "" {
			apiModel = m.Name
		}
		temperature = m.Temperature
		maxTokens = m.MaxTokens
	}
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat completion status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return out.Choices[0].Message.Content, nil
}

// ExtractJSON pulls the first balanced JSON object out of a model response,
// tolerating prose or fences around it. Returns "" when none is found.
func ExtractJSON(response string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range response {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

// generateStructured asks the model for JSON and unmarshals the first
// balanced object from the reply into out.
func generateStructured(ctx context.Context, llm LLMProvider, prompt, model string, options map[string]interface{}, out interface{}) error {
	response, err := llm.Generate(ctx, prompt, model, options)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	jsonStr := ExtractJSON(response)
	if jsonStr == "" {
		return fmt.Errorf("no JSON found in response")
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("parse structured output: %w", err)
	}
	return nil
}
