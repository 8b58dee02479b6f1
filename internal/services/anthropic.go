package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// haikuModel is the model behind title generation and memory extraction.
// Both are cheap summarization tasks; nothing here needs a bigger model.
const haikuModel = "claude-3-5-haiku-20241022"

// AnthropicService is a minimal messages-API client. The key comes from
// FEATHER_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY; without one the background
// services that depend on it stay disabled.
type AnthropicService struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicService builds the client from the environment.
func NewAnthropicService() *AnthropicService {
	apiKey := os.Getenv("FEATHER_ANTHROPIC_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &AnthropicService{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// IsConfigured reports whether an API key is available.
func (s *AnthropicService) IsConfigured() bool {
	return s.apiKey != ""
}

// Complete sends a single user prompt to the haiku model and returns the
// text of the first content block.
func (s *AnthropicService) Complete(prompt string, maxTokens int) (string, error) {
	if !s.IsConfigured() {
		return "", fmt.Errorf("anthropic API key not configured (set FEATHER_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY)")
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     haikuModel,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("anthropic API error: %s", apiErr.Error.Message)
		}
		return "", fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", nil
	}
	return parsed.Content[0].Text, nil
}
