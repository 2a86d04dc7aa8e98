package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter talks to the OpenRouter chat-completions gateway. It covers
// any OpenAI-compatible endpoint; only the base URL and key differ.
type OpenRouter struct {
	id         string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouter creates an OpenRouter backend with the given API key and model.
func NewOpenRouter(id, apiKey, model string) *OpenRouter {
	return &OpenRouter{
		id:         id,
		apiKey:     apiKey,
		baseURL:    openRouterBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 0},
		referer:    "https://github.com/rosetsky/nlq",
		title:      "nlq",
	}
}

// NewOpenRouterWithBaseURL creates a backend pointing at a custom base URL (for testing).
func NewOpenRouterWithBaseURL(id, apiKey, model, baseURL string) *OpenRouter {
	b := NewOpenRouter(id, apiKey, model)
	b.baseURL = strings.TrimRight(baseURL, "/")
	return b
}

func (c *OpenRouter) ID() string { return c.id }

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete sends a non-streaming chat completion request.
func (c *OpenRouter) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", &Error{Backend: c.id, Kind: KindCancelled, Message: "request cancelled", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Backend: c.id, Kind: KindUnavailable, Message: "request timed out", Err: err}
		}
		return "", &Error{Backend: c.id, Kind: KindUnavailable, Message: "gateway not reachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &Error{
			Backend: c.id,
			Kind:    kindForStatus(resp.StatusCode),
			Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{Backend: c.id, Kind: KindOther, Message: "decoding response", Err: err}
	}
	if parsed.Error != nil {
		return "", &Error{Backend: c.id, Kind: KindOther, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", &Error{Backend: c.id, Kind: KindOther, Message: "empty completion"}
	}
	return parsed.Choices[0].Message.Content, nil
}

// IsRunning probes the models endpoint with a short deadline.
func (c *OpenRouter) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
