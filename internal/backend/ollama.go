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

// Ollama talks to a local Ollama instance over HTTP. It doubles as the
// deployment's Embedder: the same server hosts the embedding model.
type Ollama struct {
	id         string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

// NewOllama creates an Ollama backend targeting the given base URL.
func NewOllama(id, baseURL, model, embedModel string) *Ollama {
	return &Ollama{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		embedModel: embedModel,
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{Timeout: 0},
	}
}

func (o *Ollama) ID() string { return o.id }

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

// Complete sends the prompt to /api/chat and returns the assistant message.
func (o *Ollama) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.Options = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	var resp chatResponse
	if err := o.post(ctx, "/api/chat", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &Error{Backend: o.id, Kind: KindOther, Message: resp.Error}
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", &Error{Backend: o.id, Kind: KindOther, Message: "empty completion"}
	}
	return resp.Message.Content, nil
}

// embedRequest is the JSON body for POST /api/embed.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

// Embed returns the embedding vector for the given text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := o.post(ctx, "/api/embed", embedRequest{Model: o.embedModel, Input: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &Error{Backend: o.id, Kind: KindOther, Message: resp.Error}
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, &Error{Backend: o.id, Kind: KindOther, Message: "empty embedding"}
	}
	return resp.Embeddings[0], nil
}

// IsRunning returns true if the server responds to GET /api/tags with 200.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (o *Ollama) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &Error{Backend: o.id, Kind: KindCancelled, Message: "request cancelled", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Backend: o.id, Kind: KindUnavailable, Message: "request timed out", Err: err}
		}
		return &Error{Backend: o.id, Kind: KindUnavailable, Message: "server not reachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &Error{
			Backend: o.id,
			Kind:    kindForStatus(resp.StatusCode),
			Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Backend: o.id, Kind: KindOther, Message: "decoding response", Err: err}
	}
	return nil
}
