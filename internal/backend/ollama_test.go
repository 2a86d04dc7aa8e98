package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("stream = true, want false")
		}
		if req.Model != "sqlcoder" {
			t.Errorf("model = %q, want sqlcoder", req.Model)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"SELECT name FROM users"}}`)
	}))
	defer srv.Close()

	o := NewOllama("local", srv.URL, "sqlcoder", "nomic-embed-text")
	text, err := o.Complete(context.Background(), CompleteRequest{Prompt: "names of users"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "SELECT name FROM users" {
		t.Errorf("text = %q", text)
	}
}

func TestOllamaComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model not loaded"}`)
	}))
	defer srv.Close()

	o := NewOllama("local", srv.URL, "sqlcoder", "nomic-embed-text")
	_, err := o.Complete(context.Background(), CompleteRequest{Prompt: "q"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestOllamaEmbed_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2,0.3]]}`)
	}))
	defer srv.Close()

	o := NewOllama("local", srv.URL, "sqlcoder", "nomic-embed-text")
	vec, err := o.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("got %d dimensions, want 3", len(vec))
	}
}

func TestOllamaEmbed_EmptyVectorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[]}`)
	}))
	defer srv.Close()

	o := NewOllama("local", srv.URL, "sqlcoder", "nomic-embed-text")
	_, err := o.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for empty embedding, got nil")
	}
}

func TestOllamaIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama("local", srv.URL, "sqlcoder", "nomic-embed-text")
	if !o.IsRunning(context.Background()) {
		t.Error("IsRunning = false, want true")
	}

	down := NewOllama("local", "http://127.0.0.1:1", "sqlcoder", "nomic-embed-text")
	if down.IsRunning(context.Background()) {
		t.Error("IsRunning = true for unreachable server, want false")
	}
}
