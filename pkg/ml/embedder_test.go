package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaEmbedderEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotModel, gotPrompt = req.Model, req.Prompt

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.1, 0.2, 0.3},
		})
	}))
	defer srv.Close()

	embedder := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	vec, err := embedder.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector: %v", vec)
	}
	if gotModel != "nomic-embed-text" {
		t.Errorf("model = %q", gotModel)
	}
	if gotPrompt != "hello world" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestOllamaEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	embedder := NewOllamaEmbedder(srv.URL, "missing-model")
	if _, err := embedder.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error on HTTP 404")
	}
}

func TestOllamaEmbedderEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	defer srv.Close()

	embedder := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	if _, err := embedder.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error on empty embedding")
	}
}

func TestOllamaEmbedderDefaults(t *testing.T) {
	embedder := NewOllamaEmbedder("http://localhost:11434/", "")
	if embedder.baseURL != "http://localhost:11434" {
		t.Errorf("trailing slash not trimmed: %q", embedder.baseURL)
	}
	if embedder.model != "nomic-embed-text" {
		t.Errorf("default model = %q", embedder.model)
	}
}
