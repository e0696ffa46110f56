package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{
			"model": "llama3",
			"created_at": "2026-03-01T12:00:00.123Z",
			"message": {"role": "assistant", "content": "\"reply\": \"hi\"}"},
			"done": true,
			"prompt_eval_count": 12,
			"eval_count": 7,
			"total_duration": 1500000000
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0)
	resp, err := c.Chat(context.Background(), "llama3", []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "{"},
	}, ChatOptions{JSON: true})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
	if len(got.Messages) != 2 || got.Messages[1].Role != RoleAssistant {
		t.Errorf("messages = %+v, want trailing assistant prefill", got.Messages)
	}
	if got.Options != nil {
		t.Errorf("options = %+v, want nil", got.Options)
	}

	if resp.Message.Content != `"reply": "hi"}` {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration.Seconds() != 1.5 {
		t.Errorf("TotalDuration = %v, want 1.5s", resp.TotalDuration)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0)
	if _, err := c.Chat(context.Background(), "missing", []Message{{Role: RoleUser, Content: "x"}}, ChatOptions{}); err == nil {
		t.Fatal("Chat() expected error on 404")
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL, 0).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
