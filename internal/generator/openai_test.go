package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/triagechat/internal/conversation"
)

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestOpenAIGeneratorSendsHistoryAndSystemPrompt(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Queixa principal: cefaleia "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/",
		Timeout: time.Second,
	})
	reply, err := g.Generate(context.Background(), "há 3 dias", []conversation.Turn{
		{User: "estou com dor de cabeça", Assistant: "Há quanto tempo?"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "Queixa principal: cefaleia" {
		t.Fatalf("reply = %q", reply)
	}

	if got.Model != defaultModel {
		t.Fatalf("model = %q, want %q", got.Model, defaultModel)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", got.Messages)
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Fatalf("messages[%d].role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
	if got.Messages[0].Content != DefaultSystemPrompt || got.Messages[3].Content != "há 3 dias" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestOpenAIGeneratorClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(Config{APIKey: "k", BaseURL: srv.URL, Timeout: time.Second})
	_, err := g.Generate(context.Background(), "hi", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Generate() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || !statusErr.Retryable() {
		t.Fatalf("status error = %+v", statusErr)
	}
}
