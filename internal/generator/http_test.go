package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/triagechat/internal/conversation"
)

func TestHTTPGeneratorJSONReply(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Há quanto tempo?"}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second)
	reply, err := g.Generate(context.Background(), "dor de cabeça", []conversation.Turn{{User: "oi", Assistant: "olá"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "Há quanto tempo?" {
		t.Fatalf("reply = %q", reply)
	}
	if got.Message != "dor de cabeça" || len(got.History) != 1 || got.History[0].User != "oi" {
		t.Fatalf("request = %+v", got)
	}
}

func TestHTTPGeneratorPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  just text  "))
	}))
	defer srv.Close()

	reply, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "just text" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHTTPGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), "hi", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Generate() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !statusErr.Retryable() {
		t.Fatalf("status error = %+v", statusErr)
	}
}

func TestHTTPGeneratorEmptyReplyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unrelated":true}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), "hi", nil); err == nil {
		t.Fatalf("Generate() expected error for empty reply")
	}
}

func TestConsumeStreamingSSE(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	text, err := consumeStreaming(stream, true)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want %q", text, "Hello")
	}
}

func TestConsumeStreamingNDJSON(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		"{\"delta\":\" there\"}",
		"[DONE]",
		"{\"delta\":\"ignored\"}",
	}, "\n"))

	text, err := consumeStreaming(stream, false)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("text = %q, want %q", text, "Hi there")
	}
}

func TestConsumeStreamingSSESkipsFieldLines(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		"retry: 3000",
		"event: delta",
		"id: 1",
		"data: {\"delta\":\"Queixa \"}",
		"",
		"event: delta",
		"id: 2",
		"data: {\"delta\":\"principal\"}",
		"",
		"event: done",
		"data: [DONE]",
		"",
	}, "\n"))

	text, err := consumeStreaming(stream, true)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Queixa principal" {
		t.Fatalf("text = %q, want %q", text, "Queixa principal")
	}
}

func TestHTTPGeneratorEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: delta\ndata: {\"delta\":\"Sintomas \"}\n\nevent: delta\ndata: {\"delta\":\"detalhados\"}\n\nevent: done\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	reply, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), "oi", nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "Sintomas detalhados" {
		t.Fatalf("reply = %q, want %q", reply, "Sintomas detalhados")
	}
}
