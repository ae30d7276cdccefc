package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/triagechat/internal/chat"
	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/conversation"
	"github.com/ent0n29/triagechat/internal/httpapi"
	"github.com/ent0n29/triagechat/internal/logging"
	"github.com/ent0n29/triagechat/internal/observability"
)

func TestWarnDevDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, false)

	warnDevDefaults(&logger, "mock", "memory")
	out := buf.String()
	if !strings.Contains(out, "mock echo") || !strings.Contains(out, "in memory") {
		t.Fatalf("log output = %q, want both warnings", out)
	}

	buf.Reset()
	warnDevDefaults(&logger, "openai", "mongo")
	if buf.Len() != 0 {
		t.Fatalf("log output = %q, want nothing for production components", buf.String())
	}
}

type slowGenerator struct {
	delay   time.Duration
	started chan struct{}
}

func (g slowGenerator) Generate(ctx context.Context, message string, _ []conversation.Turn) (string, error) {
	close(g.started)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(g.delay):
		return "noted: " + message, nil
	}
}

func TestShutdownSignalDrainsInFlightTurn(t *testing.T) {
	store := conversation.NewInMemoryStore()
	gen := slowGenerator{delay: 150 * time.Millisecond, started: make(chan struct{})}
	metrics := observability.NewMetrics("test_cmd_serve_drain")
	svc := chat.NewService(chat.Options{
		Store:     store,
		Generator: gen,
		Metrics:   metrics,
	})
	api := httpapi.New(config.Config{GeneratorMode: "mock"}, svc, metrics)

	sigCtx, stop := context.WithCancel(context.Background())
	defer stop()
	srv := newHTTPServer(sigCtx, "127.0.0.1:0", api.Router())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = srv.Serve(ln) }()

	type result struct {
		status int
		body   map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		res, err := http.Post("http://"+ln.Addr().String()+"/chat", "application/json",
			strings.NewReader(`{"message":"dor de garganta","conversation_id":"drain-1"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer res.Body.Close()
		var body map[string]any
		err = json.NewDecoder(res.Body).Decode(&body)
		done <- result{status: res.StatusCode, body: body, err: err}
	}()

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generator never started")
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("POST /chat error = %v", got.err)
	}
	if got.status != http.StatusOK || got.body["reply"] != "noted: dor de garganta" {
		t.Fatalf("POST /chat = %d %v", got.status, got.body)
	}

	conv, err := store.GetConversation(context.Background(), "drain-1")
	if err != nil || conv == nil || len(conv.Turns) != 1 {
		t.Fatalf("GetConversation() = %+v, %v, want one persisted turn", conv, err)
	}
}
