package app

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/triagechat/internal/chat"
	"github.com/ent0n29/triagechat/internal/config"
)

func TestBuildInMemoryMock(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: "test_app_build_mock",
		IdentityPolicy:   "generated",
		HistoryTurns:     20,
		GeneratorMode:    "mock",
		TriggerPhrases:   []string{"chief complaint"},
	}
	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if res.Backend != "memory" || res.Generator != "mock" || res.Config.StoreBackend != "memory" {
		t.Fatalf("BuildResult = backend %q generator %q", res.Backend, res.Generator)
	}

	out, err := res.Chat.Handle(context.Background(), chat.Request{Message: "chief complaint: cough"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// The mock echoes the message, so the configured phrase fires.
	if !out.TriageSaved {
		t.Fatalf("TriageSaved = false, want true with custom trigger phrase")
	}
}

func TestBuildRejectsUnknownPolicy(t *testing.T) {
	_, err := Build(context.Background(), config.Config{
		MetricsNamespace: "test_app_build_policy",
		IdentityPolicy:   "random",
	})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Build() error = %v, want ErrConfiguration", err)
	}
}
