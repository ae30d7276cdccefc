package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/triagechat/internal/conversation"
)

// MockGenerator provides deterministic local replies when no model is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, message string, history []conversation.Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(message, history), nil
}

func buildMockReply(message string, history []conversation.Turn) string {
	base := strings.TrimSpace(message)
	if base == "" {
		base = "(empty)"
	}
	if len(history) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}

	last := strings.TrimSpace(history[len(history)-1].User)
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nEarlier you said: %s", base, last)
}
