package conversation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorageUnavailable marks failures to reach the backing store (refused
	// connections, timeouts, server selection). Callers match it with errors.Is.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidKey         = errors.New("conversation key is empty")
	ErrIdentityRequired   = errors.New("conversation identity is required")
)

// Turn is one user message and the assistant reply produced for it.
type Turn struct {
	User      string         `json:"user" bson:"user"`
	Assistant string         `json:"assistant" bson:"assistant"`
	Timestamp time.Time      `json:"ts" bson:"ts"`
	Metadata  map[string]any `json:"meta" bson:"meta"`
}

// Conversation is the append-only turn log stored under a conversation key.
type Conversation struct {
	Key       string    `json:"conversation_id" bson:"_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	Turns     []Turn    `json:"turns" bson:"turns"`
}

// TriageSummary is the latest intake summary derived for a conversation key.
type TriageSummary struct {
	Key         string         `json:"conversation_id" bson:"_id"`
	Summary     map[string]any `json:"triage_summary" bson:"triage_summary"`
	FinalizedAt time.Time      `json:"finalized_at" bson:"finalized_at"`
}

// Text returns the assistant text that produced the summary.
func (s TriageSummary) Text() string {
	v, _ := s.Summary["summary"].(string)
	return v
}

// Store persists conversations and their triage summaries.
//
// GetConversation and GetTriageSummary return (nil, nil) for unknown keys.
type Store interface {
	AppendTurn(ctx context.Context, key, userMessage, assistantMessage string, metadata map[string]any) (string, error)
	GetConversation(ctx context.Context, key string) (*Conversation, error)
	SaveTriageSummary(ctx context.Context, key string, summary map[string]any) error
	GetTriageSummary(ctx context.Context, key string) (*TriageSummary, error)
	Ping(ctx context.Context) error
	Close() error
}

func newTurn(userMessage, assistantMessage string, metadata map[string]any, now time.Time) Turn {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Turn{
		User:      userMessage,
		Assistant: assistantMessage,
		Timestamp: now,
		Metadata:  metadata,
	}
}
