package conversation

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	summaries     map[string]TriageSummary
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*Conversation),
		summaries:     make(map[string]TriageSummary),
		now:           storeNow,
	}
}

func (s *InMemoryStore) AppendTurn(_ context.Context, key, userMessage, assistantMessage string, metadata map[string]any) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	now := s.now()
	turn := newTurn(userMessage, assistantMessage, maps.Clone(metadata), now)

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		conv = &Conversation{Key: key, CreatedAt: now}
		s.conversations[key] = conv
	}
	conv.Turns = append(conv.Turns, turn)
	return key, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, key string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	out := &Conversation{
		Key:       conv.Key,
		CreatedAt: conv.CreatedAt,
		Turns:     make([]Turn, len(conv.Turns)),
	}
	for i, turn := range conv.Turns {
		turn.Metadata = maps.Clone(turn.Metadata)
		out.Turns[i] = turn
	}
	return out, nil
}

func (s *InMemoryStore) SaveTriageSummary(_ context.Context, key string, summary map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[key] = TriageSummary{
		Key:         key,
		Summary:     maps.Clone(summary),
		FinalizedAt: s.now(),
	}
	return nil
}

func (s *InMemoryStore) GetTriageSummary(_ context.Context, key string) (*TriageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	sum.Summary = maps.Clone(sum.Summary)
	return &sum, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

// storeNow is the timestamp source for all backends. Millisecond precision keeps
// values identical after a round trip through BSON dates.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
