package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/triagechat/internal/conversation"
)

// DefaultTriggerPhrases mark an assistant reply that closes a clinical intake.
var DefaultTriggerPhrases = []string{
	"queixa principal",
	"sintomas detalhados",
	"main complaint",
	"detailed symptoms",
}

// SummaryStore is the slice of conversation.Store the extractor needs.
type SummaryStore interface {
	SaveTriageSummary(ctx context.Context, key string, summary map[string]any) error
	GetTriageSummary(ctx context.Context, key string) (*conversation.TriageSummary, error)
}

// Extractor persists a triage summary whenever an assistant reply contains an
// intake marker.
type Extractor struct {
	store   SummaryStore
	phrases []string
}

func NewExtractor(store SummaryStore, phrases []string) *Extractor {
	if phrases == nil {
		phrases = DefaultTriggerPhrases
	}
	normalized := make([]string, 0, len(phrases))
	seen := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return &Extractor{store: store, phrases: normalized}
}

// Phrases returns the normalized trigger phrases.
func (e *Extractor) Phrases() []string {
	out := make([]string, len(e.phrases))
	copy(out, e.phrases)
	return out
}

// Match returns the trigger phrases found in text, case-insensitively.
func (e *Extractor) Match(text string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, p := range e.phrases {
		if strings.Contains(lower, p) {
			matched = append(matched, p)
		}
	}
	return matched
}

// MaybeExtract saves assistantMessage as the summary for key when it contains a
// trigger phrase, replacing any earlier summary. It reports whether a summary
// was written; a reply without markers is a no-op.
func (e *Extractor) MaybeExtract(ctx context.Context, key, assistantMessage string) (bool, error) {
	matched := e.Match(assistantMessage)
	if len(matched) == 0 {
		return false, nil
	}
	summary := map[string]any{
		"summary": assistantMessage,
		"matched": matched,
	}
	if err := e.store.SaveTriageSummary(ctx, key, summary); err != nil {
		return false, fmt.Errorf("save triage summary: %w", err)
	}
	return true, nil
}

// Summary returns the current summary for key, or nil when none was extracted.
func (e *Extractor) Summary(ctx context.Context, key string) (*conversation.TriageSummary, error) {
	sum, err := e.store.GetTriageSummary(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get triage summary: %w", err)
	}
	return sum, nil
}
