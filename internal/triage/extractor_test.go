package triage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/triagechat/internal/conversation"
)

type failingStore struct{}

func (failingStore) SaveTriageSummary(context.Context, string, map[string]any) error {
	return fmt.Errorf("save: %w", conversation.ErrStorageUnavailable)
}

func (failingStore) GetTriageSummary(context.Context, string) (*conversation.TriageSummary, error) {
	return nil, fmt.Errorf("get: %w", conversation.ErrStorageUnavailable)
}

func TestMaybeExtractTriggersCaseInsensitive(t *testing.T) {
	store := conversation.NewInMemoryStore()
	ex := NewExtractor(store, nil)
	ctx := context.Background()

	reply := "Resumo: QUEIXA PRINCIPAL dor de cabeça há 3 dias."
	saved, err := ex.MaybeExtract(ctx, "k1", reply)
	require.NoError(t, err)
	require.True(t, saved)

	sum, err := ex.Summary(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	require.Equal(t, reply, sum.Text())
	require.Equal(t, []string{"queixa principal"}, sum.Summary["matched"])
}

func TestMaybeExtractNonTriggerLeavesSummary(t *testing.T) {
	store := conversation.NewInMemoryStore()
	ex := NewExtractor(store, nil)
	ctx := context.Background()

	_, err := ex.MaybeExtract(ctx, "k1", "noted: main complaint recorded")
	require.NoError(t, err)
	before, err := ex.Summary(ctx, "k1")
	require.NoError(t, err)

	saved, err := ex.MaybeExtract(ctx, "k1", "How long have you had the fever?")
	require.NoError(t, err)
	require.False(t, saved)

	after, err := ex.Summary(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, before.Text(), after.Text())
	require.True(t, after.FinalizedAt.Equal(before.FinalizedAt))
}

func TestMaybeExtractNoMatchNeverTouchesStore(t *testing.T) {
	ex := NewExtractor(failingStore{}, nil)
	saved, err := ex.MaybeExtract(context.Background(), "k1", "hello there")
	require.NoError(t, err)
	require.False(t, saved)
}

func TestMaybeExtractOverwrite(t *testing.T) {
	store := conversation.NewInMemoryStore()
	ex := NewExtractor(store, nil)
	ctx := context.Background()

	_, err := ex.MaybeExtract(ctx, "k1", "main complaint: fever")
	require.NoError(t, err)
	first, err := ex.Summary(ctx, "k1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = ex.MaybeExtract(ctx, "k1", "Detailed symptoms: fever and cough")
	require.NoError(t, err)
	second, err := ex.Summary(ctx, "k1")
	require.NoError(t, err)

	require.Equal(t, "Detailed symptoms: fever and cough", second.Text())
	require.False(t, second.FinalizedAt.Before(first.FinalizedAt))
}

func TestMaybeExtractPropagatesStorageFailure(t *testing.T) {
	ex := NewExtractor(failingStore{}, nil)
	saved, err := ex.MaybeExtract(context.Background(), "k1", "main complaint: fever")
	require.False(t, saved)
	require.True(t, errors.Is(err, conversation.ErrStorageUnavailable))
}

func TestSummaryUnknownKey(t *testing.T) {
	ex := NewExtractor(conversation.NewInMemoryStore(), nil)
	sum, err := ex.Summary(context.Background(), "never-seen")
	require.NoError(t, err)
	require.Nil(t, sum)
}

func TestNewExtractorNormalizesPhrases(t *testing.T) {
	ex := NewExtractor(conversation.NewInMemoryStore(), []string{" Chief Complaint ", "", "chief complaint", "ALLERGIES"})
	require.Equal(t, []string{"chief complaint", "allergies"}, ex.Phrases())
	require.Equal(t, []string{"allergies"}, ex.Match("No known allergies."))
	require.Empty(t, ex.Match("main complaint"))
}
