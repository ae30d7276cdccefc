package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	uniqueKey := func(prefix string) string {
		return prefix + "-" + uuid.NewString()
	}

	t.Run("UnknownKeyIsAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		conv, err := s.GetConversation(ctx, uniqueKey("never-seen"))
		require.NoError(t, err)
		require.Nil(t, conv)

		sum, err := s.GetTriageSummary(ctx, uniqueKey("never-seen"))
		require.NoError(t, err)
		require.Nil(t, sum)
	})

	t.Run("CreatedAtSetOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("created")

		got, err := s.AppendTurn(ctx, key, "hi", "hello there", nil)
		require.NoError(t, err)
		require.Equal(t, key, got)

		first, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, first)
		require.Len(t, first.Turns, 1)
		require.False(t, first.CreatedAt.IsZero())

		time.Sleep(5 * time.Millisecond)
		_, err = s.AppendTurn(ctx, key, "again", "still here", nil)
		require.NoError(t, err)

		second, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.Len(t, second.Turns, 2)
		require.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
		require.False(t, second.Turns[1].Timestamp.Before(second.Turns[0].Timestamp))
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("order")

		const n = 12
		for i := 0; i < n; i++ {
			_, err := s.AppendTurn(ctx, key, fmt.Sprintf("user-%d", i), fmt.Sprintf("assistant-%d", i), nil)
			require.NoError(t, err)
		}

		conv, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.Len(t, conv.Turns, n)
		for i, turn := range conv.Turns {
			require.Equal(t, fmt.Sprintf("user-%d", i), turn.User)
			require.Equal(t, fmt.Sprintf("assistant-%d", i), turn.Assistant)
		}
	})

	t.Run("MetadataDefaultsToEmpty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("meta")

		_, err := s.AppendTurn(ctx, key, "a", "b", nil)
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, key, "c", "d", map[string]any{"channel": "web"})
		require.NoError(t, err)

		conv, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, conv.Turns[0].Metadata)
		require.Empty(t, conv.Turns[0].Metadata)
		require.Equal(t, "web", conv.Turns[1].Metadata["channel"])
	})

	t.Run("ConcurrentAppendsToUnseenKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("race")

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := s.AppendTurn(ctx, key, fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i), nil)
				errs <- err
			}(i)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		conv, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.Len(t, conv.Turns, writers)
		seen := make(map[string]bool, writers)
		for _, turn := range conv.Turns {
			seen[turn.User] = true
		}
		require.Len(t, seen, writers)
		require.False(t, conv.CreatedAt.IsZero())
	})

	t.Run("SummaryLastWriteWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("summary")

		require.NoError(t, s.SaveTriageSummary(ctx, key, map[string]any{"summary": "first"}))
		first, err := s.GetTriageSummary(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, first)
		require.Equal(t, "first", first.Text())

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.SaveTriageSummary(ctx, key, map[string]any{"summary": "second"}))
		second, err := s.GetTriageSummary(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "second", second.Text())
		require.False(t, second.FinalizedAt.Before(first.FinalizedAt))
	})

	t.Run("SummaryAndConversationAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := uniqueKey("independent")

		require.NoError(t, s.SaveTriageSummary(ctx, key, map[string]any{"summary": "only summary"}))
		conv, err := s.GetConversation(ctx, key)
		require.NoError(t, err)
		require.Nil(t, conv)
	})

	t.Run("RejectsEmptyKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.AppendTurn(ctx, "  ", "a", "b", nil)
		require.ErrorIs(t, err, ErrInvalidKey)
		require.ErrorIs(t, s.SaveTriageSummary(ctx, "", map[string]any{"summary": "x"}), ErrInvalidKey)
	})
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	meta := map[string]any{"channel": "web"}
	_, err := s.AppendTurn(ctx, "k", "a", "b", meta)
	require.NoError(t, err)
	meta["channel"] = "changed by caller"

	conv, err := s.GetConversation(ctx, "k")
	require.NoError(t, err)
	conv.Turns[0].User = "mutated"
	conv.Turns[0].Metadata["channel"] = "mutated"
	conv.Turns[0].Metadata["extra"] = true

	again, err := s.GetConversation(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "a", again.Turns[0].User)
	require.Equal(t, map[string]any{"channel": "web"}, again.Turns[0].Metadata)

	require.NoError(t, s.SaveTriageSummary(ctx, "k", map[string]any{"summary": "main complaint"}))
	sum, err := s.GetTriageSummary(ctx, "k")
	require.NoError(t, err)
	sum.Summary["summary"] = "mutated"

	sum, err = s.GetTriageSummary(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "main complaint", sum.Text())
}
