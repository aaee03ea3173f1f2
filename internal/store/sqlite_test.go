package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapius/internal/feed"
	"scrapius/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMarkSeenIsMonotonic(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	first := feed.ProcessedRecord{
		ID:          "item-1",
		Source:      "groupA",
		Decision:    feed.DecisionAccepted,
		Outcome:     feed.OutcomeDelivered,
		Summary:     "original",
		ProcessedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.MarkSeen(ctx, first))

	seen, err := st.HasSeen(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// A second write for the same ID is ignored; the first record wins.
	second := first
	second.Decision = feed.DecisionRejected
	second.Summary = "overwrite attempt"
	require.NoError(t, st.MarkSeen(ctx, second))

	records, err := st.ProcessedSince(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "original", records[0].Summary)
	assert.Equal(t, feed.DecisionAccepted, records[0].Decision)
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.MarkSeen(ctx, feed.ProcessedRecord{
		ID: "item-1", Decision: feed.DecisionAccepted, Outcome: feed.OutcomeDelivered,
	}))
	require.NoError(t, st.Close())

	st2 := openTestStore(t, path)
	seen, err := st2.HasSeen(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, seen, "committed records must survive restart")
}

func TestHasSeenUnknownID(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	seen, err := st.HasSeen(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestProcessedSinceFiltersByDecisionAndTime(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.MarkSeen(ctx, feed.ProcessedRecord{
		ID: "old-accept", Decision: feed.DecisionAccepted, Outcome: feed.OutcomeDelivered,
		ProcessedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, st.MarkSeen(ctx, feed.ProcessedRecord{
		ID: "new-accept", Decision: feed.DecisionAccepted, Outcome: feed.OutcomeDelivered,
		Summary: "fresh", ProcessedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, st.MarkSeen(ctx, feed.ProcessedRecord{
		ID: "new-reject", Decision: feed.DecisionRejected, Outcome: feed.OutcomeSkipped,
		ProcessedAt: now.Add(-time.Hour),
	}))

	records, err := st.ProcessedSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new-accept", records[0].ID)
}

func TestDispatchRecords(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	require.NoError(t, st.RecordDispatch(ctx, DispatchRecord{
		ItemID: "item-1", Recipient: 42, Status: "delivered", Attempts: 1,
	}))
	require.NoError(t, st.RecordDispatch(ctx, DispatchRecord{
		ItemID: "item-1", Recipient: 43, Status: "failed", Attempts: 3,
	}))
}

func TestSettingsKV(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	_, err := st.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.PutSetting(ctx, "last_method", "cookie"))
	v, err := st.GetSetting(ctx, "last_method")
	require.NoError(t, err)
	assert.Equal(t, "cookie", v)

	require.NoError(t, st.PutSetting(ctx, "last_method", "manual"))
	v, err = st.GetSetting(ctx, "last_method")
	require.NoError(t, err)
	assert.Equal(t, "manual", v)
}
