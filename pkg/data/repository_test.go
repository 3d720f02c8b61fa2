package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testArchive(roundID, feedID, state string) *RoundArchive {
	return &RoundArchive{
		RoundID:     roundID,
		FeedID:      feedID,
		RoundNumber: 1,
		State:       state,
		Eligible:    []string{"v1", "v2"},
		ArchivedAt:  time.Now().UTC(),
	}
}

func TestMemoryRepositoryRoundArchives(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	archive := testArchive("r1", "eth-usd", RoundStateFinalized)
	require.NoError(t, repo.SaveRoundArchive(ctx, archive))

	t.Run("Get", func(t *testing.T) {
		got, err := repo.GetRoundArchive(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "eth-usd", got.FeedID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.GetRoundArchive(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		err := repo.SaveRoundArchive(ctx, testArchive("r1", "eth-usd", RoundStateFinalized))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("NonTerminalRejected", func(t *testing.T) {
		err := repo.SaveRoundArchive(ctx, testArchive("r2", "eth-usd", RoundStateRevealing))
		assert.Error(t, err)
	})
}

func TestMemoryRepositoryListFilters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveRoundArchive(ctx, testArchive("r1", "eth-usd", RoundStateFinalized)))
	require.NoError(t, repo.SaveRoundArchive(ctx, testArchive("r2", "eth-usd", RoundStateFailed)))
	require.NoError(t, repo.SaveRoundArchive(ctx, testArchive("r3", "btc-usd", RoundStateFinalized)))

	all, err := repo.ListRoundArchives(ctx, RoundFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	eth, err := repo.ListRoundArchives(ctx, RoundFilter{FeedID: "eth-usd"})
	require.NoError(t, err)
	assert.Len(t, eth, 2)

	failed, err := repo.ListRoundArchives(ctx, RoundFilter{FeedID: "eth-usd", State: RoundStateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r2", failed[0].RoundID)
}

func TestMemoryRepositoryValidatorRecords(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	rec, err := NewValidatorRecord("v1", []byte("pk"), 100, 0.5)
	require.NoError(t, err)
	require.NoError(t, repo.SaveValidatorRecord(ctx, rec))

	t.Run("GetReturnsCopy", func(t *testing.T) {
		got, err := repo.GetValidatorRecord(ctx, "v1")
		require.NoError(t, err)

		got.ReputationScore = 0.9
		again, err := repo.GetValidatorRecord(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, 0.5, again.ReputationScore)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		updated := rec.Clone()
		updated.ReputationScore = 0.7
		require.NoError(t, repo.SaveValidatorRecord(ctx, updated))

		got, err := repo.GetValidatorRecord(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, 0.7, got.ReputationScore)
	})

	t.Run("ReputationFilter", func(t *testing.T) {
		low, err := NewValidatorRecord("v2", []byte("pk"), 100, 0.1)
		require.NoError(t, err)
		require.NoError(t, repo.SaveValidatorRecord(ctx, low))

		floor := 0.5
		records, err := repo.ListValidatorRecords(ctx, ValidatorFilter{MinReputation: &floor})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "v1", records[0].ValidatorID)
	})
}

// TestPostgresRepository exercises the real database layer. It needs a
// reachable PostgreSQL instance, so it is gated on TEST_DATABASE_URL.
func TestPostgresRepository(t *testing.T) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, connStr, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.InitSchema(ctx))
	require.NoError(t, repo.Ping(ctx))

	roundID := "pg-" + time.Now().Format("20060102150405.000")
	archive := testArchive(roundID, "pg-feed", RoundStateFinalized)
	archive.Reveals = []*Reveal{{ValidatorID: "v1", RoundID: roundID, Value: 100.5, Nonce: "n", SubmittedAt: time.Now().UTC()}}
	require.NoError(t, repo.SaveRoundArchive(ctx, archive))

	got, err := repo.GetRoundArchive(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, "pg-feed", got.FeedID)
	require.Len(t, got.Reveals, 1)
	assert.Equal(t, 100.5, got.Reveals[0].Value)

	rec, err := NewValidatorRecord("pg-"+roundID, []byte("pk"), 100, 0.5)
	require.NoError(t, err)
	require.NoError(t, repo.SaveValidatorRecord(ctx, rec))

	gotRec, err := repo.GetValidatorRecord(ctx, rec.ValidatorID)
	require.NoError(t, err)
	assert.Equal(t, rec.StakeWeight, gotRec.StakeWeight)
}
