package security

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"oracle_consensus/pkg/data"
)

func testRecord(t *testing.T) data.ValidatorRecord {
	t.Helper()
	rec, err := data.NewValidatorRecord("v1", []byte("pubkey"), 100, 0.5)
	require.NoError(t, err)
	return *rec
}

func TestApplyOutcomeAccurate(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	next := ApplyOutcome(rec, "r1", OutcomeAccurate, p, now)

	assert.Greater(t, next.ReputationScore, rec.ReputationScore)
	assert.Equal(t, 0, next.ConsecutiveFailures)
	assert.Equal(t, uint64(1), next.Rounds)

	// Input record is untouched.
	assert.Equal(t, 0.5, rec.ReputationScore)
	assert.Equal(t, uint64(0), rec.Rounds)
}

func TestApplyOutcomeConvergesBelowOne(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		rec = ApplyOutcome(rec, fmt.Sprintf("r%d", i), OutcomeAccurate, p, now)
	}

	assert.Less(t, rec.ReputationScore, 1.0)
	assert.Greater(t, rec.ReputationScore, 0.99)
}

func TestApplyOutcomePenaltyOrdering(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	missed := ApplyOutcome(rec, "r1", OutcomeMissedDeadline, p, now)
	outlier := ApplyOutcome(rec, "r1", OutcomeOutlier, p, now)
	mismatch := ApplyOutcome(rec, "r1", OutcomeHashMismatch, p, now)
	collusion := ApplyOutcome(rec, "r1", OutcomeCollusion, p, now)

	assert.Greater(t, missed.ReputationScore, outlier.ReputationScore)
	assert.Equal(t, outlier.ReputationScore, mismatch.ReputationScore)
	assert.Greater(t, outlier.ReputationScore, collusion.ReputationScore)
}

func TestApplyOutcomeScoreBounded(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		rec = ApplyOutcome(rec, fmt.Sprintf("r%d", i), OutcomeCollusion, p, now)
		assert.GreaterOrEqual(t, rec.ReputationScore, 0.0)
		assert.LessOrEqual(t, rec.ReputationScore, 1.0)
	}
	assert.Equal(t, 0.0, rec.ReputationScore)
}

func TestApplyOutcomeSlashOnlyOnCollusion(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	for _, outcome := range []Outcome{OutcomeAccurate, OutcomeMissedDeadline, OutcomeOutlier, OutcomeHashMismatch} {
		next := ApplyOutcome(rec, "r1", outcome, p, now)
		assert.Equal(t, rec.StakeWeight, next.StakeWeight, "outcome %s must not slash", outcome)
		assert.Empty(t, next.SlashHistory)
	}

	slashed := ApplyOutcome(rec, "r1", OutcomeCollusion, p, now)
	assert.Equal(t, 90.0, slashed.StakeWeight)
	require.Len(t, slashed.SlashHistory, 1)
	assert.Equal(t, "r1", slashed.SlashHistory[0].RoundID)
	assert.Equal(t, 10.0, slashed.SlashHistory[0].Amount)
}

func TestApplyOutcomeSuspension(t *testing.T) {
	p := DefaultParams()
	rec := testRecord(t)
	now := time.Now()

	for i := 0; i < p.MaxConsecutiveFails-1; i++ {
		rec = ApplyOutcome(rec, fmt.Sprintf("r%d", i), OutcomeMissedDeadline, p, now)
		assert.True(t, rec.SuspendedUntil.IsZero(), "suspended too early at failure %d", i+1)
	}

	rec = ApplyOutcome(rec, "r-final", OutcomeMissedDeadline, p, now)
	assert.Equal(t, now.Add(p.Cooldown), rec.SuspendedUntil)

	// An accurate round resets the failure streak.
	rec = ApplyOutcome(rec, "r-good", OutcomeAccurate, p, now)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func setupLedger(t *testing.T, ids ...string) *Ledger {
	t.Helper()
	ledger := NewLedger(data.NewMemoryRepository(), zaptest.NewLogger(t), DefaultParams())
	for _, id := range ids {
		require.NoError(t, ledger.Register(context.Background(), id, []byte("pk-"+id), 100))
	}
	return ledger
}

func TestLedgerRegister(t *testing.T) {
	ledger := setupLedger(t, "v1")

	rec, err := ledger.Snapshot("v1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec.ReputationScore)

	// Same identity, same key: a no-op, not an error.
	assert.NoError(t, ledger.Register(context.Background(), "v1", []byte("pk-v1"), 100))

	// Same identity, different key: rejected.
	assert.Error(t, ledger.Register(context.Background(), "v1", []byte("imposter"), 100))

	_, err = ledger.Snapshot("ghost")
	assert.Error(t, err)
}

func TestLedgerRegisterSurvivesRestart(t *testing.T) {
	repo := data.NewMemoryRepository()
	ctx := context.Background()
	key := []byte("pk-node-1")

	// First boot: fresh registration, then some history.
	first := NewLedger(repo, zaptest.NewLogger(t), DefaultParams())
	require.NoError(t, first.Load(ctx))
	require.NoError(t, first.Register(ctx, "node-1", key, 100))
	require.NoError(t, first.Record(ctx, "r1", map[string]Outcome{"node-1": OutcomeAccurate}))

	// Second boot against the same repository replays the same
	// Load-then-Register sequence and must not fail or reset history.
	second := NewLedger(repo, zaptest.NewLogger(t), DefaultParams())
	require.NoError(t, second.Load(ctx))
	require.NoError(t, second.Register(ctx, "node-1", key, 100))

	rec, err := second.Snapshot("node-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Rounds)
	assert.Greater(t, rec.ReputationScore, 0.5)
}

func TestLedgerRecordOutcomes(t *testing.T) {
	ledger := setupLedger(t, "v1", "v2", "v3")

	err := ledger.Record(context.Background(), "r1", map[string]Outcome{
		"v1": OutcomeAccurate,
		"v2": OutcomeOutlier,
		"v3": OutcomeMissedDeadline,
	})
	require.NoError(t, err)

	accurate, _ := ledger.Snapshot("v1")
	outlier, _ := ledger.Snapshot("v2")
	missed, _ := ledger.Snapshot("v3")

	assert.Greater(t, accurate.ReputationScore, 0.5)
	assert.Less(t, outlier.ReputationScore, missed.ReputationScore)
}

func TestLedgerRecordUnknownValidator(t *testing.T) {
	ledger := setupLedger(t, "v1")

	// Unknown validators are skipped, not fatal.
	err := ledger.Record(context.Background(), "r1", map[string]Outcome{
		"v1":    OutcomeAccurate,
		"ghost": OutcomeOutlier,
	})
	require.NoError(t, err)
}

func TestLedgerEligibility(t *testing.T) {
	ledger := setupLedger(t, "v1", "v2")
	now := time.Now()

	assert.Equal(t, []string{"v1", "v2"}, ledger.Eligible(now))

	// Drive v2 below the eligibility floor.
	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Record(context.Background(), fmt.Sprintf("r%d", i), map[string]Outcome{
			"v2": OutcomeHashMismatch,
		}))
	}

	rec, _ := ledger.Snapshot("v2")
	assert.Less(t, rec.ReputationScore, DefaultParams().MinEligibleScore)
	assert.Equal(t, []string{"v1"}, ledger.Eligible(now))
}

func TestLedgerSuspensionExpires(t *testing.T) {
	ledger := setupLedger(t, "v1")

	// Three missed deadlines trip the suspension but leave the score
	// at 0.35, above the eligibility floor once the cooldown passes.
	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Record(context.Background(), fmt.Sprintf("r%d", i), map[string]Outcome{
			"v1": OutcomeMissedDeadline,
		}))
	}

	rec, _ := ledger.Snapshot("v1")
	assert.False(t, rec.SuspendedUntil.IsZero())
	assert.Empty(t, ledger.Eligible(time.Now()))

	// After the cooldown the score (0.35) is above the floor again.
	future := rec.SuspendedUntil.Add(time.Second)
	assert.Equal(t, []string{"v1"}, ledger.Eligible(future))
}

func TestLedgerConcurrentRecord(t *testing.T) {
	const validators = 8
	ids := make([]string, validators)
	for i := range ids {
		ids[i] = fmt.Sprintf("v%d", i)
	}
	ledger := setupLedger(t, ids...)

	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		wg.Add(1)
		go func(round int) {
			defer wg.Done()
			outcomes := make(map[string]Outcome, validators)
			for _, id := range ids {
				outcomes[id] = OutcomeAccurate
			}
			assert.NoError(t, ledger.Record(context.Background(), fmt.Sprintf("r%d", round), outcomes))
		}(round)
	}
	wg.Wait()

	for _, id := range ids {
		rec, err := ledger.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), rec.Rounds)
		assert.Less(t, rec.ReputationScore, 1.0)
	}
}

func TestLedgerLoad(t *testing.T) {
	repo := data.NewMemoryRepository()
	first := NewLedger(repo, zaptest.NewLogger(t), DefaultParams())
	require.NoError(t, first.Register(context.Background(), "v1", []byte("pk"), 100))
	require.NoError(t, first.Record(context.Background(), "r1", map[string]Outcome{"v1": OutcomeAccurate}))

	reloaded := NewLedger(repo, zaptest.NewLogger(t), DefaultParams())
	require.NoError(t, reloaded.Load(context.Background()))

	rec, err := reloaded.Snapshot("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Rounds)
	assert.Greater(t, rec.ReputationScore, 0.5)
}

func TestLedgerStats(t *testing.T) {
	ledger := setupLedger(t, "v1", "v2")

	stats := ledger.GetStats(time.Now())
	assert.Equal(t, 2, stats.Validators)
	assert.Equal(t, 0, stats.Suspended)
	assert.InDelta(t, 0.5, stats.AverageScore, 1e-9)
}
