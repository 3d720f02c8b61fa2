package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"oracle_consensus/pkg/config"
	"oracle_consensus/pkg/consensus"
	"oracle_consensus/pkg/data"
)

type mockRunner struct {
	attempts atomic.Int64
	run      func(attempt int64) (*data.SignedResult, error)
}

func (m *mockRunner) RunRound(ctx context.Context, feedID string, opts ...consensus.RoundOption) (*data.SignedResult, error) {
	attempt := m.attempts.Add(1)
	return m.run(attempt)
}

func setupTestScheduler(t *testing.T, runner Runner) *Scheduler {
	logger := zaptest.NewLogger(t)
	cfg := &config.SchedConfig{
		MaxConcurrent:   5,
		RetryAttempts:   3,
		RetryDelay:      10 * time.Millisecond,
		WindowExpansion: 1.5,
	}

	s := NewScheduler(runner, cfg, logger)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	return s
}

func successfulRunner(value float64) *mockRunner {
	return &mockRunner{
		run: func(int64) (*data.SignedResult, error) {
			return &data.SignedResult{FeedID: "test-feed", Value: value}, nil
		},
	}
}

func TestScheduleFeed(t *testing.T) {
	s := setupTestScheduler(t, successfulRunner(100))

	t.Run("ValidFeed", func(t *testing.T) {
		require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

		feed, err := s.GetFeed("btc-usd")
		require.NoError(t, err)
		assert.Equal(t, "btc-usd", feed.ID)
		assert.Equal(t, FeedStatusPending, feed.Status)
		assert.False(t, feed.NextRun.IsZero())
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		assert.Error(t, s.ScheduleFeed("eth-usd", "not a schedule"))
	})

	t.Run("EmptyFeedID", func(t *testing.T) {
		assert.Error(t, s.ScheduleFeed("", "@every 1h"))
	})

	t.Run("DuplicateFeed", func(t *testing.T) {
		require.NoError(t, s.ScheduleFeed("gold-usd", "@every 1h"))
		assert.Error(t, s.ScheduleFeed("gold-usd", "@every 30m"))
	})
}

func TestUnscheduleFeed(t *testing.T) {
	s := setupTestScheduler(t, successfulRunner(100))

	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))
	require.NoError(t, s.UnscheduleFeed("btc-usd"))

	_, err := s.GetFeed("btc-usd")
	assert.Error(t, err)

	assert.Error(t, s.UnscheduleFeed("btc-usd"))
}

func TestTriggerFeed(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		runner := successfulRunner(101.5)
		s := setupTestScheduler(t, runner)
		require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

		result, err := s.TriggerFeed(context.Background(), "btc-usd")
		require.NoError(t, err)
		assert.Equal(t, 101.5, result.Value)
		assert.Equal(t, int64(1), runner.attempts.Load())
	})

	t.Run("UnknownFeed", func(t *testing.T) {
		s := setupTestScheduler(t, successfulRunner(100))
		_, err := s.TriggerFeed(context.Background(), "nope")
		assert.Error(t, err)
	})
}

func TestRetryOnQuorumFailure(t *testing.T) {
	runner := &mockRunner{
		run: func(attempt int64) (*data.SignedResult, error) {
			if attempt < 3 {
				return nil, consensus.ErrQuorumNotMet
			}
			return &data.SignedResult{FeedID: "btc-usd", Value: 100}, nil
		},
	}
	s := setupTestScheduler(t, runner)
	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

	result, err := s.TriggerFeed(context.Background(), "btc-usd")
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Value)
	assert.Equal(t, int64(3), runner.attempts.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	runner := &mockRunner{
		run: func(int64) (*data.SignedResult, error) {
			return nil, consensus.ErrInsufficientSignatures
		},
	}
	s := setupTestScheduler(t, runner)
	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

	_, err := s.TriggerFeed(context.Background(), "btc-usd")
	require.Error(t, err)
	assert.ErrorIs(t, err, consensus.ErrInsufficientSignatures)
	// Initial attempt plus the configured retries.
	assert.Equal(t, int64(4), runner.attempts.Load())
}

func TestNoRetryOnPermanentError(t *testing.T) {
	permanent := errors.New("validator set empty")
	runner := &mockRunner{
		run: func(int64) (*data.SignedResult, error) {
			return nil, permanent
		},
	}
	s := setupTestScheduler(t, runner)
	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

	_, err := s.TriggerFeed(context.Background(), "btc-usd")
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int64(1), runner.attempts.Load())
}

func TestScheduledExecution(t *testing.T) {
	executed := make(chan struct{}, 1)
	runner := &mockRunner{
		run: func(int64) (*data.SignedResult, error) {
			select {
			case executed <- struct{}{}:
			default:
			}
			return &data.SignedResult{FeedID: "btc-usd", Value: 100}, nil
		},
	}
	s := setupTestScheduler(t, runner)
	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1s"))

	select {
	case <-executed:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled round never ran")
	}

	assert.Eventually(t, func() bool {
		feed, err := s.GetFeed("btc-usd")
		if err != nil {
			return false
		}
		return feed.Status == FeedStatusComplete && feed.LastResult != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestSchedulerStats(t *testing.T) {
	s := setupTestScheduler(t, successfulRunner(100))
	require.NoError(t, s.ScheduleFeed("btc-usd", "@every 1h"))

	_, err := s.TriggerFeed(context.Background(), "btc-usd")
	require.NoError(t, err)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.RoundsTriggered)
}
