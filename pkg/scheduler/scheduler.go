package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"oracle_consensus/pkg/config"
	"oracle_consensus/pkg/consensus"
	"oracle_consensus/pkg/data"
)

// FeedStatus represents the current state of a scheduled feed
type FeedStatus string

const (
	FeedStatusPending   FeedStatus = "pending"
	FeedStatusRunning   FeedStatus = "running"
	FeedStatusComplete  FeedStatus = "complete"
	FeedStatusFailed    FeedStatus = "failed"
	FeedStatusSuspended FeedStatus = "suspended"
)

// Runner starts consensus rounds for the scheduler. Satisfied by the
// consensus engine.
type Runner interface {
	RunRound(ctx context.Context, feedID string, opts ...consensus.RoundOption) (*data.SignedResult, error)
}

// Feed is a price feed with a recurring consensus schedule
type Feed struct {
	ID         string
	Schedule   string
	LastRun    time.Time
	NextRun    time.Time
	Status     FeedStatus
	LastResult *data.SignedResult
	LastError  error
	CronID     cron.EntryID
}

// Scheduler triggers consensus rounds for registered feeds on their
// cron schedules. Failed rounds are retried as fresh rounds with
// progressively wider commit and reveal windows.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	feeds   map[string]*Feed
	config  *config.SchedConfig
	logger  *zap.Logger
	metrics *Metrics

	// workerPool bounds the number of feeds running rounds at once
	workerPool chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// Metrics tracks scheduler activity
type Metrics struct {
	RoundsTriggered int64
	RoundsCompleted int64
	RoundsFailed    int64
	AverageLatency  time.Duration
	RunningFeeds    int
	LastUpdate      time.Time
	mu              sync.RWMutex
}

// NewScheduler creates a feed scheduler backed by the given runner
func NewScheduler(runner Runner, cfg *config.SchedConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(),
		runner:     runner,
		feeds:      make(map[string]*Feed),
		config:     cfg,
		logger:     logger,
		metrics:    &Metrics{},
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins triggering scheduled feeds
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", s.config.MaxConcurrent))

	go s.collectMetrics()
	s.cron.Start()

	return nil
}

// Stop gracefully shuts down the scheduler, waiting for in-flight
// rounds to finish.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")

	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()

	return nil
}

// ScheduleFeed registers a feed for recurring consensus rounds
func (s *Scheduler) ScheduleFeed(feedID, schedule string) error {
	if feedID == "" {
		return fmt.Errorf("feed ID cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feeds[feedID]; exists {
		return fmt.Errorf("feed %s already scheduled", feedID)
	}

	feed := &Feed{
		ID:       feedID,
		Schedule: schedule,
		Status:   FeedStatusPending,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.runFeed(s.ctx, feed)
	})
	if err != nil {
		return fmt.Errorf("scheduling feed: %w", err)
	}

	feed.CronID = cronID
	feed.NextRun = s.cron.Entry(cronID).Next
	s.feeds[feedID] = feed

	s.logger.Info("Feed scheduled",
		zap.String("feedID", feedID),
		zap.String("schedule", schedule),
		zap.Time("nextRun", feed.NextRun))

	return nil
}

// UnscheduleFeed removes a feed from the schedule
func (s *Scheduler) UnscheduleFeed(feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, exists := s.feeds[feedID]
	if !exists {
		return fmt.Errorf("feed %s not found", feedID)
	}

	s.cron.Remove(feed.CronID)
	delete(s.feeds, feedID)

	s.logger.Info("Feed unscheduled", zap.String("feedID", feedID))
	return nil
}

// GetFeed retrieves a feed by ID
func (s *Scheduler) GetFeed(feedID string) (*Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, exists := s.feeds[feedID]
	if !exists {
		return nil, fmt.Errorf("feed %s not found", feedID)
	}
	return feed, nil
}

// ListFeeds returns all scheduled feeds
func (s *Scheduler) ListFeeds() []*Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feeds := make([]*Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed)
	}
	return feeds
}

// TriggerFeed runs a feed's round immediately, outside its schedule
func (s *Scheduler) TriggerFeed(ctx context.Context, feedID string) (*data.SignedResult, error) {
	s.mu.RLock()
	feed, exists := s.feeds[feedID]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("feed %s not found", feedID)
	}

	return s.execute(ctx, feed)
}

func (s *Scheduler) runFeed(ctx context.Context, feed *Feed) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()

	s.mu.Lock()
	feed.Status = FeedStatusRunning
	feed.LastRun = start
	s.mu.Unlock()

	result, err := s.execute(ctx, feed)

	s.mu.Lock()
	if err != nil {
		feed.Status = FeedStatusFailed
		feed.LastError = err
		s.metrics.mu.Lock()
		s.metrics.RoundsFailed++
		s.metrics.mu.Unlock()
	} else {
		feed.Status = FeedStatusComplete
		feed.LastResult = result
		feed.LastError = nil
		s.metrics.mu.Lock()
		s.metrics.RoundsCompleted++
		s.metrics.mu.Unlock()
	}
	feed.NextRun = s.cron.Entry(feed.CronID).Next
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + time.Since(start)) / 10
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Feed round completed",
		zap.String("feedID", feed.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

// execute runs consensus rounds for a feed until one succeeds or the
// retry budget is exhausted. Each retry is a brand new round with
// wider windows; quorum and signature failures are the only retryable
// outcomes.
func (s *Scheduler) execute(ctx context.Context, feed *Feed) (*data.SignedResult, error) {
	s.metrics.mu.Lock()
	s.metrics.RoundsTriggered++
	s.metrics.mu.Unlock()

	var result *data.SignedResult
	attempt := 0

	backoff := retry.WithMaxRetries(s.config.RetryAttempts, retry.NewExponential(s.config.RetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		scale := math.Pow(s.config.WindowExpansion, float64(attempt))
		attempt++

		signed, err := s.runner.RunRound(ctx, feed.ID, consensus.WithWindowScale(scale))
		if err != nil {
			if errors.Is(err, consensus.ErrQuorumNotMet) || errors.Is(err, consensus.ErrInsufficientSignatures) {
				s.logger.Warn("Feed round failed, retrying with wider windows",
					zap.String("feedID", feed.ID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}

		result = signed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("feed %s round failed after %d attempts: %w", feed.ID, attempt, err)
	}

	return result, nil
}

func (s *Scheduler) collectMetrics() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics()
		}
	}
}

func (s *Scheduler) updateMetrics() {
	s.mu.RLock()
	running := 0
	for _, feed := range s.feeds {
		if feed.Status == FeedStatusRunning {
			running++
		}
	}
	s.mu.RUnlock()

	s.metrics.mu.Lock()
	s.metrics.RunningFeeds = running
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()
}

// Stats is a snapshot of scheduler activity
type Stats struct {
	RoundsTriggered int64
	RoundsCompleted int64
	RoundsFailed    int64
	AverageLatency  time.Duration
	RunningFeeds    int
	LastUpdate      time.Time
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return Stats{
		RoundsTriggered: s.metrics.RoundsTriggered,
		RoundsCompleted: s.metrics.RoundsCompleted,
		RoundsFailed:    s.metrics.RoundsFailed,
		AverageLatency:  s.metrics.AverageLatency,
		RunningFeeds:    s.metrics.RunningFeeds,
		LastUpdate:      s.metrics.LastUpdate,
	}
}
