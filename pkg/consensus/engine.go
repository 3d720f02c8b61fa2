package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"oracle_consensus/pkg/config"
	"oracle_consensus/pkg/data"
	"oracle_consensus/pkg/security"
	"oracle_consensus/pkg/signer"
)

const eventBufferSize = 256

// Engine orchestrates commit-reveal consensus rounds. One goroutine per
// active round drives the phase timers; submissions arrive concurrently
// from the network layer and are applied to the round's state.
type Engine struct {
	cfg     config.RoundConfig
	ledger  *security.Ledger
	repo    data.Repository
	logger  *zap.Logger
	metrics *EngineMetrics

	mu          sync.RWMutex
	rounds      map[string]*round
	nextNumbers map[string]uint64

	events     chan Event
	onFinalize FinalizeFunc

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewEngine creates a consensus engine. onFinalize may be nil; when set
// it is invoked exactly once per finalized round after the archive has
// been persisted.
func NewEngine(cfg config.RoundConfig, ledger *security.Ledger, repo data.Repository, logger *zap.Logger, onFinalize FinalizeFunc) *Engine {
	return &Engine{
		cfg:         cfg,
		ledger:      ledger,
		repo:        repo,
		logger:      logger,
		metrics:     NewEngineMetrics(),
		rounds:      make(map[string]*round),
		nextNumbers: make(map[string]uint64),
		events:      make(chan Event, eventBufferSize),
		onFinalize:  onFinalize,
		closed:      make(chan struct{}),
	}
}

// Events returns the stream of round lifecycle notifications. The
// engine never closes the channel; consumers stop on engine shutdown.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Metrics returns the engine's activity counters
func (e *Engine) Metrics() *EngineMetrics {
	return e.metrics
}

// roundOptions carries per-round overrides of the configured windows
type roundOptions struct {
	windowScale float64
}

// RoundOption customizes a single round
type RoundOption func(*roundOptions)

// WithWindowScale stretches the commit and reveal windows by the given
// factor. Used when retrying a failed feed round with more slack.
func WithWindowScale(scale float64) RoundOption {
	return func(o *roundOptions) {
		if scale > 0 {
			o.windowScale = scale
		}
	}
}

// StartRound opens a new consensus round for a feed. The eligible set
// is frozen from the reputation ledger at creation time and the round
// number increments per feed, so a failed round can never be replayed
// under the same number.
func (e *Engine) StartRound(ctx context.Context, feedID string, opts ...RoundOption) (*data.DataRequest, error) {
	options := roundOptions{windowScale: 1}
	for _, opt := range opts {
		opt(&options)
	}

	eligible := e.ledger.Eligible(time.Now())
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible validators", ErrQuorumNotMet)
	}

	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		return nil, errors.New("engine is shut down")
	}
	e.nextNumbers[feedID]++
	number := e.nextNumbers[feedID]
	e.mu.Unlock()

	commitWindow := time.Duration(float64(e.cfg.CommitWindow) * options.windowScale)
	revealWindow := time.Duration(float64(e.cfg.RevealWindow) * options.windowScale)

	req, err := data.NewDataRequest(feedID, number, eligible, commitWindow, revealWindow)
	if err != nil {
		return nil, fmt.Errorf("creating round request: %w", err)
	}

	r := newRound(req)

	e.mu.Lock()
	e.rounds[req.RoundID] = r
	e.mu.Unlock()

	e.metrics.RoundStarted()
	e.logger.Info("round started",
		zap.String("round_id", req.RoundID),
		zap.String("feed_id", feedID),
		zap.Uint64("round_number", number),
		zap.Int("eligible", len(eligible)))

	e.emit(Event{
		Kind:           EventRoundStarted,
		RoundID:        req.RoundID,
		FeedID:         feedID,
		RoundNumber:    number,
		CommitDeadline: req.CommitDeadline,
		RevealDeadline: req.RevealDeadline,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(r)
	}()

	return req, nil
}

// RunRound starts a round and blocks until it reaches a terminal state,
// returning the signed result or the failure that ended it. Intended
// for callers that retry failed feeds, such as the scheduler.
func (e *Engine) RunRound(ctx context.Context, feedID string, opts ...RoundOption) (*data.SignedResult, error) {
	req, err := e.StartRound(ctx, feedID, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	r := e.rounds[req.RoundID]
	e.mu.RUnlock()
	if r == nil {
		return nil, ErrRoundNotFound
	}

	select {
	case <-r.finished:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	signed := r.signed
	reason := r.failureReason
	r.mu.Unlock()

	if signed != nil {
		return signed, nil
	}
	switch reason {
	case reasonQuorum:
		return nil, ErrQuorumNotMet
	case reasonSignatures:
		return nil, ErrInsufficientSignatures
	default:
		return nil, fmt.Errorf("round %s failed: %s", req.RoundID, reason)
	}
}

// Terminal failure reasons recorded in round archives
const (
	reasonQuorum     = "quorum not met"
	reasonSignatures = "insufficient signature shares"
	reasonPersist    = "archive persistence failed"
	reasonShutdown   = "engine shutdown"
)

// run drives a single round through its phases. It owns all state
// transitions; submission handlers only mutate maps inside the round.
func (e *Engine) run(r *round) {
	started := time.Now()
	defer func() {
		e.scheduleCleanup(r.req.RoundID)
		close(r.finished)
	}()

	// Commit phase: wait out the commit window.
	commitTimer := time.NewTimer(time.Until(r.req.CommitDeadline))
	defer commitTimer.Stop()
	select {
	case <-commitTimer.C:
	case <-r.cancelled:
		e.finishCancelled(r)
		return
	case <-e.closed:
		r.fail(reasonShutdown)
		e.persistArchive(r)
		return
	}

	if !r.closeCommit() {
		// Cancelled between the timer firing and the transition.
		e.finishCancelled(r)
		return
	}

	e.emit(Event{
		Kind:           EventCommitClosed,
		RoundID:        r.req.RoundID,
		FeedID:         r.req.FeedID,
		RoundNumber:    r.req.RoundNumber,
		RevealDeadline: r.req.RevealDeadline,
	})

	// Reveal phase: until the deadline, or early once every committed
	// validator has revealed.
	revealTimer := time.NewTimer(time.Until(r.req.RevealDeadline))
	defer revealTimer.Stop()
	select {
	case <-revealTimer.C:
	case <-r.allRevealed:
	case <-e.closed:
		r.fail(reasonShutdown)
		e.persistArchive(r)
		return
	}

	reveals, ok := r.closeReveal()
	if !ok {
		e.finishCancelled(r)
		return
	}

	weights := make(map[string]float64, len(reveals))
	for id := range reveals {
		weights[id] = e.ledger.Weight(id)
	}

	value, devStats, outcomes, aggErr := Aggregate(reveals, weights, len(r.req.Eligible), AggregationParams{
		MADThreshold:     e.cfg.MADThreshold,
		QuorumFraction:   e.cfg.QuorumFraction,
		CollusionEpsilon: e.cfg.CollusionEpsilon,
	})
	e.fillAbsentOutcomes(r, outcomes)

	if aggErr != nil {
		e.logger.Warn("round failed aggregation",
			zap.String("round_id", r.req.RoundID),
			zap.String("feed_id", r.req.FeedID),
			zap.Int("reveals", len(reveals)),
			zap.Error(aggErr))
		e.failRound(r, reasonQuorum, outcomes)
		return
	}

	contributors := make([]string, 0, len(outcomes))
	for id, outcome := range outcomes {
		if outcome == security.OutcomeAccurate {
			contributors = append(contributors, id)
		}
	}

	agg := &data.AggregateResult{
		RoundID:                r.req.RoundID,
		FeedID:                 r.req.FeedID,
		Value:                  value,
		ContributingValidators: contributors,
		Deviation:              *devStats,
		ComputedAt:             time.Now().UTC(),
	}

	collector, err := e.buildCollector(r, value, contributors)
	if err != nil {
		e.logger.Error("failed to build signature collector",
			zap.String("round_id", r.req.RoundID),
			zap.Error(err))
		e.failRound(r, reasonSignatures, outcomes)
		return
	}

	if !r.beginSigning(agg, collector) {
		e.finishCancelled(r)
		return
	}

	e.emit(Event{
		Kind:        EventShareRequested,
		RoundID:     r.req.RoundID,
		FeedID:      r.req.FeedID,
		RoundNumber: r.req.RoundNumber,
		Value:       value,
	})

	signingTimer := time.NewTimer(e.cfg.SigningGrace)
	defer signingTimer.Stop()
	select {
	case <-r.shareReady:
	case <-signingTimer.C:
		e.logger.Warn("signing phase timed out",
			zap.String("round_id", r.req.RoundID),
			zap.Int("shares", collector.Count()))
		e.failRound(r, reasonSignatures, outcomes)
		return
	case <-e.closed:
		r.fail(reasonShutdown)
		e.persistArchive(r)
		return
	}

	combined, signers, err := collector.Combine()
	if err != nil {
		e.logger.Error("failed to combine signature shares",
			zap.String("round_id", r.req.RoundID),
			zap.Error(err))
		e.failRound(r, reasonSignatures, outcomes)
		return
	}

	signed := &data.SignedResult{
		RoundID:           r.req.RoundID,
		FeedID:            r.req.FeedID,
		RoundNumber:       r.req.RoundNumber,
		Value:             value,
		CombinedSignature: combined,
		SignerSet:         signers,
		SignerBitmap:      e.signerBitmap(r.req.Eligible, signers),
		FinalizedAt:       time.Now().UTC(),
	}

	if !r.finalize(signed) {
		e.finishCancelled(r)
		return
	}

	// The archive must be durable before anyone acts on the result.
	if err := e.persistArchive(r); err != nil {
		r.mu.Lock()
		r.state = data.RoundStateFailed
		r.signed = nil
		r.failureReason = reasonPersist
		r.mu.Unlock()
		e.metrics.RoundFailed()
		e.emit(Event{
			Kind:        EventRoundFailed,
			RoundID:     r.req.RoundID,
			FeedID:      r.req.FeedID,
			RoundNumber: r.req.RoundNumber,
			Reason:      reasonPersist,
		})
		return
	}

	e.recordOutcomes(r.req.RoundID, outcomes)
	e.metrics.RoundFinalized(time.Since(started))
	e.logger.Info("round finalized",
		zap.String("round_id", r.req.RoundID),
		zap.String("feed_id", r.req.FeedID),
		zap.Float64("value", value),
		zap.Int("signers", len(signers)),
		zap.Int("outliers_discarded", devStats.OutliersDiscarded))

	e.emit(Event{
		Kind:        EventRoundFinalized,
		RoundID:     r.req.RoundID,
		FeedID:      r.req.FeedID,
		RoundNumber: r.req.RoundNumber,
		Value:       value,
		Result:      signed,
	})

	if e.onFinalize != nil {
		e.onFinalize(signed)
	}
}

// buildCollector assembles the signing roster from the round's accurate
// contributors. The threshold is a fraction of the eligible set, not of
// the roster, so a shrunken roster cannot lower the bar.
func (e *Engine) buildCollector(r *round, value float64, contributors []string) (*signer.Collector, error) {
	threshold := int(math.Ceil(e.cfg.ThresholdFraction * float64(len(r.req.Eligible))))
	if threshold < 1 {
		threshold = 1
	}

	keys := make(map[string][]byte, len(contributors))
	for _, id := range contributors {
		pk, err := e.ledger.PublicKey(id)
		if err != nil {
			return nil, fmt.Errorf("looking up public key for %s: %w", id, err)
		}
		keys[id] = pk
	}

	message := signer.CanonicalMessage(r.req.FeedID, r.req.RoundID, value)
	return signer.NewCollector(message, threshold, keys)
}

// signerBitmap maps signer IDs to their indices in the round's eligible
// set ordering.
func (e *Engine) signerBitmap(eligible, signers []string) []byte {
	index := make(map[string]int, len(eligible))
	for i, id := range eligible {
		index[id] = i
	}
	indices := make([]int, 0, len(signers))
	for _, id := range signers {
		if i, ok := index[id]; ok {
			indices = append(indices, i)
		}
	}
	return signer.SignerBitmap(indices, len(eligible))
}

// fillAbsentOutcomes adds missed-deadline and hash-mismatch outcomes
// for eligible validators the aggregator never saw.
func (e *Engine) fillAbsentOutcomes(r *round, outcomes map[string]security.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, outcome := range r.faults {
		outcomes[id] = outcome
	}
	for _, id := range r.req.Eligible {
		if _, ok := outcomes[id]; !ok {
			outcomes[id] = security.OutcomeMissedDeadline
		}
	}
}

// failRound moves a round to Failed, records reputation outcomes,
// persists the archive and emits the terminal event.
func (e *Engine) failRound(r *round, reason string, outcomes map[string]security.Outcome) {
	if !r.fail(reason) {
		return
	}
	e.recordOutcomes(r.req.RoundID, outcomes)
	if err := e.persistArchive(r); err != nil {
		e.logger.Error("failed to persist failed round archive",
			zap.String("round_id", r.req.RoundID),
			zap.Error(err))
	}
	e.metrics.RoundFailed()
	e.emit(Event{
		Kind:        EventRoundFailed,
		RoundID:     r.req.RoundID,
		FeedID:      r.req.FeedID,
		RoundNumber: r.req.RoundNumber,
		Reason:      reason,
	})
}

// finishCancelled archives and announces a round that was cancelled
// from outside the run loop.
func (e *Engine) finishCancelled(r *round) {
	if err := e.persistArchive(r); err != nil {
		e.logger.Error("failed to persist cancelled round archive",
			zap.String("round_id", r.req.RoundID),
			zap.Error(err))
	}
	e.metrics.RoundCancelled()
	e.emit(Event{
		Kind:        EventRoundFailed,
		RoundID:     r.req.RoundID,
		FeedID:      r.req.FeedID,
		RoundNumber: r.req.RoundNumber,
		Reason:      "cancelled",
	})
}

func (e *Engine) recordOutcomes(roundID string, outcomes map[string]security.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.ledger.Record(ctx, roundID, outcomes); err != nil {
		e.logger.Error("failed to record round outcomes",
			zap.String("round_id", roundID),
			zap.Error(err))
	}
}

func (e *Engine) persistArchive(r *round) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.repo.SaveRoundArchive(ctx, r.archive())
}

// SubmitCommitment records a validator's commitment hash for a round
func (e *Engine) SubmitCommitment(ctx context.Context, roundID, validatorID, hash string) error {
	r, err := e.getRound(roundID)
	if err != nil {
		e.metrics.Commitment(false)
		return err
	}
	if err := r.submitCommitment(validatorID, hash, time.Now().UTC()); err != nil {
		e.metrics.Commitment(false)
		return err
	}
	e.metrics.Commitment(true)
	return nil
}

// SubmitReveal records a validator's revealed value and nonce
func (e *Engine) SubmitReveal(ctx context.Context, roundID, validatorID string, value float64, nonce string) error {
	r, err := e.getRound(roundID)
	if err != nil {
		e.metrics.Reveal(false)
		return err
	}
	if err := r.submitReveal(validatorID, value, nonce, time.Now().UTC()); err != nil {
		e.metrics.Reveal(false)
		return err
	}
	e.metrics.Reveal(true)
	return nil
}

// SubmitSignatureShare records a validator's partial signature over the
// round's finalized value.
func (e *Engine) SubmitSignatureShare(ctx context.Context, roundID, validatorID string, share []byte) error {
	r, err := e.getRound(roundID)
	if err != nil {
		e.metrics.Share(false)
		return err
	}
	if _, err := r.submitShare(validatorID, share); err != nil {
		e.metrics.Share(false)
		return err
	}
	e.metrics.Share(true)
	return nil
}

// GetRoundStatus returns a snapshot of a round's progress
func (e *Engine) GetRoundStatus(roundID string) (*RoundStatus, error) {
	r, err := e.getRound(roundID)
	if err != nil {
		return nil, err
	}
	return r.status(), nil
}

// CancelRound aborts a round that has not yet closed its commit window
func (e *Engine) CancelRound(roundID string) error {
	r, err := e.getRound(roundID)
	if err != nil {
		return err
	}
	return r.cancel()
}

func (e *Engine) getRound(roundID string) (*round, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rounds[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return r, nil
}

// scheduleCleanup drops the round from the index after the configured
// delay, leaving a window for late status queries.
func (e *Engine) scheduleCleanup(roundID string) {
	delay := e.cfg.CleanupDelay
	if delay <= 0 {
		delay = time.Minute
	}
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.rounds, roundID)
		e.mu.Unlock()
	})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.metrics.EventDropped()
		e.logger.Warn("event buffer full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.String("round_id", ev.RoundID))
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close stops all active rounds and waits for their run loops to exit
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.isClosed() {
		close(e.closed)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
