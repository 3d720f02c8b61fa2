package security

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"oracle_consensus/pkg/data"
)

// Outcome classifies a validator's behavior in a finalized round. The
// aggregator and reveal reconciler produce these tags; the ledger is the
// only component that turns them into score changes.
type Outcome string

const (
	// OutcomeAccurate marks a timely reveal within tolerance of the aggregate
	OutcomeAccurate Outcome = "ACCURATE"
	// OutcomeOutlier marks a reveal discarded by deviation rejection
	OutcomeOutlier Outcome = "OUTLIER"
	// OutcomeMissedDeadline marks a validator that never revealed in time
	OutcomeMissedDeadline Outcome = "MISSED_DEADLINE"
	// OutcomeHashMismatch marks a reveal that failed commitment verification
	OutcomeHashMismatch Outcome = "HASH_MISMATCH"
	// OutcomeCollusion marks an outlier shared by a coordinated minority
	OutcomeCollusion Outcome = "COLLUSION"
)

// Params holds the scoring constants applied by the ledger. Penalties
// must increase with severity: miss < wrong value < collusion.
type Params struct {
	InitialScore        float64
	AccuracyBonus       float64
	MissPenalty         float64
	WrongValuePenalty   float64
	CollusionPenalty    float64
	SlashFraction       float64
	MinEligibleScore    float64
	MaxConsecutiveFails int
	Cooldown            time.Duration
}

// DefaultParams returns the default scoring parameters
func DefaultParams() Params {
	return Params{
		InitialScore:        0.5,
		AccuracyBonus:       0.05,
		MissPenalty:         0.05,
		WrongValuePenalty:   0.15,
		CollusionPenalty:    0.4,
		SlashFraction:       0.1,
		MinEligibleScore:    0.2,
		MaxConsecutiveFails: 3,
		Cooldown:            time.Hour,
	}
}

// ApplyOutcome computes the successor of a validator record for one round
// outcome. It is a pure function: the input record is not mutated, and
// the same inputs always produce the same successor. The ledger applies
// it under the validator's lock.
func ApplyOutcome(rec data.ValidatorRecord, roundID string, outcome Outcome, p Params, now time.Time) data.ValidatorRecord {
	next := *rec.Clone()

	switch outcome {
	case OutcomeAccurate:
		// Asymptotic approach keeps the score strictly below 1.0.
		next.ReputationScore += p.AccuracyBonus * (1 - next.ReputationScore)
		next.ConsecutiveFailures = 0
	case OutcomeMissedDeadline:
		next.ReputationScore -= p.MissPenalty
		next.ConsecutiveFailures++
	case OutcomeOutlier, OutcomeHashMismatch:
		next.ReputationScore -= p.WrongValuePenalty
		next.ConsecutiveFailures++
	case OutcomeCollusion:
		next.ReputationScore -= p.CollusionPenalty
		next.ConsecutiveFailures++
		amount := next.StakeWeight * p.SlashFraction
		next.StakeWeight -= amount
		next.SlashHistory = append(next.SlashHistory, data.SlashEvent{
			RoundID:    roundID,
			Fraction:   p.SlashFraction,
			Amount:     amount,
			Reason:     string(OutcomeCollusion),
			OccurredAt: now,
		})
	}

	next.ReputationScore = math.Max(0, math.Min(1, next.ReputationScore))

	if next.ConsecutiveFailures >= p.MaxConsecutiveFails {
		next.SuspendedUntil = now.Add(p.Cooldown)
	}

	next.Rounds++
	next.UpdatedAt = now
	return next
}

// Ledger is the process-wide reputation state spanning rounds. Record
// updates for the same validator serialize on a per-validator lock;
// updates for disjoint validators proceed in parallel.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*ledgerEntry
	repo    data.Repository
	logger  *zap.Logger
	params  Params
}

type ledgerEntry struct {
	mu     sync.Mutex
	record *data.ValidatorRecord
}

// NewLedger creates a reputation ledger backed by the given repository
func NewLedger(repo data.Repository, logger *zap.Logger, params Params) *Ledger {
	return &Ledger{
		entries: make(map[string]*ledgerEntry),
		repo:    repo,
		logger:  logger,
		params:  params,
	}
}

// Load populates the ledger from persisted validator records
func (l *Ledger) Load(ctx context.Context) error {
	records, err := l.repo.ListValidatorRecords(ctx, data.ValidatorFilter{})
	if err != nil {
		return fmt.Errorf("loading validator records: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		l.entries[rec.ValidatorID] = &ledgerEntry{record: rec}
	}
	return nil
}

// Register adds a new validator to the ledger with a neutral score.
// Re-registering an existing validator with the same public key is a
// no-op, so a node restarting against a populated repository keeps its
// accumulated record; a different key for a known identity is rejected.
func (l *Ledger) Register(ctx context.Context, validatorID string, publicKey []byte, stake float64) error {
	rec, err := data.NewValidatorRecord(validatorID, publicKey, stake, l.params.InitialScore)
	if err != nil {
		return fmt.Errorf("creating validator record: %w", err)
	}

	l.mu.Lock()
	if existing, exists := l.entries[validatorID]; exists {
		l.mu.Unlock()
		existing.mu.Lock()
		sameKey := bytes.Equal(existing.record.PublicKey, publicKey)
		existing.mu.Unlock()
		if !sameKey {
			return fmt.Errorf("validator %s already registered with a different key", validatorID)
		}
		return nil
	}
	l.entries[validatorID] = &ledgerEntry{record: rec}
	l.mu.Unlock()

	if err := l.repo.SaveValidatorRecord(ctx, rec); err != nil {
		return fmt.Errorf("saving validator record: %w", err)
	}
	return nil
}

// Record applies the outcomes of a finalized round. Each validator's
// update is computed by ApplyOutcome under that validator's lock and
// persisted before the lock is released.
func (l *Ledger) Record(ctx context.Context, roundID string, outcomes map[string]Outcome) error {
	now := time.Now().UTC()

	for validatorID, outcome := range outcomes {
		entry, err := l.entry(validatorID)
		if err != nil {
			l.logger.Warn("Outcome for unknown validator",
				zap.String("validatorID", validatorID),
				zap.String("roundID", roundID))
			continue
		}

		entry.mu.Lock()
		next := ApplyOutcome(*entry.record, roundID, outcome, l.params, now)
		entry.record = &next

		if err := l.repo.SaveValidatorRecord(ctx, &next); err != nil {
			entry.mu.Unlock()
			return fmt.Errorf("persisting validator record: %w", err)
		}
		entry.mu.Unlock()

		if outcome != OutcomeAccurate {
			l.logger.Info("Validator penalized",
				zap.String("validatorID", validatorID),
				zap.String("roundID", roundID),
				zap.String("outcome", string(outcome)),
				zap.Float64("score", next.ReputationScore))
		}
	}

	return nil
}

// Eligible returns the validators admissible for a new round: score at
// or above the eligibility floor and not suspended. The result is sorted
// for deterministic round membership.
func (l *Ledger) Eligible(now time.Time) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, entry := range l.entries {
		entry.mu.Lock()
		rec := entry.record
		ok := rec.ReputationScore >= l.params.MinEligibleScore && !now.Before(rec.SuspendedUntil)
		entry.mu.Unlock()
		if ok {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)
	return ids
}

// Weight returns the aggregation weight for a validator
func (l *Ledger) Weight(validatorID string) float64 {
	entry, err := l.entry(validatorID)
	if err != nil {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Weight()
}

// PublicKey returns a validator's signing public key
func (l *Ledger) PublicKey(validatorID string) ([]byte, error) {
	entry, err := l.entry(validatorID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return append([]byte(nil), entry.record.PublicKey...), nil
}

// Snapshot returns a copy of a validator's current record
func (l *Ledger) Snapshot(validatorID string) (*data.ValidatorRecord, error) {
	entry, err := l.entry(validatorID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Clone(), nil
}

// Stats summarizes the ledger for monitoring
type Stats struct {
	Validators   int
	Suspended    int
	AverageScore float64
}

// GetStats returns current ledger statistics
func (l *Ledger) GetStats(now time.Time) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{Validators: len(l.entries)}
	var total float64
	for _, entry := range l.entries {
		entry.mu.Lock()
		total += entry.record.ReputationScore
		if now.Before(entry.record.SuspendedUntil) {
			stats.Suspended++
		}
		entry.mu.Unlock()
	}
	if stats.Validators > 0 {
		stats.AverageScore = total / float64(stats.Validators)
	}
	return stats
}

func (l *Ledger) entry(validatorID string) (*ledgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.entries[validatorID]
	if !exists {
		return nil, fmt.Errorf("validator not found: %s", validatorID)
	}
	return entry, nil
}
