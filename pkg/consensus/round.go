package consensus

import (
	"sync"
	"time"

	"oracle_consensus/pkg/data"
	"oracle_consensus/pkg/security"
	"oracle_consensus/pkg/signer"
)

// round holds the mutable state of a single consensus round. All state
// transitions happen under mu; the engine's run loop and submission
// handlers share the same instance.
type round struct {
	mu sync.Mutex

	req   *data.DataRequest
	state string

	commitments map[string]*data.Commitment
	reveals     map[string]*data.Reveal

	// faults records validators whose reveal failed verification; they
	// stay excluded even if they retry with a matching value later.
	faults map[string]security.Outcome

	// revealed tracks every eligible validator that attempted a reveal,
	// valid or not, to drive the early phase transition.
	revealed map[string]bool

	collector *signer.Collector
	aggregate *data.AggregateResult
	signed    *data.SignedResult

	// allRevealed closes once every eligible validator has attempted a
	// reveal. Closed at most once, guarded by revealDone.
	allRevealed chan struct{}
	revealDone  bool

	// shareReady closes once the signature collector reaches threshold
	shareReady chan struct{}
	shareOnce  sync.Once

	// cancelled closes when the round is cancelled so the run loop can
	// stop waiting on phase timers
	cancelled chan struct{}

	// finished closes after the run loop has archived the round and
	// emitted its terminal event
	finished chan struct{}

	failureReason string
}

func newRound(req *data.DataRequest) *round {
	return &round{
		req:         req,
		state:       data.RoundStateCommitting,
		commitments: make(map[string]*data.Commitment, len(req.Eligible)),
		reveals:     make(map[string]*data.Reveal, len(req.Eligible)),
		faults:      make(map[string]security.Outcome),
		revealed:    make(map[string]bool, len(req.Eligible)),
		allRevealed: make(chan struct{}),
		shareReady:  make(chan struct{}),
		cancelled:   make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// submitCommitment records a validator's commitment hash. Commitments
// are rejected after the commit window closes and duplicates from the
// same validator are rejected outright.
func (r *round) submitCommitment(validatorID, hash string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.req.IsEligible(validatorID) {
		return ErrUnknownValidator
	}

	switch r.state {
	case data.RoundStateCommitting:
	case data.RoundStateFinalized, data.RoundStateFailed:
		return ErrStaleRound
	default:
		return ErrPhaseViolation
	}

	if _, exists := r.commitments[validatorID]; exists {
		return ErrDuplicateCommitment
	}

	c, err := data.NewCommitment(validatorID, r.req.RoundID, hash)
	if err != nil {
		return err
	}
	c.SubmittedAt = now
	r.commitments[validatorID] = c
	return nil
}

// submitReveal verifies a revealed value and nonce against the
// validator's commitment. A mismatching reveal marks the validator
// faulty for the round; the first verdict per validator is final.
func (r *round) submitReveal(validatorID string, value float64, nonce string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.req.IsEligible(validatorID) {
		return ErrUnknownValidator
	}

	switch r.state {
	case data.RoundStateRevealing:
	case data.RoundStateFinalized, data.RoundStateFailed:
		return ErrStaleRound
	default:
		return ErrPhaseViolation
	}

	commitment, ok := r.commitments[validatorID]
	if !ok {
		return ErrNoCommitment
	}

	if r.revealed[validatorID] {
		if _, faulted := r.faults[validatorID]; faulted {
			return ErrHashMismatch
		}
		return ErrDuplicateReveal
	}
	r.revealed[validatorID] = true
	defer r.checkAllRevealedLocked()

	if !security.VerifyCommitment(commitment.Hash, value, nonce) {
		r.faults[validatorID] = security.OutcomeHashMismatch
		return ErrHashMismatch
	}

	reveal, err := data.NewReveal(validatorID, r.req.RoundID, value, nonce)
	if err != nil {
		return err
	}
	reveal.SubmittedAt = now
	r.reveals[validatorID] = reveal
	return nil
}

// checkAllRevealedLocked closes allRevealed once every eligible
// validator has attempted a reveal. Callers hold mu.
func (r *round) checkAllRevealedLocked() {
	if r.revealDone {
		return
	}
	for _, id := range r.req.Eligible {
		if _, committed := r.commitments[id]; !committed {
			// A validator that never committed cannot reveal; only
			// committed validators gate the early transition.
			continue
		}
		if !r.revealed[id] {
			return
		}
	}
	r.revealDone = true
	close(r.allRevealed)
}

// closeCommit transitions the round from accepting commitments to
// accepting reveals. Idempotent; a no-op once the round has moved on.
func (r *round) closeCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != data.RoundStateCommitting {
		return false
	}
	r.state = data.RoundStateRevealing
	// If nobody committed there is nothing to wait for.
	r.checkAllRevealedLocked()
	return true
}

// closeReveal transitions the round to aggregation and returns the
// valid reveals. Idempotent; returns false once the round has moved on.
func (r *round) closeReveal() (map[string]float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != data.RoundStateRevealing {
		return nil, false
	}
	r.state = data.RoundStateAggregating

	values := make(map[string]float64, len(r.reveals))
	for id, reveal := range r.reveals {
		values[id] = reveal.Value
	}
	return values, true
}

// beginSigning installs the share collector and moves the round into
// the signing phase.
func (r *round) beginSigning(agg *data.AggregateResult, collector *signer.Collector) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != data.RoundStateAggregating {
		return false
	}
	r.state = data.RoundStateSigning
	r.aggregate = agg
	r.collector = collector
	return true
}

// submitShare forwards a partial signature to the round's collector and
// reports whether the threshold was just reached.
func (r *round) submitShare(validatorID string, share []byte) (bool, error) {
	r.mu.Lock()
	if r.state != data.RoundStateSigning {
		defer r.mu.Unlock()
		switch r.state {
		case data.RoundStateFinalized, data.RoundStateFailed:
			return false, ErrStaleRound
		default:
			return false, ErrPhaseViolation
		}
	}
	collector := r.collector
	r.mu.Unlock()

	// Signature verification is expensive; keep it outside the round
	// lock. The collector has its own.
	if err := collector.Add(validatorID, share); err != nil {
		return false, err
	}
	if collector.Ready() {
		r.shareOnce.Do(func() { close(r.shareReady) })
		return true, nil
	}
	return false, nil
}

// finalize records the signed result and moves the round to its
// terminal success state.
func (r *round) finalize(signed *data.SignedResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != data.RoundStateSigning {
		return false
	}
	r.state = data.RoundStateFinalized
	r.signed = signed
	return true
}

// fail moves the round to its terminal failure state. Returns false if
// the round already reached a terminal state.
func (r *round) fail(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == data.RoundStateFinalized || r.state == data.RoundStateFailed {
		return false
	}
	r.state = data.RoundStateFailed
	r.failureReason = reason
	return true
}

// cancellable reports whether the round has not yet passed the commit
// deadline. Cancellation after reveals begin would leak committed
// values without an outcome.
func (r *round) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case data.RoundStateCollecting, data.RoundStateCommitting:
		r.state = data.RoundStateFailed
		r.failureReason = "cancelled"
		close(r.cancelled)
		return nil
	case data.RoundStateFailed, data.RoundStateFinalized:
		return ErrStaleRound
	default:
		return ErrNotCancellable
	}
}

// status snapshots the round's progress for observers
func (r *round) status() *RoundStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	shares := 0
	if r.collector != nil {
		shares = r.collector.Count()
	}

	return &RoundStatus{
		RoundID:         r.req.RoundID,
		FeedID:          r.req.FeedID,
		RoundNumber:     r.req.RoundNumber,
		State:           r.state,
		Eligible:        len(r.req.Eligible),
		Commitments:     len(r.commitments),
		Reveals:         len(r.reveals),
		SignatureShares: shares,
		CommitDeadline:  r.req.CommitDeadline,
		RevealDeadline:  r.req.RevealDeadline,
		FailureReason:   r.failureReason,
	}
}

// archive builds the persistent record of the round. Only valid in a
// terminal state.
func (r *round) archive() *data.RoundArchive {
	r.mu.Lock()
	defer r.mu.Unlock()

	commitments := make([]*data.Commitment, 0, len(r.commitments))
	for _, c := range r.commitments {
		commitments = append(commitments, c)
	}
	reveals := make([]*data.Reveal, 0, len(r.reveals))
	for _, rv := range r.reveals {
		reveals = append(reveals, rv)
	}

	return &data.RoundArchive{
		RoundID:       r.req.RoundID,
		FeedID:        r.req.FeedID,
		RoundNumber:   r.req.RoundNumber,
		State:         r.state,
		Eligible:      r.req.Eligible,
		Commitments:   commitments,
		Reveals:       reveals,
		Aggregate:     r.aggregate,
		Signed:        r.signed,
		FailureReason: r.failureReason,
		ArchivedAt:    time.Now(),
	}
}
