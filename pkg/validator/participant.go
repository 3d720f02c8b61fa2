package validator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"oracle_consensus/pkg/consensus"
	"oracle_consensus/pkg/fetch"
	"oracle_consensus/pkg/security"
	"oracle_consensus/pkg/signer"
)

// Submitter receives a participant's round submissions. Satisfied by
// the consensus engine directly and by the network publisher on nodes
// that are not the round coordinator.
type Submitter interface {
	SubmitCommitment(ctx context.Context, roundID, validatorID, hash string) error
	SubmitReveal(ctx context.Context, roundID, validatorID string, value float64, nonce string) error
	SubmitSignatureShare(ctx context.Context, roundID, validatorID string, share []byte) error
}

// pendingReveal holds the committed value until the reveal phase opens,
// and remembers the one aggregate value this validator has signed for
// the round.
type pendingReveal struct {
	value       float64
	nonce       string
	signed      bool
	signedValue float64
}

// Participant drives one validator's side of the protocol: observe the
// feed, commit a salted hash, reveal after the commit window closes,
// and sign the aggregate when asked.
type Participant struct {
	id      string
	keys    *signer.KeyPair
	fetcher fetch.Fetcher
	target  Submitter
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingReveal
}

func NewParticipant(id string, keys *signer.KeyPair, fetcher fetch.Fetcher, target Submitter, logger *zap.Logger) *Participant {
	return &Participant{
		id:      id,
		keys:    keys,
		fetcher: fetcher,
		target:  target,
		logger:  logger.With(zap.String("validator_id", id)),
		pending: make(map[string]pendingReveal),
	}
}

// ID returns the participant's validator identifier
func (p *Participant) ID() string {
	return p.id
}

// PublicKey returns the participant's compressed BLS public key
func (p *Participant) PublicKey() []byte {
	return p.keys.PublicKey()
}

// Run consumes round events until the context ends or the channel
// drains. Each event is handled synchronously to preserve per-round
// ordering.
func (p *Participant) Run(ctx context.Context, events <-chan consensus.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.HandleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleEvent reacts to a single round lifecycle event
func (p *Participant) HandleEvent(ctx context.Context, ev consensus.Event) {
	switch ev.Kind {
	case consensus.EventRoundStarted:
		p.commit(ctx, ev)
	case consensus.EventCommitClosed:
		p.reveal(ctx, ev)
	case consensus.EventShareRequested:
		p.sign(ctx, ev)
	case consensus.EventRoundFinalized, consensus.EventRoundFailed:
		p.forget(ev.RoundID)
	}
}

// commit fetches an observation and submits its salted hash. A fetch
// failure means the validator abstains from the round.
func (p *Participant) commit(ctx context.Context, ev consensus.Event) {
	obs, err := p.fetcher.Fetch(ctx, ev.FeedID)
	if err != nil {
		if fetch.IsFetchError(err) {
			p.logger.Warn("fetch failed, abstaining from round",
				zap.String("round_id", ev.RoundID),
				zap.String("feed_id", ev.FeedID),
				zap.Error(err))
		} else {
			p.logger.Error("fetch failed, abstaining from round",
				zap.String("round_id", ev.RoundID),
				zap.Error(err))
		}
		return
	}

	nonce, err := security.NewNonce()
	if err != nil {
		p.logger.Error("failed to generate nonce", zap.Error(err))
		return
	}

	hash := security.CommitmentHash(obs.Value, nonce)

	p.mu.Lock()
	p.pending[ev.RoundID] = pendingReveal{value: obs.Value, nonce: nonce}
	p.mu.Unlock()

	if err := p.target.SubmitCommitment(ctx, ev.RoundID, p.id, hash); err != nil {
		p.logger.Warn("commitment rejected",
			zap.String("round_id", ev.RoundID),
			zap.Error(err))
		p.forget(ev.RoundID)
	}
}

func (p *Participant) reveal(ctx context.Context, ev consensus.Event) {
	p.mu.Lock()
	pr, ok := p.pending[ev.RoundID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.target.SubmitReveal(ctx, ev.RoundID, p.id, pr.value, pr.nonce); err != nil {
		p.logger.Warn("reveal rejected",
			zap.String("round_id", ev.RoundID),
			zap.Error(err))
	}
}

// sign produces a partial signature over the announced aggregate. At
// most one value is ever signed per round: a second request with a
// different value is refused, so a forged announcement cannot collect
// shares over a value the round did not produce.
func (p *Participant) sign(ctx context.Context, ev consensus.Event) {
	p.mu.Lock()
	pr, participated := p.pending[ev.RoundID]
	if !participated {
		p.mu.Unlock()
		return
	}
	if pr.signed && pr.signedValue != ev.Value {
		p.mu.Unlock()
		p.logger.Warn("refusing to sign conflicting value for round",
			zap.String("round_id", ev.RoundID),
			zap.Float64("signed_value", pr.signedValue),
			zap.Float64("requested_value", ev.Value))
		return
	}
	pr.signed = true
	pr.signedValue = ev.Value
	p.pending[ev.RoundID] = pr
	p.mu.Unlock()

	message := signer.CanonicalMessage(ev.FeedID, ev.RoundID, ev.Value)
	share := p.keys.Sign(message)

	if err := p.target.SubmitSignatureShare(ctx, ev.RoundID, p.id, share); err != nil {
		// Expected for validators whose reveal was discarded as an
		// outlier; they are not in the signing roster.
		p.logger.Debug("signature share rejected",
			zap.String("round_id", ev.RoundID),
			zap.Error(err))
	}
}

func (p *Participant) forget(roundID string) {
	p.mu.Lock()
	delete(p.pending, roundID)
	p.mu.Unlock()
}
