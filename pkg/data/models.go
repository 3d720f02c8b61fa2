package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"oracle_consensus/pkg/utils"
)

// Error variables for consistent error handling
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicate        = errors.New("duplicate record")
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidValue     = errors.New("invalid observation value")
	ErrInvalidDeadline  = errors.New("invalid phase deadline")
	ErrMissingNonce     = errors.New("missing reveal nonce")
	ErrMissingHash      = errors.New("missing commitment hash")
	ErrEmptyEligibleSet = errors.New("eligible validator set cannot be empty")
)

// Round states for the per-request state machine.
const (
	RoundStateCollecting  = "collecting"
	RoundStateCommitting  = "committing"
	RoundStateRevealing   = "revealing"
	RoundStateAggregating = "aggregating"
	RoundStateSigning     = "signing"
	RoundStateFinalized   = "finalized"
	RoundStateFailed      = "failed"
)

// DataRequest identifies one consensus round for a data feed.
// Immutable once created; the round number is monotonic per feed.
type DataRequest struct {
	RoundID        string    `json:"round_id"`
	FeedID         string    `json:"feed_id"`
	RoundNumber    uint64    `json:"round_number"`
	Eligible       []string  `json:"eligible"`
	CommitDeadline time.Time `json:"commit_deadline"`
	RevealDeadline time.Time `json:"reveal_deadline"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewDataRequest creates a new DataRequest with validation.
func NewDataRequest(feedID string, roundNumber uint64, eligible []string, commitWindow, revealWindow time.Duration) (*DataRequest, error) {
	if feedID == "" {
		return nil, errors.New("feed ID cannot be empty")
	}
	if len(eligible) == 0 {
		return nil, ErrEmptyEligibleSet
	}
	if commitWindow <= 0 || revealWindow <= 0 {
		return nil, ErrInvalidDeadline
	}

	now := time.Now().UTC()
	req := &DataRequest{
		RoundID:        uuid.New().String(),
		FeedID:         feedID,
		RoundNumber:    roundNumber,
		Eligible:       append([]string(nil), eligible...),
		CommitDeadline: now.Add(commitWindow),
		RevealDeadline: now.Add(commitWindow + revealWindow),
		CreatedAt:      now,
	}
	return req, nil
}

// IsEligible reports whether a validator belongs to this round's eligible set.
func (r *DataRequest) IsEligible(validatorID string) bool {
	return utils.ContainsString(r.Eligible, validatorID)
}

// Commitment binds a validator to a hidden (value, nonce) pair for a round.
type Commitment struct {
	ValidatorID string    `json:"validator_id"`
	RoundID     string    `json:"round_id"`
	Hash        string    `json:"hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewCommitment creates a Commitment with validation.
func NewCommitment(validatorID, roundID, hash string) (*Commitment, error) {
	if validatorID == "" || roundID == "" {
		return nil, ErrInvalidID
	}
	if hash == "" {
		return nil, ErrMissingHash
	}
	return &Commitment{
		ValidatorID: validatorID,
		RoundID:     roundID,
		Hash:        hash,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Reveal discloses the (value, nonce) pair behind a prior commitment.
type Reveal struct {
	ValidatorID string    `json:"validator_id"`
	RoundID     string    `json:"round_id"`
	Value       float64   `json:"value"`
	Nonce       string    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewReveal creates a Reveal with validation.
func NewReveal(validatorID, roundID string, value float64, nonce string) (*Reveal, error) {
	if validatorID == "" || roundID == "" {
		return nil, ErrInvalidID
	}
	if nonce == "" {
		return nil, ErrMissingNonce
	}
	return &Reveal{
		ValidatorID: validatorID,
		RoundID:     roundID,
		Value:       value,
		Nonce:       nonce,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// SlashEvent records one stake reduction applied to a validator.
type SlashEvent struct {
	RoundID    string    `json:"round_id"`
	Fraction   float64   `json:"fraction"`
	Amount     float64   `json:"amount"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ValidatorRecord tracks a validator's stake, reputation and participation
// history. Mutated only by the reputation ledger at round finalization;
// Rounds is a monotonic version counter incremented on every update.
type ValidatorRecord struct {
	ValidatorID         string       `json:"validator_id"`
	PublicKey           []byte       `json:"public_key"`
	StakeWeight         float64      `json:"stake_weight"`
	ReputationScore     float64      `json:"reputation_score"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SlashHistory        []SlashEvent `json:"slash_history,omitempty"`
	SuspendedUntil      time.Time    `json:"suspended_until,omitempty"`
	Rounds              uint64       `json:"rounds"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// NewValidatorRecord creates a ValidatorRecord with a neutral starting score.
func NewValidatorRecord(validatorID string, publicKey []byte, stake, initialScore float64) (*ValidatorRecord, error) {
	if validatorID == "" {
		return nil, ErrInvalidID
	}
	if len(publicKey) == 0 {
		return nil, errors.New("public key cannot be empty")
	}
	if stake <= 0 {
		return nil, errors.New("stake weight must be positive")
	}
	if initialScore < 0 || initialScore > 1 {
		return nil, errors.New("initial score must be between 0 and 1")
	}
	return &ValidatorRecord{
		ValidatorID:     validatorID,
		PublicKey:       append([]byte(nil), publicKey...),
		StakeWeight:     stake,
		ReputationScore: initialScore,
		UpdatedAt:       time.Now().UTC(),
	}, nil
}

// Weight returns the reputation-and-stake weight used for aggregation
// and quorum accounting.
func (vr *ValidatorRecord) Weight() float64 {
	return vr.ReputationScore * vr.StakeWeight
}

// Clone returns a deep copy of the record.
func (vr *ValidatorRecord) Clone() *ValidatorRecord {
	cp := *vr
	cp.PublicKey = append([]byte(nil), vr.PublicKey...)
	cp.SlashHistory = append([]SlashEvent(nil), vr.SlashHistory...)
	return &cp
}

// DeviationStats describes the spread of revealed values in a round.
type DeviationStats struct {
	Median            float64 `json:"median"`
	MAD               float64 `json:"mad"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	OutliersDiscarded int     `json:"outliers_discarded"`
}

// AggregateResult is the consensus value computed from the valid reveals
// of a round. Immutable after creation.
type AggregateResult struct {
	RoundID                string         `json:"round_id"`
	FeedID                 string         `json:"feed_id"`
	Value                  float64        `json:"value"`
	ContributingValidators []string       `json:"contributing_validators"`
	Deviation              DeviationStats `json:"deviation"`
	ComputedAt             time.Time      `json:"computed_at"`
}

// SignedResult is the terminal artifact of a finalized round.
type SignedResult struct {
	RoundID           string    `json:"round_id"`
	FeedID            string    `json:"feed_id"`
	RoundNumber       uint64    `json:"round_number"`
	Value             float64   `json:"value"`
	CombinedSignature []byte    `json:"combined_signature"`
	SignerSet         []string  `json:"signer_set"`
	SignerBitmap      []byte    `json:"signer_bitmap,omitempty"`
	FinalizedAt       time.Time `json:"finalized_at"`
}

// Validate checks if the signed result is complete.
func (sr *SignedResult) Validate() error {
	if sr.RoundID == "" {
		return ErrInvalidID
	}
	if sr.FeedID == "" {
		return errors.New("feed ID cannot be empty")
	}
	if len(sr.CombinedSignature) == 0 {
		return errors.New("combined signature cannot be empty")
	}
	if len(sr.SignerSet) == 0 {
		return errors.New("signer set cannot be empty")
	}
	return nil
}

// RoundArchive captures everything needed to replay and independently
// re-verify a round after the fact: terminal state, all commitment
// hashes, all reveals, the aggregate and the final signature.
type RoundArchive struct {
	RoundID       string           `json:"round_id"`
	FeedID        string           `json:"feed_id"`
	RoundNumber   uint64           `json:"round_number"`
	State         string           `json:"state"`
	Eligible      []string         `json:"eligible"`
	Commitments   []*Commitment    `json:"commitments"`
	Reveals       []*Reveal        `json:"reveals"`
	Aggregate     *AggregateResult `json:"aggregate,omitempty"`
	Signed        *SignedResult    `json:"signed,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	ArchivedAt    time.Time        `json:"archived_at"`
}

// Validate checks if the archive is storable.
func (ra *RoundArchive) Validate() error {
	if ra.RoundID == "" {
		return ErrInvalidID
	}
	if ra.FeedID == "" {
		return errors.New("feed ID cannot be empty")
	}
	switch ra.State {
	case RoundStateFinalized, RoundStateFailed:
	default:
		return fmt.Errorf("archive requires a terminal state, got %q", ra.State)
	}
	return nil
}
