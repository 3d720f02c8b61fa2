package consensus

import "errors"

// Protocol errors returned by round operations
var (
	// ErrRoundNotFound indicates the referenced round does not exist or
	// has already been cleaned up
	ErrRoundNotFound = errors.New("round not found")

	// ErrDuplicateCommitment indicates a validator already committed in
	// this round
	ErrDuplicateCommitment = errors.New("duplicate commitment")

	// ErrDuplicateReveal indicates a validator already opened its
	// commitment in this round
	ErrDuplicateReveal = errors.New("duplicate reveal")

	// ErrStaleRound indicates a submission referenced a round that is no
	// longer accepting it
	ErrStaleRound = errors.New("stale round")

	// ErrNoCommitment indicates a reveal arrived from a validator with
	// no prior commitment in the round
	ErrNoCommitment = errors.New("reveal without commitment")

	// ErrHashMismatch indicates a revealed value and nonce do not hash
	// to the earlier commitment
	ErrHashMismatch = errors.New("reveal does not match commitment")

	// ErrPhaseViolation indicates an operation arrived in the wrong
	// round phase
	ErrPhaseViolation = errors.New("operation not valid in current phase")

	// ErrQuorumNotMet indicates too few valid reveals survived to
	// aggregate
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrInsufficientSignatures indicates the signing phase ended below
	// the signature threshold
	ErrInsufficientSignatures = errors.New("insufficient signature shares")

	// ErrNotCancellable indicates cancellation was requested after the
	// round passed the point of no return
	ErrNotCancellable = errors.New("round can no longer be cancelled")

	// ErrUnknownValidator indicates the submitting validator is not in
	// the round's eligible set
	ErrUnknownValidator = errors.New("validator not eligible for round")
)

// FaultClass groups protocol errors by who is at fault
type FaultClass string

const (
	// ProtocolViolation marks validator misbehavior: duplicates, phase
	// violations, reveals without commitments
	ProtocolViolation FaultClass = "protocol_violation"

	// ValidationFailure marks submissions that fail integrity checks
	ValidationFailure FaultClass = "validation_failure"

	// QuorumFailure marks rounds that failed from lack of participation
	QuorumFailure FaultClass = "quorum_failure"

	// SystemFault marks internal failures unrelated to validator
	// behavior
	SystemFault FaultClass = "system_fault"
)

// Classify maps a protocol error to its fault class. Unrecognized
// errors are treated as system faults.
func Classify(err error) FaultClass {
	switch {
	case errors.Is(err, ErrDuplicateCommitment),
		errors.Is(err, ErrDuplicateReveal),
		errors.Is(err, ErrStaleRound),
		errors.Is(err, ErrNoCommitment),
		errors.Is(err, ErrPhaseViolation),
		errors.Is(err, ErrUnknownValidator),
		errors.Is(err, ErrNotCancellable):
		return ProtocolViolation
	case errors.Is(err, ErrHashMismatch),
		errors.Is(err, ErrRoundNotFound):
		return ValidationFailure
	case errors.Is(err, ErrQuorumNotMet),
		errors.Is(err, ErrInsufficientSignatures):
		return QuorumFailure
	default:
		return SystemFault
	}
}
