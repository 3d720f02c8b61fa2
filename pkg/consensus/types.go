package consensus

import (
	"time"

	"oracle_consensus/pkg/data"
)

// EventKind identifies the lifecycle notifications an engine emits
type EventKind string

const (
	// EventRoundStarted announces a new round accepting commitments
	EventRoundStarted EventKind = "round_started"

	// EventCommitClosed announces the commit window closed and reveals
	// are now accepted
	EventCommitClosed EventKind = "commit_closed"

	// EventShareRequested asks eligible signers for a partial signature
	// over the aggregated value
	EventShareRequested EventKind = "share_requested"

	// EventRoundFinalized announces a signed result
	EventRoundFinalized EventKind = "round_finalized"

	// EventRoundFailed announces a terminal failure
	EventRoundFailed EventKind = "round_failed"
)

// Event is a round lifecycle notification delivered to subscribers.
// Value is set for share requests; Result only for finalizations.
type Event struct {
	Kind           EventKind
	RoundID        string
	FeedID         string
	RoundNumber    uint64
	CommitDeadline time.Time
	RevealDeadline time.Time
	Value          float64
	Result         *data.SignedResult
	Reason         string
}

// RoundStatus is a point-in-time snapshot of a round's progress
type RoundStatus struct {
	RoundID         string
	FeedID          string
	RoundNumber     uint64
	State           string
	Eligible        int
	Commitments     int
	Reveals         int
	SignatureShares int
	CommitDeadline  time.Time
	RevealDeadline  time.Time
	FailureReason   string
}

// FinalizeFunc is invoked exactly once per finalized round, after the
// archive has been durably persisted.
type FinalizeFunc func(result *data.SignedResult)
