package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies fetch failures
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindMalformed   Kind = "malformed"
)

// Observation is one raw external value fetched by a validator
type Observation struct {
	FeedID    string    `json:"feed_id"`
	Value     float64   `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FetchError reports a failed observation fetch. Fetch failures are
// validator-local: the validator abstains from the round, the round
// itself is unaffected.
type FetchError struct {
	FeedID string
	Kind   Kind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %s: %v", e.FeedID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps an underlying failure with its classification
func NewFetchError(feedID string, kind Kind, err error) *FetchError {
	return &FetchError{FeedID: feedID, Kind: kind, Err: err}
}

// IsFetchError reports whether err is a FetchError
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Fetcher supplies raw observations for data feeds. Implementations are
// external collaborators (HTTP clients, exchange adapters); each
// validator carries its own instance and may fail independently.
type Fetcher interface {
	Fetch(ctx context.Context, feedID string) (*Observation, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface
type FetcherFunc func(ctx context.Context, feedID string) (*Observation, error)

func (f FetcherFunc) Fetch(ctx context.Context, feedID string) (*Observation, error) {
	return f(ctx, feedID)
}

// StaticFetcher returns a fixed value for every feed; used in tests and
// local development.
func StaticFetcher(value float64) Fetcher {
	return FetcherFunc(func(_ context.Context, feedID string) (*Observation, error) {
		return &Observation{
			FeedID:    feedID,
			Value:     value,
			FetchedAt: time.Now().UTC(),
		}, nil
	})
}
