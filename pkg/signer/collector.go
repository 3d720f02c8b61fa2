package signer

import (
	"fmt"
	"sort"
	"sync"
)

// Collector accumulates verified partial signatures over a single
// message until a threshold is reached. Shares may arrive in any order
// and duplicates from the same validator are ignored.
type Collector struct {
	mu        sync.Mutex
	message   []byte
	threshold int
	keys      map[string][]byte
	shares    map[string][]byte
}

// NewCollector creates a collector for the given message. keys maps
// each permitted validator ID to its compressed public key; threshold
// is the number of distinct valid shares required.
func NewCollector(message []byte, threshold int, keys map[string][]byte) (*Collector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	if threshold > len(keys) {
		return nil, fmt.Errorf("threshold %d exceeds roster size %d", threshold, len(keys))
	}

	return &Collector{
		message:   message,
		threshold: threshold,
		keys:      keys,
		shares:    make(map[string][]byte),
	}, nil
}

// Add verifies and records a partial signature from a validator.
// A share from an unknown validator or one that fails verification is
// rejected. Re-submitting an identical share is a no-op.
func (c *Collector) Add(validatorID string, share []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, ok := c.keys[validatorID]
	if !ok {
		return fmt.Errorf("validator %s is not in the signing roster", validatorID)
	}

	if _, exists := c.shares[validatorID]; exists {
		return nil
	}

	if !Verify(share, c.message, pk) {
		return fmt.Errorf("invalid signature share from validator %s", validatorID)
	}

	c.shares[validatorID] = share
	return nil
}

// Count returns the number of distinct valid shares collected
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shares)
}

// Ready reports whether the threshold has been reached
func (c *Collector) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shares) >= c.threshold
}

// Combine aggregates the collected shares into a single signature and
// returns it with the sorted set of contributing validator IDs.
func (c *Collector) Combine() ([]byte, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.shares) < c.threshold {
		return nil, nil, fmt.Errorf("have %d shares, need %d", len(c.shares), c.threshold)
	}

	signers := make([]string, 0, len(c.shares))
	for id := range c.shares {
		signers = append(signers, id)
	}
	sort.Strings(signers)

	sigs := make([][]byte, len(signers))
	for i, id := range signers {
		sigs[i] = c.shares[id]
	}

	combined, err := Combine(sigs)
	if err != nil {
		return nil, nil, fmt.Errorf("combining signature shares: %w", err)
	}

	return combined, signers, nil
}
