package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"oracle_consensus/pkg/data"
	"oracle_consensus/pkg/security"
)

// weightTieEpsilon bounds floating point noise when the cumulative
// weight lands exactly on half the total.
const weightTieEpsilon = 1e-12

// AggregationParams controls outlier rejection and quorum checks
type AggregationParams struct {
	// MADThreshold is the multiple of the median absolute deviation
	// beyond which a reveal is discarded as an outlier
	MADThreshold float64

	// QuorumFraction is the required fraction of eligible validators
	// whose reveals must survive outlier rejection
	QuorumFraction float64

	// CollusionEpsilon is the maximum distance between two discarded
	// outliers for them to count as coordinated
	CollusionEpsilon float64
}

// revealEntry pairs a validator with its revealed value and weight
type revealEntry struct {
	validatorID string
	value       float64
	weight      float64
}

// Aggregate computes the consensus value from valid reveals. It rejects
// outliers beyond MADThreshold median absolute deviations from the raw
// median, requires a quorum of surviving reveals, and returns the
// reputation-weighted median of the survivors together with per-validator
// outcomes for the reputation ledger.
//
// The result is independent of submission order: reveals are sorted by
// value (with validator ID as tie-breaker) before any weight is consumed.
func Aggregate(reveals map[string]float64, weights map[string]float64, eligibleCount int, params AggregationParams) (float64, *data.DeviationStats, map[string]security.Outcome, error) {
	if len(reveals) == 0 {
		return 0, nil, nil, fmt.Errorf("%w: no reveals to aggregate", ErrQuorumNotMet)
	}

	values := make([]float64, 0, len(reveals))
	for _, v := range reveals {
		values = append(values, v)
	}

	rawMedian, err := stats.Median(values)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("computing raw median: %w", err)
	}

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - rawMedian)
	}
	mad, err := stats.Median(deviations)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("computing median absolute deviation: %w", err)
	}

	cutoff := params.MADThreshold * mad

	outcomes := make(map[string]security.Outcome, len(reveals))
	survivors := make([]revealEntry, 0, len(reveals))
	var discarded []revealEntry
	for id, v := range reveals {
		if math.Abs(v-rawMedian) > cutoff {
			discarded = append(discarded, revealEntry{validatorID: id, value: v})
			continue
		}
		w := weights[id]
		if w <= 0 {
			// A zero-weight survivor cannot move the median but still
			// counts toward quorum; give it a floor so ties resolve.
			w = math.SmallestNonzeroFloat64
		}
		survivors = append(survivors, revealEntry{validatorID: id, value: v, weight: w})
		outcomes[id] = security.OutcomeAccurate
	}

	markDiscarded(discarded, params.CollusionEpsilon, outcomes)

	quorum := int(math.Ceil(params.QuorumFraction * float64(eligibleCount)))
	if len(survivors) < quorum {
		return 0, nil, outcomes, fmt.Errorf("%w: %d of %d required reveals survived", ErrQuorumNotMet, len(survivors), quorum)
	}

	value := weightedMedian(survivors)

	devStats := &data.DeviationStats{
		Median:            rawMedian,
		MAD:               mad,
		Min:               survivors[0].value,
		Max:               survivors[len(survivors)-1].value,
		OutliersDiscarded: len(discarded),
	}

	return value, devStats, outcomes, nil
}

// weightedMedian returns the value at which cumulative weight crosses
// half the total. When the cumulative weight lands exactly on half, the
// result is the average of the straddling values. Sorts its input.
func weightedMedian(entries []revealEntry) float64 {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value < entries[j].value
		}
		return entries[i].validatorID < entries[j].validatorID
	})

	var total float64
	for _, e := range entries {
		total += e.weight
	}
	half := total / 2

	var cumulative float64
	for i, e := range entries {
		cumulative += e.weight
		if math.Abs(cumulative-half) <= weightTieEpsilon*total && i+1 < len(entries) {
			return (e.value + entries[i+1].value) / 2
		}
		if cumulative > half {
			return e.value
		}
	}
	return entries[len(entries)-1].value
}

// markDiscarded tags discarded reveals as isolated outliers or, when
// two or more land within epsilon of each other, as collusion.
func markDiscarded(discarded []revealEntry, epsilon float64, outcomes map[string]security.Outcome) {
	if len(discarded) == 0 {
		return
	}

	sort.Slice(discarded, func(i, j int) bool {
		return discarded[i].value < discarded[j].value
	})

	// Cluster adjacent values within epsilon; a cluster of size >= 2 is
	// treated as coordinated misreporting.
	start := 0
	for i := 1; i <= len(discarded); i++ {
		if i < len(discarded) && discarded[i].value-discarded[i-1].value <= epsilon {
			continue
		}
		outcome := security.OutcomeOutlier
		if i-start >= 2 {
			outcome = security.OutcomeCollusion
		}
		for j := start; j < i; j++ {
			outcomes[discarded[j].validatorID] = outcome
		}
		start = i
	}
}
