package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle_consensus/pkg/security"
)

func defaultAggParams() AggregationParams {
	return AggregationParams{
		MADThreshold:     3.0,
		QuorumFraction:   0.667,
		CollusionEpsilon: 1e-9,
	}
}

func equalWeights(reveals map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(reveals))
	for id := range reveals {
		weights[id] = 1.0
	}
	return weights
}

func TestAggregateDiscardsOutlier(t *testing.T) {
	reveals := map[string]float64{
		"v1": 100,
		"v2": 101,
		"v3": 99,
		"v4": 102,
		"v5": 1000,
	}

	value, stats, outcomes, err := Aggregate(reveals, equalWeights(reveals), 5, defaultAggParams())
	require.NoError(t, err)

	assert.InDelta(t, 100.5, value, 1e-9)
	assert.Equal(t, 1, stats.OutliersDiscarded)
	assert.Equal(t, 101.0, stats.Median)

	assert.Equal(t, security.OutcomeOutlier, outcomes["v5"])
	for _, id := range []string{"v1", "v2", "v3", "v4"} {
		assert.Equal(t, security.OutcomeAccurate, outcomes[id], "validator %s", id)
	}
}

func TestAggregateNoOutliers(t *testing.T) {
	reveals := map[string]float64{
		"v1": 100,
		"v2": 101,
		"v3": 99,
	}

	value, stats, outcomes, err := Aggregate(reveals, equalWeights(reveals), 3, defaultAggParams())
	require.NoError(t, err)

	assert.Equal(t, 100.0, value)
	assert.Equal(t, 0, stats.OutliersDiscarded)
	assert.Len(t, outcomes, 3)
}

func TestAggregateQuorumNotMet(t *testing.T) {
	reveals := map[string]float64{
		"v1": 100,
		"v2": 101,
	}

	// 2 of 5 eligible revealed, quorum requires 4.
	_, _, outcomes, err := Aggregate(reveals, equalWeights(reveals), 5, defaultAggParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	// Revealers are still scored on what they submitted.
	assert.Equal(t, security.OutcomeAccurate, outcomes["v1"])
	assert.Equal(t, security.OutcomeAccurate, outcomes["v2"])
}

func TestAggregateEmpty(t *testing.T) {
	_, _, _, err := Aggregate(map[string]float64{}, nil, 5, defaultAggParams())
	assert.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestAggregateBoundedness(t *testing.T) {
	reveals := map[string]float64{
		"v1": 95.2,
		"v2": 100.7,
		"v3": 99.1,
		"v4": 103.4,
		"v5": 98.8,
		"v6": 101.3,
	}

	value, stats, _, err := Aggregate(reveals, equalWeights(reveals), 6, defaultAggParams())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, value, stats.Min)
	assert.LessOrEqual(t, value, stats.Max)
}

func TestAggregateWeightInfluence(t *testing.T) {
	reveals := map[string]float64{
		"v1": 99,
		"v2": 100,
		"v3": 101,
		"v4": 102,
	}
	weights := map[string]float64{
		"v1": 1,
		"v2": 1,
		"v3": 3,
		"v4": 1,
	}

	value, _, _, err := Aggregate(reveals, weights, 4, defaultAggParams())
	require.NoError(t, err)

	// Total weight 6, half 3; the cumulative crosses 3 inside v3.
	assert.Equal(t, 101.0, value)
}

func TestAggregateEvenSplitAveraged(t *testing.T) {
	reveals := map[string]float64{
		"v1": 100,
		"v2": 102,
	}

	value, _, _, err := Aggregate(reveals, equalWeights(reveals), 2, defaultAggParams())
	require.NoError(t, err)

	assert.Equal(t, 101.0, value)
}

func TestAggregateCollusionDetection(t *testing.T) {
	params := defaultAggParams()
	params.QuorumFraction = 0.5

	t.Run("CoordinatedOutliers", func(t *testing.T) {
		reveals := map[string]float64{
			"v1": 100,
			"v2": 101,
			"v3": 99,
			"v4": 102,
			"v5": 1000,
			"v6": 1000,
		}

		_, stats, outcomes, err := Aggregate(reveals, equalWeights(reveals), 6, params)
		require.NoError(t, err)

		assert.Equal(t, 2, stats.OutliersDiscarded)
		assert.Equal(t, security.OutcomeCollusion, outcomes["v5"])
		assert.Equal(t, security.OutcomeCollusion, outcomes["v6"])
	})

	t.Run("IndependentOutliers", func(t *testing.T) {
		reveals := map[string]float64{
			"v1": 100,
			"v2": 101,
			"v3": 99,
			"v4": 102,
			"v5": 1000,
			"v6": 5000,
		}

		_, _, outcomes, err := Aggregate(reveals, equalWeights(reveals), 6, params)
		require.NoError(t, err)

		assert.Equal(t, security.OutcomeOutlier, outcomes["v5"])
		assert.Equal(t, security.OutcomeOutlier, outcomes["v6"])
	})
}

func TestWeightedMedianDeterministicOnTies(t *testing.T) {
	entries := []revealEntry{
		{validatorID: "b", value: 100, weight: 1},
		{validatorID: "a", value: 100, weight: 1},
		{validatorID: "c", value: 101, weight: 1},
	}

	first := weightedMedian(append([]revealEntry(nil), entries...))
	second := weightedMedian([]revealEntry{entries[2], entries[0], entries[1]})

	assert.Equal(t, first, second)
}
