package weight

import (
	"testing"

	"github.com/stratoform/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
)

// TestCriticalityRoundTrip verifies score -> label -> score stability for
// every defined label.
func TestCriticalityRoundTrip(t *testing.T) {
	labels := []types.Criticality{
		types.CriticalityCritical,
		types.CriticalityHigh,
		types.CriticalityMedium,
		types.CriticalityLow,
		types.CriticalityInfo,
	}

	for _, label := range labels {
		t.Run(string(label), func(t *testing.T) {
			assert.Equal(t, label, ScoreToCriticality(CriticalityToScore(label)))
		})
	}
}

func TestCriticalityToScore(t *testing.T) {
	tests := []struct {
		label    types.Criticality
		expected float64
	}{
		{types.CriticalityCritical, 1.0},
		{types.CriticalityHigh, 0.75},
		{types.CriticalityMedium, 0.5},
		{types.CriticalityLow, 0.25},
		{types.CriticalityInfo, 0.1},
		{types.Criticality("BOGUS"), 0.5},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, CriticalityToScore(tt.label), string(tt.label))
	}
}

func TestCriticalityScore(t *testing.T) {
	base := CriticalityInput{
		SourceCriticality:  1.0,
		TargetCriticality:  1.0,
		BusinessImpact:     1.0,
		RedundancyLevel:    1,
		HistoricalFailures: 0,
		RecoveryComplexity: 1.0,
	}

	score := CriticalityScore(base)
	assert.GreaterOrEqual(t, score, 0.80)
	assert.LessOrEqual(t, score, 1.00)

	// More redundancy strictly lowers the score
	redundant := base
	redundant.RedundancyLevel = 5
	assert.Less(t, CriticalityScore(redundant), score)
}

func TestCriticalityScoreClamping(t *testing.T) {
	tests := []struct {
		name string
		in   CriticalityInput
	}{
		{"all zero", CriticalityInput{}},
		{"negative factors", CriticalityInput{
			SourceCriticality:  -5,
			TargetCriticality:  -5,
			BusinessImpact:     -1,
			RedundancyLevel:    -3,
			HistoricalFailures: -100,
			RecoveryComplexity: -1,
		}},
		{"gigantic factors", CriticalityInput{
			SourceCriticality:  1e9,
			TargetCriticality:  1e9,
			BusinessImpact:     1e9,
			RedundancyLevel:    1,
			HistoricalFailures: 1 << 30,
			RecoveryComplexity: 1e9,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := CriticalityScore(tt.in)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		})
	}
}

func TestLoadFactor(t *testing.T) {
	tests := []struct {
		name     string
		in       LoadInput
		expected float64
	}{
		{
			name:     "half utilization",
			in:       LoadInput{RequestsPerSecond: 50, PeakRequests: 50, Capacity: 100, ManualWeight: 50},
			expected: 0.5*50 + 0.3*50 + 0.2*50,
		},
		{
			name:     "zero capacity coerced to one",
			in:       LoadInput{RequestsPerSecond: 0, PeakRequests: 0, Capacity: 0, ManualWeight: 0},
			expected: 0,
		},
		{
			name:     "overload clamps at 100",
			in:       LoadInput{RequestsPerSecond: 1e6, PeakRequests: 1e6, Capacity: 1, ManualWeight: 100},
			expected: 100,
		},
		{
			name:     "negative load clamps at 0",
			in:       LoadInput{RequestsPerSecond: -500, PeakRequests: -500, Capacity: 100, ManualWeight: 0},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, LoadFactor(tt.in), 1e-9)
		})
	}
}

func TestOverallWeight(t *testing.T) {
	t.Run("zero latency gives full latency factor", func(t *testing.T) {
		w := OverallWeight(OverallInput{
			CriticalityScore: 1.0,
			LoadFactor:       100,
			LatencyMs:        0,
			RedundancyLevel:  1,
		})
		assert.InDelta(t, 1.0, w, 1e-9)
	})

	t.Run("latency at ceiling zeroes latency factor", func(t *testing.T) {
		w := OverallWeight(OverallInput{
			CriticalityScore: 0,
			LoadFactor:       0,
			LatencyMs:        5000,
			MaxLatencyMs:     1000,
			RedundancyLevel:  1,
		})
		assert.InDelta(t, 0.10, w, 1e-9)
	})

	t.Run("output stays in range for hostile input", func(t *testing.T) {
		w := OverallWeight(OverallInput{
			CriticalityScore: 1e9,
			LoadFactor:       1e9,
			LatencyMs:        -50,
			RedundancyLevel:  -4,
		})
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
	})
}
