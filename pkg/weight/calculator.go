// Package weight implements the deterministic edge-scoring math: the
// criticality label/score mapping, the criticality score, the load
// factor and the overall edge weight. All functions are pure and clamp
// their inputs, so every output is guaranteed to stay inside its
// documented range regardless of what callers feed in.
package weight

import (
	"math"

	"github.com/stratoform/lattice/pkg/types"
)

// DefaultMaxLatencyMs is the latency at which the latency factor
// bottoms out when callers do not supply their own ceiling.
const DefaultMaxLatencyMs = 1000.0

// CriticalityToScore maps a criticality label to its numeric score.
// Unknown labels map to 0.5.
func CriticalityToScore(c types.Criticality) float64 {
	switch c {
	case types.CriticalityCritical:
		return 1.0
	case types.CriticalityHigh:
		return 0.75
	case types.CriticalityMedium:
		return 0.5
	case types.CriticalityLow:
		return 0.25
	case types.CriticalityInfo:
		return 0.1
	default:
		return 0.5
	}
}

// ScoreToCriticality maps a numeric score back to a label.
func ScoreToCriticality(score float64) types.Criticality {
	switch {
	case score >= 0.9:
		return types.CriticalityCritical
	case score >= 0.7:
		return types.CriticalityHigh
	case score >= 0.4:
		return types.CriticalityMedium
	case score >= 0.2:
		return types.CriticalityLow
	default:
		return types.CriticalityInfo
	}
}

// CriticalityInput holds the factors of the criticality score. The five
// real-valued factors are clamped into [0,1]; RedundancyLevel is forced
// to >= 1 and HistoricalFailures to >= 0.
type CriticalityInput struct {
	SourceCriticality  float64
	TargetCriticality  float64
	BusinessImpact     float64
	RedundancyLevel    int
	HistoricalFailures int
	RecoveryComplexity float64
}

// CriticalityScore computes the weighted criticality score in [0,1]:
// 30% endpoint criticality, 25% business impact, 15% inverse redundancy,
// 20% failure history (saturating at 100 failures), 10% recovery
// complexity.
func CriticalityScore(in CriticalityInput) float64 {
	src := clamp01(in.SourceCriticality)
	tgt := clamp01(in.TargetCriticality)
	impact := clamp01(in.BusinessImpact)
	recovery := clamp01(in.RecoveryComplexity)

	redundancy := in.RedundancyLevel
	if redundancy < 1 {
		redundancy = 1
	}
	failures := in.HistoricalFailures
	if failures < 0 {
		failures = 0
	}

	score := 0.30*((src+tgt)/2) +
		0.25*impact +
		0.15*(1/float64(redundancy)) +
		0.20*math.Min(float64(failures)/100, 1) +
		0.10*recovery

	return clamp01(score)
}

// LoadInput holds the factors of the load factor.
type LoadInput struct {
	RequestsPerSecond float64
	PeakRequests      float64
	Capacity          float64
	ManualWeight      float64 // 0-100
}

// LoadFactor computes the load factor in [0,100]: 50% sustained
// utilization, 30% peak utilization, 20% manual weighting. Capacity is
// coerced to at least 1.
func LoadFactor(in LoadInput) float64 {
	capacity := math.Max(in.Capacity, 1)

	load := 0.5*(in.RequestsPerSecond/capacity*100) +
		0.3*(in.PeakRequests/capacity*100) +
		0.2*in.ManualWeight

	return clamp(load, 0, 100)
}

// OverallInput holds the factors of the overall edge weight.
type OverallInput struct {
	CriticalityScore float64
	LoadFactor       float64 // 0-100
	LatencyMs        float64
	MaxLatencyMs     float64 // defaults to DefaultMaxLatencyMs
	RedundancyLevel  int
}

// OverallWeight computes the overall edge weight in [0,1]: 40%
// criticality, 30% load, 20% latency headroom, 10% inverse redundancy.
// The latency factor is 1 when latency is zero or unset.
func OverallWeight(in OverallInput) float64 {
	maxLatency := in.MaxLatencyMs
	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatencyMs
	}

	latencyFactor := 1.0
	if in.LatencyMs > 0 {
		latencyFactor = 1 - math.Min(in.LatencyMs/maxLatency, 1)
	}

	redundancy := in.RedundancyLevel
	if redundancy < 1 {
		redundancy = 1
	}

	w := 0.40*clamp01(in.CriticalityScore) +
		0.30*(clamp(in.LoadFactor, 0, 100)/100) +
		0.20*latencyFactor +
		0.10*(1/float64(redundancy))

	return clamp01(w)
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
