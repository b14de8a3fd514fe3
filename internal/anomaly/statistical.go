// Package anomaly implements the ensemble anomaly detector: a statistical
// z-score detector, a rule-based heuristic detector, and a trained
// tree-ensemble scorer combined under adaptive weights.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/echopay/fraud-detection/internal/features"
)

// neutralScore is returned by any detector that has no trained state.
const neutralScore = 0.5

// featureStats holds the learned distribution of a single feature.
type featureStats struct {
	Mean   float64
	Median float64
	Stddev float64
}

// StatisticalDetector learns per-feature robust statistics from a training
// batch and scores deviation from the learned distribution.
type StatisticalDetector struct {
	mu      sync.RWMutex
	stats   map[string]featureStats
	trained bool
}

// StatisticalSummary reports the outcome of a statistical training pass.
type StatisticalSummary struct {
	FeaturesAnalyzed int `json:"featuresAnalyzed"`
	SamplesUsed      int `json:"samplesUsed"`
}

// NewStatisticalDetector creates an untrained statistical detector.
func NewStatisticalDetector() *StatisticalDetector {
	return &StatisticalDetector{stats: make(map[string]featureStats)}
}

// Train fits per-feature mean/median/stddev over the sample batch.
func (d *StatisticalDetector) Train(samples []features.FeatureVector) (StatisticalSummary, error) {
	if len(samples) == 0 {
		return StatisticalSummary{}, fmt.Errorf("statistical detector: empty training batch")
	}

	byFeature := make(map[string][]float64)
	for _, fv := range samples {
		for name, v := range fv {
			byFeature[name] = append(byFeature[name], v)
		}
	}

	stats := make(map[string]featureStats, len(byFeature))
	for name, values := range byFeature {
		stats[name] = computeStats(values)
	}

	d.mu.Lock()
	d.stats = stats
	d.trained = true
	d.mu.Unlock()

	return StatisticalSummary{
		FeaturesAnalyzed: len(stats),
		SamplesUsed:      len(samples),
	}, nil
}

// Trained reports whether the detector has fitted statistics.
func (d *StatisticalDetector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trained
}

// Score returns the mean absolute z-score across known features, squashed
// into [0,1]. Untrained detectors return the neutral 0.5.
func (d *StatisticalDetector) Score(fv features.FeatureVector) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return neutralScore
	}

	var totalZ float64
	var n int
	for name, v := range fv {
		st, ok := d.stats[name]
		if !ok {
			continue
		}
		stddev := st.Stddev
		if stddev < 1e-9 {
			stddev = 1e-9
		}
		totalZ += math.Abs(v-st.Mean) / stddev
		n++
	}
	if n == 0 {
		return neutralScore
	}

	avgZ := totalZ / float64(n)
	// z/(z+2): 0 at the mean, 0.5 at two stddevs, asymptotically 1.
	// Strictly increasing, so larger deviations always score higher.
	return avgZ / (avgZ + 2.0)
}

// FeatureStats returns the learned statistics for one feature, if present.
func (d *StatisticalDetector) FeatureStats(name string) (mean, median, stddev float64, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.stats[name]
	return st.Mean, st.Median, st.Stddev, ok
}

func computeStats(values []float64) featureStats {
	n := float64(len(values))

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var varianceSum float64
	for _, v := range values {
		diff := v - mean
		varianceSum += diff * diff
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return featureStats{
		Mean:   mean,
		Median: median,
		Stddev: math.Sqrt(varianceSum / n),
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
