package risk

import (
	"fmt"
	"math"
	"sync"
)

// Default component weights for the ensemble fusion.
const (
	DefaultBehavioralWeight = 0.35
	DefaultGraphWeight      = 0.30
	DefaultAnomalyWeight    = 0.25
	DefaultRuleBasedWeight  = 0.10
)

// Weights maps component names to fusion weights.
type Weights map[string]float64

// DefaultWeights returns the stock fusion weights.
func DefaultWeights() Weights {
	return Weights{
		ComponentBehavioral: DefaultBehavioralWeight,
		ComponentGraph:      DefaultGraphWeight,
		ComponentAnomaly:    DefaultAnomalyWeight,
		ComponentRuleBased:  DefaultRuleBasedWeight,
	}
}

// componentDefaults substitutes for NaN inputs. The rule-based component is
// computed locally, so its NaN fallback is simply 0.
var componentDefaults = map[string]float64{
	ComponentBehavioral: DefaultBehavioralScore,
	ComponentGraph:      DefaultGraphScore,
	ComponentAnomaly:    DefaultAnomalyScore,
	ComponentRuleBased:  0,
}

// Calculator fuses component scores into one overall score plus a
// confidence value. Weight updates swap the whole map so concurrent scoring
// never observes a partial set.
type Calculator struct {
	mu      sync.RWMutex
	weights Weights
}

// NewCalculator creates a calculator with the given weights, falling back to
// the defaults when w is invalid.
func NewCalculator(w Weights) *Calculator {
	if err := ValidateWeights(w); err != nil {
		w = DefaultWeights()
	}
	return &Calculator{weights: copyWeights(w)}
}

// ValidateWeights checks that w covers exactly the four components with
// non-negative values summing to 1 within tolerance.
func ValidateWeights(w Weights) error {
	defaults := DefaultWeights()
	if len(w) != len(defaults) {
		return fmt.Errorf("%w: expected %d weights, got %d", ErrInvalidConfig, len(defaults), len(w))
	}
	var sum float64
	for name := range defaults {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("%w: missing weight for %q", ErrInvalidConfig, name)
		}
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("%w: weight %v for %q", ErrInvalidConfig, v, name)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidConfig, sum)
	}
	return nil
}

// Weights returns a copy of the current fusion weights.
func (c *Calculator) Weights() Weights {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyWeights(c.weights)
}

// SetWeights atomically replaces the fusion weights. Invalid weights are
// rejected and the current set kept.
func (c *Calculator) SetWeights(w Weights) error {
	if err := ValidateWeights(w); err != nil {
		return err
	}
	c.mu.Lock()
	c.weights = copyWeights(w)
	c.mu.Unlock()
	return nil
}

// EnsembleScore computes the weighted overall score and a confidence value.
// Out-of-range component inputs are clamped to the nearest bound; NaN inputs
// take the component's documented default. Confidence is 1 minus the spread
// of the sanitized components, so agreement scores high and divergence low.
func (c *Calculator) EnsembleScore(components ComponentScores) (score, confidence float64) {
	c.mu.RLock()
	weights := c.weights
	c.mu.RUnlock()

	sanitized := make([]float64, 0, len(weights))
	for name, w := range weights {
		v := sanitizeComponent(name, components)
		score += w * v
		sanitized = append(sanitized, v)
	}
	score = clamp01(score)

	confidence = 1.0 - spread(sanitized)
	return score, clamp01(confidence)
}

// Sanitize returns the component scores with missing, NaN, and out-of-range
// values replaced, for inclusion in the assessment.
func Sanitize(components ComponentScores) ComponentScores {
	out := make(ComponentScores, len(componentDefaults))
	for name := range componentDefaults {
		out[name] = sanitizeComponent(name, components)
	}
	return out
}

// sanitizeComponent applies the defaulting policy: absent or NaN values take
// the component default, out-of-range values clamp to the nearest bound.
func sanitizeComponent(name string, components ComponentScores) float64 {
	v, ok := components[name]
	if !ok || math.IsNaN(v) {
		return componentDefaults[name]
	}
	return clamp01(v)
}

// spread is the max-min range of the values, itself in [0,1] for unit-range
// inputs.
func spread(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func copyWeights(w Weights) Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
