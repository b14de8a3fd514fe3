package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/echopay/fraud-detection/internal/features"
)

// TreeSummary reports the outcome of training a tree-ensemble scorer.
type TreeSummary struct {
	SamplesTrained    int     `json:"samplesTrained"`
	FeaturesCount     int     `json:"featuresCount"`
	AnomaliesDetected int     `json:"anomaliesDetected"`
	Threshold         float64 `json:"threshold"`
}

// TreeScorer is the contract for the pre-trained tree-ensemble anomaly
// scorer. The production model is trained offline and swapped in; model
// persistence is handled outside this core.
type TreeScorer interface {
	// Score returns an anomaly score in [0,1] for the feature vector.
	// Untrained scorers return 0.5.
	Score(fv features.FeatureVector) float64
	// Train fits the model on the sample batch.
	Train(samples []features.FeatureVector, featureNames []string) (TreeSummary, error)
	// Trained reports whether a fitted model is loaded.
	Trained() bool
}

// IsolationForest is the in-process reference TreeScorer: an ensemble of
// randomized binary partition trees where short average path lengths mark
// outliers.
type IsolationForest struct {
	mu            sync.RWMutex
	trees         []*isoNode
	featureNames  []string
	sampleSize    int
	fitSampleSize int
	threshold     float64
	contamination float64
	trained       bool

	numTrees int
	seed     int64
}

type isoNode struct {
	// leaf
	size int
	// internal
	splitFeature int
	splitValue   float64
	left, right  *isoNode
}

// Forest defaults match the reference model configuration.
const (
	defaultNumTrees      = 100
	defaultSampleSize    = 256
	defaultContamination = 0.1
)

// ForestOption configures an IsolationForest.
type ForestOption func(*IsolationForest)

// WithNumTrees sets the ensemble size.
func WithNumTrees(n int) ForestOption {
	return func(f *IsolationForest) { f.numTrees = n }
}

// WithSeed fixes the random source for reproducible training.
func WithSeed(seed int64) ForestOption {
	return func(f *IsolationForest) { f.seed = seed }
}

// WithContamination sets the expected anomaly fraction used to derive the
// reported training threshold.
func WithContamination(c float64) ForestOption {
	return func(f *IsolationForest) { f.contamination = c }
}

// NewIsolationForest creates an untrained forest.
func NewIsolationForest(opts ...ForestOption) *IsolationForest {
	f := &IsolationForest{
		numTrees:      defaultNumTrees,
		sampleSize:    defaultSampleSize,
		contamination: defaultContamination,
		seed:          1,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Trained reports whether the forest holds a fitted model.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

// Train fits the forest on the sample batch. featureNames fixes the column
// order; vectors missing a feature contribute 0 for that column.
func (f *IsolationForest) Train(samples []features.FeatureVector, featureNames []string) (TreeSummary, error) {
	if len(samples) == 0 {
		return TreeSummary{}, fmt.Errorf("isolation forest: empty training batch")
	}
	if len(featureNames) == 0 {
		return TreeSummary{}, fmt.Errorf("isolation forest: no feature names")
	}

	matrix := make([][]float64, len(samples))
	for i, fv := range samples {
		matrix[i] = toColumns(fv, featureNames)
	}

	rng := rand.New(rand.NewSource(f.seed))
	sampleSize := f.sampleSize
	if sampleSize > len(matrix) {
		sampleSize = len(matrix)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	trees := make([]*isoNode, f.numTrees)
	for t := range trees {
		sub := subsample(matrix, sampleSize, rng)
		trees[t] = buildIsoTree(sub, 0, maxDepth, rng)
	}

	f.mu.Lock()
	f.trees = trees
	f.featureNames = append([]string(nil), featureNames...)
	f.fitSampleSize = sampleSize
	f.trained = true
	f.mu.Unlock()

	// Score the training set to derive the contamination threshold and
	// report how many training samples land above it.
	scores := make([]float64, len(samples))
	anomalies := 0
	for i, fv := range samples {
		scores[i] = f.Score(fv)
	}
	threshold := quantile(scores, 1.0-f.contamination)
	for _, s := range scores {
		if s > threshold {
			anomalies++
		}
	}

	f.mu.Lock()
	f.threshold = threshold
	f.mu.Unlock()

	return TreeSummary{
		SamplesTrained:    len(samples),
		FeaturesCount:     len(featureNames),
		AnomaliesDetected: anomalies,
		Threshold:         threshold,
	}, nil
}

// Score computes the standard isolation score 2^(-E[h(x)]/c(n)): values near
// 1 indicate isolation in few splits (outlier), values near 0.5 and below
// indicate ordinary points.
func (f *IsolationForest) Score(fv features.FeatureVector) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return neutralScore
	}

	point := toColumns(fv, f.featureNames)
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, point, 0)
	}
	avgPath := total / float64(len(f.trees))

	// Normalize by c(n) for the sample size the trees were actually built
	// on, which is capped by the training batch.
	c := averagePathLength(f.fitSampleSize)
	if c <= 0 {
		return neutralScore
	}
	return clamp01(math.Pow(2, -avgPath/c))
}

func buildIsoTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(points) <= 1 {
		return &isoNode{size: len(points)}
	}

	cols := len(points[0])
	feature := rng.Intn(cols)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		if p[feature] < lo {
			lo = p[feature]
		}
		if p[feature] > hi {
			hi = p[feature]
		}
	}
	if hi <= lo {
		return &isoNode{size: len(points)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	return &isoNode{
		splitFeature: feature,
		splitValue:   split,
		left:         buildIsoTree(left, depth+1, maxDepth, rng),
		right:        buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *isoNode, point []float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if point[node.splitFeature] < node.splitValue {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // harmonic approximation
	return 2*h - 2*float64(n-1)/float64(n)
}

func toColumns(fv features.FeatureVector, names []string) []float64 {
	cols := make([]float64, len(names))
	for i, name := range names {
		cols[i] = fv[name]
	}
	return cols
}

func subsample(matrix [][]float64, size int, rng *rand.Rand) [][]float64 {
	if size >= len(matrix) {
		return matrix
	}
	perm := rng.Perm(len(matrix))
	out := make([][]float64, size)
	for i := 0; i < size; i++ {
		out[i] = matrix[perm[i]]
	}
	return out
}

func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
