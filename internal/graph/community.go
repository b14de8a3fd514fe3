package graph

import (
	"sort"
	"time"
)

// SuspicionConfig holds the tunable contribution weights and normalization
// scales of the community suspicion score. The score is monotonic in each
// positive factor, decreasing in external connectivity, and bounded to [0,1]
// for any weight choice.
type SuspicionConfig struct {
	DensityWeight   float64       `json:"densityWeight"`
	VolumeWeight    float64       `json:"volumeWeight"`
	AvgVolumeWeight float64       `json:"avgVolumeWeight"`
	VelocityWeight  float64       `json:"velocityWeight"`
	NewNodeWeight   float64       `json:"newNodeWeight"`
	ExternalPenalty float64       `json:"externalPenalty"`
	VolumeScale     float64       `json:"volumeScale"`
	AvgVolumeScale  float64       `json:"avgVolumeScale"`
	VelocityScale   float64       `json:"velocityScale"`
	NewNodeWindow   time.Duration `json:"newNodeWindow"`
}

// DefaultSuspicionConfig returns the stock scoring weights.
func DefaultSuspicionConfig() SuspicionConfig {
	return SuspicionConfig{
		DensityWeight:   0.30,
		VolumeWeight:    0.20,
		AvgVolumeWeight: 0.15,
		VelocityWeight:  0.15,
		NewNodeWeight:   0.10,
		ExternalPenalty: 0.25,
		VolumeScale:     50000,
		AvgVolumeScale:  5000,
		VelocityScale:   10, // transactions per hour
		NewNodeWindow:   24 * time.Hour,
	}
}

// Community is one detected cluster with its derived features. Communities
// are recomputed from scratch on every detection pass.
type Community struct {
	Members       []string `json:"members"`
	Size          int      `json:"size"`
	Density       float64  `json:"density"`
	InternalEdges int      `json:"internalEdges"`
	ExternalEdges int      `json:"externalEdges"`
	TotalVolume   float64  `json:"totalVolume"`
	AvgVolume     float64  `json:"avgVolume"`
	Velocity      float64  `json:"velocity"`
	NewNodeRatio  float64  `json:"newNodeRatio"`
	Suspicion     float64  `json:"suspicion"`
}

// CommunityDetector partitions the graph via label propagation over the
// undirected projection and scores each community's suspiciousness.
type CommunityDetector struct {
	graph *Graph
	cfg   SuspicionConfig
}

// NewCommunityDetector creates a detector over g.
func NewCommunityDetector(g *Graph, cfg SuspicionConfig) *CommunityDetector {
	return &CommunityDetector{graph: g, cfg: cfg}
}

const labelPropagationRounds = 20

// Detect runs one full detection pass against the current graph snapshot.
// now anchors the velocity and new-node features.
func (d *CommunityDetector) Detect(now time.Time) []Community {
	snap := d.graph.communitySnapshot()
	if len(snap.wallets) == 0 {
		return nil
	}

	labels := propagateLabels(snap)

	byLabel := make(map[int][]int)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], i)
	}

	communities := make([]Community, 0, len(byLabel))
	for _, members := range byLabel {
		communities = append(communities, d.describe(snap, labels, members, now))
	}
	sort.Slice(communities, func(i, j int) bool {
		if communities[i].Suspicion == communities[j].Suspicion {
			return communities[i].Members[0] < communities[j].Members[0]
		}
		return communities[i].Suspicion > communities[j].Suspicion
	})
	return communities
}

// SuspiciousCommunities returns the communities from one detection pass
// whose suspicion score is at least threshold, sorted descending by score.
func (d *CommunityDetector) SuspiciousCommunities(now time.Time, threshold float64) []Community {
	all := d.Detect(now)
	out := make([]Community, 0, len(all))
	for _, c := range all {
		if c.Suspicion >= threshold {
			out = append(out, c)
		}
	}
	return out
}

// communityView is a point-in-time copy of the graph fields community
// detection needs, taken under the read lock.
type communityView struct {
	wallets     []string
	index       map[string]int
	undirected  [][]int            // adjacency over the undirected projection
	neighbors   []map[int]struct{} // set form of undirected
	edgeWeight  map[[2]int]float64 // directed internal lookup
	edgeCount   map[[2]int]int
	edgeOldest  map[[2]int]time.Time
	edgeNewest  map[[2]int]time.Time
	firstActive []time.Time
}

func (g *Graph) communitySnapshot() *communityView {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := &communityView{
		index:      make(map[string]int, len(g.nodes)),
		edgeWeight: make(map[[2]int]float64, len(g.edges)),
		edgeCount:  make(map[[2]int]int, len(g.edges)),
		edgeOldest: make(map[[2]int]time.Time, len(g.edges)),
		edgeNewest: make(map[[2]int]time.Time, len(g.edges)),
	}
	for w := range g.nodes {
		v.wallets = append(v.wallets, w)
	}
	sort.Strings(v.wallets)
	for i, w := range v.wallets {
		v.index[w] = i
	}

	n := len(v.wallets)
	v.undirected = make([][]int, n)
	v.neighbors = make([]map[int]struct{}, n)
	v.firstActive = make([]time.Time, n)
	for i, w := range v.wallets {
		v.neighbors[i] = make(map[int]struct{})
		v.firstActive[i] = g.nodes[w].FirstActive
	}

	for _, edge := range g.edges {
		from, okFrom := v.index[edge.From]
		to, okTo := v.index[edge.To]
		if !okFrom || !okTo {
			continue
		}
		key := [2]int{from, to}
		v.edgeWeight[key] = edge.Weight
		v.edgeCount[key] = edge.Count
		if len(edge.Records) > 0 {
			v.edgeOldest[key] = edge.Records[0].At
			v.edgeNewest[key] = edge.Records[len(edge.Records)-1].At
		}
		if _, ok := v.neighbors[from][to]; !ok && from != to {
			v.neighbors[from][to] = struct{}{}
			v.neighbors[to][from] = struct{}{}
			v.undirected[from] = append(v.undirected[from], to)
			v.undirected[to] = append(v.undirected[to], from)
		}
	}
	return v
}

// propagateLabels runs deterministic synchronous label propagation: each
// node adopts the most frequent label among its neighbors, ties resolved to
// the smallest label.
func propagateLabels(v *communityView) []int {
	n := len(v.wallets)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}

	for round := 0; round < labelPropagationRounds; round++ {
		changed := false
		for i := 0; i < n; i++ {
			if len(v.undirected[i]) == 0 {
				continue
			}
			counts := make(map[int]int, len(v.undirected[i]))
			for _, peer := range v.undirected[i] {
				counts[labels[peer]]++
			}
			best := labels[i]
			bestCount := 0
			for label, count := range counts {
				if count > bestCount || (count == bestCount && label < best) {
					best = label
					bestCount = count
				}
			}
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

func (d *CommunityDetector) describe(v *communityView, labels []int, members []int, now time.Time) Community {
	memberSet := make(map[int]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	c := Community{Size: len(members)}
	for _, m := range members {
		c.Members = append(c.Members, v.wallets[m])
	}
	sort.Strings(c.Members)

	var internalUndirected int
	var txCount int
	oldest, newest := time.Time{}, time.Time{}
	countedPairs := make(map[[2]int]struct{})

	for key, weight := range v.edgeWeight {
		_, fromIn := memberSet[key[0]]
		_, toIn := memberSet[key[1]]
		switch {
		case fromIn && toIn:
			c.InternalEdges++
			c.TotalVolume += weight
			txCount += v.edgeCount[key]
			pair := key
			if pair[0] > pair[1] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			if _, ok := countedPairs[pair]; !ok {
				countedPairs[pair] = struct{}{}
				internalUndirected++
			}
			if o, ok := v.edgeOldest[key]; ok && (oldest.IsZero() || o.Before(oldest)) {
				oldest = o
			}
			if nw, ok := v.edgeNewest[key]; ok && nw.After(newest) {
				newest = nw
			}
		case fromIn != toIn:
			c.ExternalEdges++
		}
	}

	if c.Size > 1 {
		possible := float64(c.Size*(c.Size-1)) / 2
		c.Density = float64(internalUndirected) / possible
	}
	if txCount > 0 {
		c.AvgVolume = c.TotalVolume / float64(txCount)
	}
	if txCount > 1 && newest.After(oldest) {
		hours := newest.Sub(oldest).Hours()
		if hours > 0 {
			c.Velocity = float64(txCount) / hours
		}
	} else if txCount > 0 {
		// All activity inside one instant reads as maximal cadence.
		c.Velocity = float64(txCount)
	}

	recent := 0
	for _, m := range members {
		if now.Sub(v.firstActive[m]) <= d.cfg.NewNodeWindow {
			recent++
		}
	}
	c.NewNodeRatio = float64(recent) / float64(c.Size)

	c.Suspicion = d.suspicion(c)
	return c
}

// suspicion combines the community features under the configured weights.
// saturate(x, s) = x/(x+s) keeps each unbounded factor monotonic and in
// [0,1).
func (d *CommunityDetector) suspicion(c Community) float64 {
	cfg := d.cfg
	score := cfg.DensityWeight*c.Density +
		cfg.VolumeWeight*saturate(c.TotalVolume, cfg.VolumeScale) +
		cfg.AvgVolumeWeight*saturate(c.AvgVolume, cfg.AvgVolumeScale) +
		cfg.VelocityWeight*saturate(c.Velocity, cfg.VelocityScale) +
		cfg.NewNodeWeight*c.NewNodeRatio

	if c.InternalEdges+c.ExternalEdges > 0 {
		external := float64(c.ExternalEdges) / float64(c.InternalEdges+c.ExternalEdges)
		score -= cfg.ExternalPenalty * external
	}
	return clampUnit(score)
}

func saturate(x, scale float64) float64 {
	if x <= 0 || scale <= 0 {
		return 0
	}
	return x / (x + scale)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
