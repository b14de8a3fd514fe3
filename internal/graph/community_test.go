package graph

import (
	"fmt"
	"testing"
	"time"
)

// buildRing wires A->B->C->D->A with large, similar amounts in a tight burst.
func buildRing(g *Graph, at time.Time) {
	ring := []string{"ring_a", "ring_b", "ring_c", "ring_d"}
	for i, from := range ring {
		to := ring[(i+1)%len(ring)]
		addTx(g, from, to, 20000, at.Add(time.Duration(i)*time.Minute))
	}
}

// buildNormal wires a well-connected cluster of small, varied payments with
// outward links.
func buildNormal(g *Graph, at time.Time) {
	members := []string{"norm_1", "norm_2", "norm_3", "norm_4", "norm_5"}
	amount := 5.0
	for i, from := range members {
		for j, to := range members {
			if i == j {
				continue
			}
			addTx(g, from, to, amount, at.Add(time.Duration(i*5+j)*time.Minute))
			amount += 3.5
		}
	}
	// Outward connectivity to the wider economy.
	addTx(g, "norm_1", "merchant_x", 12, at)
	addTx(g, "norm_3", "merchant_y", 7, at)
}

func communityOf(communities []Community, wallet string) *Community {
	for i := range communities {
		for _, m := range communities[i].Members {
			if m == wallet {
				return &communities[i]
			}
		}
	}
	return nil
}

func TestRingOutscoresNormalCommunity(t *testing.T) {
	g := New()
	buildRing(g, baseTime)
	buildNormal(g, baseTime)

	detector := NewCommunityDetector(g, DefaultSuspicionConfig())
	communities := detector.Detect(baseTime.Add(time.Hour))

	ring := communityOf(communities, "ring_a")
	normal := communityOf(communities, "norm_1")
	if ring == nil || normal == nil {
		t.Fatalf("expected both communities, got %d total", len(communities))
	}

	if ring.Size != 4 {
		t.Errorf("ring size = %d, want 4", ring.Size)
	}
	if ring.ExternalEdges != 0 {
		t.Errorf("ring external edges = %d, want 0", ring.ExternalEdges)
	}
	if ring.Suspicion <= normal.Suspicion {
		t.Errorf("ring suspicion %v should exceed normal %v", ring.Suspicion, normal.Suspicion)
	}
}

func TestCommunityFeatures(t *testing.T) {
	g := New()
	buildRing(g, baseTime)

	detector := NewCommunityDetector(g, DefaultSuspicionConfig())
	communities := detector.Detect(baseTime.Add(time.Hour))

	ring := communityOf(communities, "ring_a")
	if ring == nil {
		t.Fatal("ring community missing")
	}

	// 4 directed edges over 6 possible undirected pairs.
	if ring.InternalEdges != 4 {
		t.Errorf("internal edges = %d, want 4", ring.InternalEdges)
	}
	wantDensity := 4.0 / 6.0
	if diff := ring.Density - wantDensity; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("density = %v, want %v", ring.Density, wantDensity)
	}
	if ring.TotalVolume != 80000 {
		t.Errorf("total volume = %v, want 80000", ring.TotalVolume)
	}
	if ring.AvgVolume != 20000 {
		t.Errorf("avg volume = %v, want 20000", ring.AvgVolume)
	}
	if ring.NewNodeRatio != 1.0 {
		t.Errorf("new node ratio = %v, want 1", ring.NewNodeRatio)
	}
	if ring.Suspicion < 0 || ring.Suspicion > 1 {
		t.Errorf("suspicion %v out of [0,1]", ring.Suspicion)
	}
}

func TestSuspicionMonotonicity(t *testing.T) {
	d := NewCommunityDetector(New(), DefaultSuspicionConfig())

	base := Community{
		Size:          5,
		Density:       0.3,
		InternalEdges: 4,
		ExternalEdges: 4,
		TotalVolume:   10000,
		AvgVolume:     500,
		Velocity:      2,
		NewNodeRatio:  0.2,
	}
	baseScore := d.suspicion(base)

	raise := []struct {
		name   string
		mutate func(c *Community)
	}{
		{"density", func(c *Community) { c.Density = 0.9 }},
		{"volume", func(c *Community) { c.TotalVolume = 500000 }},
		{"avg volume", func(c *Community) { c.AvgVolume = 20000 }},
		{"velocity", func(c *Community) { c.Velocity = 50 }},
		{"new nodes", func(c *Community) { c.NewNodeRatio = 1.0 }},
	}
	for _, tc := range raise {
		c := base
		tc.mutate(&c)
		if got := d.suspicion(c); got <= baseScore {
			t.Errorf("raising %s: score %v should exceed base %v", tc.name, got, baseScore)
		}
	}

	// More external connectivity lowers the score.
	open := base
	open.ExternalEdges = 40
	if got := d.suspicion(open); got >= baseScore {
		t.Errorf("raising external edges: score %v should fall below base %v", got, baseScore)
	}

	// Bounded for extreme inputs.
	extreme := Community{
		Size: 10, Density: 1, InternalEdges: 45,
		TotalVolume: 1e12, AvgVolume: 1e9, Velocity: 1e6, NewNodeRatio: 1,
	}
	if got := d.suspicion(extreme); got < 0 || got > 1 {
		t.Errorf("extreme suspicion %v out of [0,1]", got)
	}
}

func TestSuspiciousCommunitiesSortedAndFiltered(t *testing.T) {
	g := New()
	buildRing(g, baseTime)
	buildNormal(g, baseTime)

	detector := NewCommunityDetector(g, DefaultSuspicionConfig())
	suspicious := detector.SuspiciousCommunities(baseTime.Add(time.Hour), 0.3)

	for i := 1; i < len(suspicious); i++ {
		if suspicious[i].Suspicion > suspicious[i-1].Suspicion {
			t.Error("suspicious communities not sorted descending")
		}
	}
	for _, c := range suspicious {
		if c.Suspicion < 0.3 {
			t.Errorf("community below threshold returned: %v", c.Suspicion)
		}
	}
}

func TestDetectEmptyGraph(t *testing.T) {
	detector := NewCommunityDetector(New(), DefaultSuspicionConfig())
	if got := detector.Detect(baseTime); got != nil {
		t.Errorf("empty graph communities = %v, want nil", got)
	}
}

func TestDetectSingletonCommunities(t *testing.T) {
	g := New()
	// Disconnected pairs are valid degenerate output.
	for i := 0; i < 3; i++ {
		addTx(g, fmt.Sprintf("solo_from_%d", i), fmt.Sprintf("solo_to_%d", i), 10, baseTime)
	}

	detector := NewCommunityDetector(g, DefaultSuspicionConfig())
	communities := detector.Detect(baseTime)
	if len(communities) != 3 {
		t.Errorf("communities = %d, want 3 disconnected pairs", len(communities))
	}
}
