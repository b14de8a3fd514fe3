package graph

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)

func addTx(g *Graph, from, to string, amount float64, at time.Time) {
	addTxID(g, from, to, amount, at, fmt.Sprintf("tx_%s_%s_%d", from, to, at.UnixNano()))
}

func addTxID(g *Graph, from, to string, amount float64, at time.Time, id string) {
	g.AddTransaction(from, to, amount, at, id)
}

func TestAddTransactionAggregates(t *testing.T) {
	g := New()
	addTx(g, "alice", "bob", 100, baseTime)
	addTx(g, "alice", "bob", 50, baseTime.Add(time.Minute))
	addTx(g, "alice", "carol", 25, baseTime.Add(2*time.Minute))
	addTx(g, "bob", "alice", 10, baseTime.Add(3*time.Minute))

	alice := g.GetNode("alice")
	if alice == nil {
		t.Fatal("alice node missing")
	}
	if alice.TotalSent != 175 {
		t.Errorf("TotalSent = %v, want 175", alice.TotalSent)
	}
	if alice.TotalReceived != 10 {
		t.Errorf("TotalReceived = %v, want 10", alice.TotalReceived)
	}
	if alice.SentCount != 3 || alice.ReceivedCount != 1 {
		t.Errorf("counts = %d/%d, want 3/1", alice.SentCount, alice.ReceivedCount)
	}
	if alice.OutDegree != 2 || alice.InDegree != 1 {
		t.Errorf("degrees = %d/%d, want 2/1", alice.OutDegree, alice.InDegree)
	}
	if !alice.LastActive.Equal(baseTime.Add(3 * time.Minute)) {
		t.Errorf("LastActive = %v", alice.LastActive)
	}

	edge := g.GetEdge("alice", "bob")
	if edge == nil {
		t.Fatal("alice->bob edge missing")
	}
	if edge.Weight != 150 || edge.Count != 2 {
		t.Errorf("edge = %v/%d, want 150/2", edge.Weight, edge.Count)
	}
}

func TestAddTransactionIgnoresDegenerate(t *testing.T) {
	g := New()
	addTx(g, "alice", "alice", 100, baseTime)
	addTx(g, "", "bob", 100, baseTime)

	if g.NodeCount() != 0 {
		t.Errorf("NodeCount = %d, want 0", g.NodeCount())
	}
}

func TestCleanupTrimsWeightWithRecords(t *testing.T) {
	g := New(WithRetention(time.Hour))
	addTx(g, "alice", "bob", 100, baseTime.Add(-3*time.Hour))
	addTx(g, "alice", "bob", 50, baseTime.Add(-2*time.Hour))
	addTx(g, "alice", "bob", 25, baseTime.Add(-10*time.Minute))

	purged := g.Cleanup(baseTime)
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	edge := g.GetEdge("alice", "bob")
	if edge == nil {
		t.Fatal("edge removed entirely")
	}
	if edge.Weight != 25 || edge.Count != 1 {
		t.Errorf("edge after cleanup = %v/%d, want 25/1", edge.Weight, edge.Count)
	}

	// Node aggregates stay monotonic.
	alice := g.GetNode("alice")
	if alice.TotalSent != 175 {
		t.Errorf("TotalSent = %v, want 175 (aggregates are not re-derived)", alice.TotalSent)
	}
}

func TestCleanupPurgesStaleRecordAppendedAfterFreshOne(t *testing.T) {
	g := New(WithRetention(24 * time.Hour))
	// Backfilled transfer carries an old timestamp but arrives after a
	// recent one, so the expired record sits behind a retained one.
	addTx(g, "alice", "bob", 100, baseTime.Add(-time.Hour))
	addTx(g, "alice", "bob", 500, baseTime.Add(-72*time.Hour))

	purged := g.Cleanup(baseTime)
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	edge := g.GetEdge("alice", "bob")
	if edge == nil {
		t.Fatal("edge removed entirely")
	}
	if edge.Weight != 100 || edge.Count != 1 {
		t.Errorf("edge after cleanup = %v/%d, want 100/1", edge.Weight, edge.Count)
	}
}

func TestCleanupRemovesEmptyEdges(t *testing.T) {
	g := New(WithRetention(time.Hour))
	addTx(g, "alice", "bob", 100, baseTime.Add(-2*time.Hour))

	g.Cleanup(baseTime)

	if g.GetEdge("alice", "bob") != nil {
		t.Error("fully expired edge should be removed")
	}
	if g.EdgeCount() != 0 {
		t.Errorf("EdgeCount = %d, want 0", g.EdgeCount())
	}
}

func TestMaxNodesEvictsLeastRecentlyActive(t *testing.T) {
	g := New(WithMaxNodes(4))

	addTx(g, "old_a", "old_b", 10, baseTime)
	addTx(g, "new_a", "new_b", 10, baseTime.Add(time.Hour))
	// Pushes over the bound; the two stalest wallets go first.
	addTx(g, "new_c", "new_d", 10, baseTime.Add(2*time.Hour))

	if g.NodeCount() != 4 {
		t.Fatalf("NodeCount = %d, want 4", g.NodeCount())
	}
	if g.GetNode("old_a") != nil || g.GetNode("old_b") != nil {
		t.Error("least-recently-active wallets should have been evicted")
	}
	if g.GetNode("new_c") == nil || g.GetNode("new_d") == nil {
		t.Error("fresh wallets should survive eviction")
	}
}

func TestSubgraphRadius(t *testing.T) {
	g := New()
	addTx(g, "a", "b", 10, baseTime)
	addTx(g, "b", "c", 10, baseTime)
	addTx(g, "c", "d", 10, baseTime)
	// d receives from c; undirected reachability includes the reverse hop.
	addTx(g, "x", "a", 10, baseTime)

	sub := g.Subgraph("b", 1)
	if len(sub.Nodes) != 3 {
		t.Fatalf("radius 1 nodes = %d, want 3 (a, b, c)", len(sub.Nodes))
	}

	sub = g.Subgraph("b", 2)
	if len(sub.Nodes) != 5 {
		t.Errorf("radius 2 nodes = %d, want 5", len(sub.Nodes))
	}

	// Induced edges connect only included nodes.
	for _, e := range sub.Edges {
		found := 0
		for _, n := range sub.Nodes {
			if n.Wallet == e.From || n.Wallet == e.To {
				found++
			}
		}
		if found < 2 {
			t.Errorf("edge %s->%s references excluded node", e.From, e.To)
		}
	}
}

func TestSubgraphAbsentNode(t *testing.T) {
	g := New()
	addTx(g, "a", "b", 10, baseTime)

	sub := g.Subgraph("ghost", 2)
	if len(sub.Nodes) != 0 || len(sub.Edges) != 0 {
		t.Error("absent node should yield an empty subgraph")
	}
}

func TestComputeCentrality(t *testing.T) {
	g := New()
	// hub receives from many spokes; triangle x-y-z is fully connected.
	for _, spoke := range []string{"s1", "s2", "s3", "s4", "s5"} {
		addTx(g, spoke, "hub", 10, baseTime)
	}
	addTx(g, "x", "y", 10, baseTime)
	addTx(g, "y", "z", 10, baseTime)
	addTx(g, "z", "x", 10, baseTime)

	g.ComputeCentrality()

	hub := g.GetNode("hub")
	spoke := g.GetNode("s1")
	if hub.Pagerank <= spoke.Pagerank {
		t.Errorf("hub pagerank %v should exceed spoke %v", hub.Pagerank, spoke.Pagerank)
	}

	x := g.GetNode("x")
	if math.Abs(x.Clustering-1.0) > 1e-9 {
		t.Errorf("triangle member clustering = %v, want 1", x.Clustering)
	}
	if hub.Clustering != 0 {
		t.Errorf("star hub clustering = %v, want 0", hub.Clustering)
	}

	// Pagerank is a distribution over nodes.
	var sum float64
	for _, w := range []string{"hub", "s1", "s2", "s3", "s4", "s5", "x", "y", "z"} {
		sum += g.GetNode(w).Pagerank
	}
	if math.Abs(sum-1.0) > 0.01 {
		t.Errorf("pagerank sum = %v, want ~1", sum)
	}
}

func TestBetweennessBridge(t *testing.T) {
	g := New()
	// Path a-b-c: b sits on every shortest path.
	addTx(g, "a", "b", 10, baseTime)
	addTx(g, "b", "c", 10, baseTime)

	g.ComputeCentrality()

	if b, a := g.GetNode("b"), g.GetNode("a"); b.Betweenness <= a.Betweenness {
		t.Errorf("bridge betweenness %v should exceed endpoint %v", b.Betweenness, a.Betweenness)
	}
}

func TestConcurrentSamePairUpdates(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			addTxID(g, "alice", "bob", 1, baseTime.Add(time.Duration(i)*time.Second), fmt.Sprintf("tx%d", i))
		}(i)
	}
	wg.Wait()

	edge := g.GetEdge("alice", "bob")
	if edge.Count != n || edge.Weight != float64(n) {
		t.Errorf("edge = %v/%d, want %d/%d (no lost increments)", edge.Weight, edge.Count, n, n)
	}
}
