// Package graph maintains the incremental directed transaction graph of
// wallet-to-wallet transfers, detects densely connected communities, and
// scores the network risk of individual transactions.
package graph

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Defaults for graph bounds.
const (
	DefaultMaxNodes  = 10000
	DefaultRetention = 7 * 24 * time.Hour
)

// txRecord is one retained transaction on an edge.
type txRecord struct {
	ID     string
	Amount float64
	At     time.Time
}

// Node tracks cumulative aggregates for a single wallet. Aggregates are
// monotonic summaries: they are never re-derived after edge records are
// purged.
type Node struct {
	Wallet        string
	TotalSent     float64
	TotalReceived float64
	SentCount     int
	ReceivedCount int
	OutPeers      map[string]struct{}
	InPeers       map[string]struct{}
	FirstActive   time.Time
	LastActive    time.Time

	// Centrality values written by ComputeCentrality.
	Pagerank    float64
	Betweenness float64
	Clustering  float64
}

// NodeSnapshot is a read-only copy of a Node.
type NodeSnapshot struct {
	Wallet        string    `json:"wallet"`
	TotalSent     float64   `json:"totalSent"`
	TotalReceived float64   `json:"totalReceived"`
	SentCount     int       `json:"sentCount"`
	ReceivedCount int       `json:"receivedCount"`
	OutDegree     int       `json:"outDegree"`
	InDegree      int       `json:"inDegree"`
	FirstActive   time.Time `json:"firstActive"`
	LastActive    time.Time `json:"lastActive"`
	Pagerank      float64   `json:"pagerank"`
	Betweenness   float64   `json:"betweenness"`
	Clustering    float64   `json:"clustering"`
}

// Edge aggregates transfers for one (sender, recipient) ordered pair. Weight
// and Count cover exactly the retained records, so purging a record trims
// both.
type Edge struct {
	From    string
	To      string
	Weight  float64
	Count   int
	Records []txRecord
	Last    time.Time
}

// EdgeSnapshot is a read-only copy of an Edge.
type EdgeSnapshot struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Weight float64   `json:"weight"`
	Count  int       `json:"count"`
	Last   time.Time `json:"last"`
}

// Subgraph is the induced neighborhood returned by Graph.Subgraph.
type Subgraph struct {
	Nodes []NodeSnapshot `json:"nodes"`
	Edges []EdgeSnapshot `json:"edges"`
}

// Graph is the in-memory transaction graph. All access is serialized by a
// sync.RWMutex; eviction keeps the node count bounded and Cleanup enforces
// the retention window on edge records.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	edges     map[string]*Edge
	maxNodes  int
	retention time.Duration
}

// Option configures a Graph.
type Option func(*Graph)

// WithMaxNodes bounds the node count.
func WithMaxNodes(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.maxNodes = n
		}
	}
}

// WithRetention sets the edge-record retention window.
func WithRetention(d time.Duration) Option {
	return func(g *Graph) {
		if d > 0 {
			g.retention = d
		}
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:     make(map[string]*Node),
		edges:     make(map[string]*Edge),
		maxNodes:  DefaultMaxNodes,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func edgeKey(from, to string) string {
	return from + ":" + to
}

// AddTransaction records a transfer. Nodes are created on first touch; the
// edge accumulates weight, count, and the retained record. Exceeding the
// node bound evicts the least-recently-active wallets first.
func (g *Graph) AddTransaction(from, to string, amount float64, ts time.Time, id string) {
	from = strings.ToLower(from)
	to = strings.ToLower(to)
	if from == "" || to == "" || from == to {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sender := g.getOrCreate(from, ts)
	recipient := g.getOrCreate(to, ts)

	sender.TotalSent += amount
	sender.SentCount++
	sender.OutPeers[to] = struct{}{}
	sender.LastActive = latest(sender.LastActive, ts)

	recipient.TotalReceived += amount
	recipient.ReceivedCount++
	recipient.InPeers[from] = struct{}{}
	recipient.LastActive = latest(recipient.LastActive, ts)

	key := edgeKey(from, to)
	edge, ok := g.edges[key]
	if !ok {
		edge = &Edge{From: from, To: to}
		g.edges[key] = edge
	}
	edge.Weight += amount
	edge.Count++
	edge.Last = latest(edge.Last, ts)
	edge.Records = append(edge.Records, txRecord{ID: id, Amount: amount, At: ts})

	g.evictOverflow()
}

// getOrCreate returns the node for wallet, creating it if needed.
// Caller must hold write lock.
func (g *Graph) getOrCreate(wallet string, ts time.Time) *Node {
	node, ok := g.nodes[wallet]
	if !ok {
		node = &Node{
			Wallet:      wallet,
			OutPeers:    make(map[string]struct{}),
			InPeers:     make(map[string]struct{}),
			FirstActive: ts,
			LastActive:  ts,
		}
		g.nodes[wallet] = node
	}
	return node
}

// evictOverflow removes least-recently-active nodes while over the bound,
// together with every edge touching them. Caller must hold write lock.
func (g *Graph) evictOverflow() {
	if len(g.nodes) <= g.maxNodes {
		return
	}

	type activity struct {
		wallet string
		last   time.Time
	}
	byAge := make([]activity, 0, len(g.nodes))
	for w, n := range g.nodes {
		byAge = append(byAge, activity{wallet: w, last: n.LastActive})
	}
	sort.Slice(byAge, func(i, j int) bool {
		if byAge[i].last.Equal(byAge[j].last) {
			return byAge[i].wallet < byAge[j].wallet
		}
		return byAge[i].last.Before(byAge[j].last)
	})

	for i := 0; len(g.nodes) > g.maxNodes && i < len(byAge); i++ {
		g.removeNode(byAge[i].wallet)
	}
}

// removeNode deletes a wallet and all edges referencing it. Caller must hold
// write lock.
func (g *Graph) removeNode(wallet string) {
	node, ok := g.nodes[wallet]
	if !ok {
		return
	}
	for peer := range node.OutPeers {
		delete(g.edges, edgeKey(wallet, peer))
		if p, ok := g.nodes[peer]; ok {
			delete(p.InPeers, wallet)
		}
	}
	for peer := range node.InPeers {
		delete(g.edges, edgeKey(peer, wallet))
		if p, ok := g.nodes[peer]; ok {
			delete(p.OutPeers, wallet)
		}
	}
	delete(g.nodes, wallet)
}

// Cleanup purges edge records older than the retention window relative to
// now, trimming edge weight and count with each purged record so the
// weight-equals-retained-sum invariant holds. Records are kept in arrival
// order and callers supply timestamps, so the whole slice is scanned rather
// than just a leading prefix. Edges left with no records are removed. Node
// aggregates are untouched.
func (g *Graph) Cleanup(now time.Time) int {
	cutoff := now.Add(-g.retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	purged := 0
	for key, edge := range g.edges {
		dropped := 0
		kept := edge.Records[:0]
		for _, rec := range edge.Records {
			if rec.At.Before(cutoff) {
				edge.Weight -= rec.Amount
				edge.Count--
				dropped++
				continue
			}
			kept = append(kept, rec)
		}
		if dropped == 0 {
			continue
		}
		purged += dropped
		edge.Records = kept
		if len(edge.Records) == 0 {
			delete(g.edges, key)
			if from, ok := g.nodes[edge.From]; ok {
				delete(from.OutPeers, edge.To)
			}
			if to, ok := g.nodes[edge.To]; ok {
				delete(to.InPeers, edge.From)
			}
		} else if edge.Weight < 0 {
			edge.Weight = 0
		}
	}
	return purged
}

// NodeCount returns the current number of wallets.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the current number of directed edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// GetNode returns a snapshot of a wallet's aggregates, or nil if unseen.
func (g *Graph) GetNode(wallet string) *NodeSnapshot {
	wallet = strings.ToLower(wallet)

	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[wallet]
	if !ok {
		return nil
	}
	snap := snapshotNode(node)
	return &snap
}

// GetEdge returns a snapshot of the (from, to) edge, or nil if absent.
func (g *Graph) GetEdge(from, to string) *EdgeSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[edgeKey(strings.ToLower(from), strings.ToLower(to))]
	if !ok {
		return nil
	}
	snap := snapshotEdge(edge)
	return &snap
}

// Subgraph returns the induced subgraph reachable from wallet within radius
// hops over undirected reachability. An absent wallet yields an empty
// subgraph.
func (g *Graph) Subgraph(wallet string, radius int) Subgraph {
	wallet = strings.ToLower(wallet)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[wallet]; !ok || radius < 0 {
		return Subgraph{}
	}

	// BFS over the undirected projection.
	depth := map[string]int{wallet: 0}
	queue := []string{wallet}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if depth[current] >= radius {
			continue
		}
		node := g.nodes[current]
		for peer := range node.OutPeers {
			if _, seen := depth[peer]; !seen {
				depth[peer] = depth[current] + 1
				queue = append(queue, peer)
			}
		}
		for peer := range node.InPeers {
			if _, seen := depth[peer]; !seen {
				depth[peer] = depth[current] + 1
				queue = append(queue, peer)
			}
		}
	}

	members := make([]string, 0, len(depth))
	for w := range depth {
		members = append(members, w)
	}
	sort.Strings(members)

	sub := Subgraph{Nodes: make([]NodeSnapshot, 0, len(members))}
	for _, w := range members {
		sub.Nodes = append(sub.Nodes, snapshotNode(g.nodes[w]))
	}
	for _, edge := range g.edges {
		if _, okFrom := depth[edge.From]; !okFrom {
			continue
		}
		if _, okTo := depth[edge.To]; !okTo {
			continue
		}
		sub.Edges = append(sub.Edges, snapshotEdge(edge))
	}
	sort.Slice(sub.Edges, func(i, j int) bool {
		if sub.Edges[i].From == sub.Edges[j].From {
			return sub.Edges[i].To < sub.Edges[j].To
		}
		return sub.Edges[i].From < sub.Edges[j].From
	})
	return sub
}

func snapshotNode(n *Node) NodeSnapshot {
	return NodeSnapshot{
		Wallet:        n.Wallet,
		TotalSent:     n.TotalSent,
		TotalReceived: n.TotalReceived,
		SentCount:     n.SentCount,
		ReceivedCount: n.ReceivedCount,
		OutDegree:     len(n.OutPeers),
		InDegree:      len(n.InPeers),
		FirstActive:   n.FirstActive,
		LastActive:    n.LastActive,
		Pagerank:      n.Pagerank,
		Betweenness:   n.Betweenness,
		Clustering:    n.Clustering,
	}
}

func snapshotEdge(e *Edge) EdgeSnapshot {
	return EdgeSnapshot{
		From:   e.From,
		To:     e.To,
		Weight: e.Weight,
		Count:  e.Count,
		Last:   e.Last,
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
