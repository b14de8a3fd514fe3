package graph

import "sort"

// Pagerank parameters.
const (
	pagerankDamping    = 0.85
	pagerankIterations = 30
)

// ComputeCentrality recomputes pagerank, betweenness centrality, and local
// clustering coefficient for every node and writes the values into the node
// records. It takes the write lock for the full pass so the measures reflect
// one consistent snapshot; callers run it on a background timer, never inline
// with transaction processing.
func (g *Graph) ComputeCentrality() {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.nodes)
	if n == 0 {
		return
	}

	wallets := make([]string, 0, n)
	for w := range g.nodes {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)

	index := make(map[string]int, n)
	for i, w := range wallets {
		index[w] = i
	}

	out := make([][]int, n)     // directed, for pagerank
	undirected := make([][]int, n)
	undirSeen := make([]map[int]struct{}, n)
	for i := range undirSeen {
		undirSeen[i] = make(map[int]struct{})
	}
	addUndirected := func(a, b int) {
		if a == b {
			return
		}
		if _, ok := undirSeen[a][b]; !ok {
			undirSeen[a][b] = struct{}{}
			undirected[a] = append(undirected[a], b)
		}
		if _, ok := undirSeen[b][a]; !ok {
			undirSeen[b][a] = struct{}{}
			undirected[b] = append(undirected[b], a)
		}
	}
	for _, edge := range g.edges {
		from, okFrom := index[edge.From]
		to, okTo := index[edge.To]
		if !okFrom || !okTo {
			continue
		}
		out[from] = append(out[from], to)
		addUndirected(from, to)
	}

	pagerank := computePagerank(out, n)
	betweenness := computeBetweenness(undirected, n)
	clustering := computeClustering(undirected, undirSeen, n)

	for i, w := range wallets {
		node := g.nodes[w]
		node.Pagerank = pagerank[i]
		node.Betweenness = betweenness[i]
		node.Clustering = clustering[i]
	}
}

func computePagerank(out [][]int, n int) []float64 {
	rank := make([]float64, n)
	next := make([]float64, n)
	initial := 1.0 / float64(n)
	for i := range rank {
		rank[i] = initial
	}

	base := (1.0 - pagerankDamping) / float64(n)
	for iter := 0; iter < pagerankIterations; iter++ {
		var dangling float64
		for i := range next {
			next[i] = base
		}
		for i, targets := range out {
			if len(targets) == 0 {
				dangling += rank[i]
				continue
			}
			share := pagerankDamping * rank[i] / float64(len(targets))
			for _, t := range targets {
				next[t] += share
			}
		}
		// Redistribute dangling mass uniformly.
		if dangling > 0 {
			share := pagerankDamping * dangling / float64(n)
			for i := range next {
				next[i] += share
			}
		}
		rank, next = next, rank
	}
	return rank
}

// computeBetweenness runs Brandes' algorithm over the unweighted undirected
// projection.
func computeBetweenness(adj [][]int, n int) []float64 {
	betweenness := make([]float64, n)

	for s := 0; s < n; s++ {
		// BFS from s, recording shortest-path counts and predecessors.
		stack := make([]int, 0, n)
		preds := make([][]int, n)
		sigma := make([]float64, n)
		dist := make([]int, n)
		for i := range dist {
			dist[i] = -1
		}
		sigma[s] = 1
		dist[s] = 0
		queue := []int{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range adj[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		// Accumulate dependencies in reverse BFS order.
		delta := make([]float64, n)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				betweenness[w] += delta[w]
			}
		}
	}

	// Undirected graphs count each pair twice.
	for i := range betweenness {
		betweenness[i] /= 2
	}
	// Normalize to [0,1] against the maximum possible pair count.
	if n > 2 {
		norm := float64((n - 1) * (n - 2) / 2)
		if norm > 0 {
			for i := range betweenness {
				betweenness[i] /= norm
			}
		}
	}
	return betweenness
}

func computeClustering(adj [][]int, seen []map[int]struct{}, n int) []float64 {
	clustering := make([]float64, n)
	for v := 0; v < n; v++ {
		degree := len(adj[v])
		if degree < 2 {
			continue
		}
		links := 0
		for i := 0; i < degree; i++ {
			for j := i + 1; j < degree; j++ {
				if _, ok := seen[adj[v][i]][adj[v][j]]; ok {
					links++
				}
			}
		}
		clustering[v] = 2.0 * float64(links) / float64(degree*(degree-1))
	}
	return clustering
}
