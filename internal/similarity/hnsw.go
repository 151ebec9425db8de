package similarity

import (
	"container/heap"
	"math"
	"math/rand"
)

// hnswGraph is a hierarchical navigable small-world graph over cosine
// distance. Vectors are L2-normalized on insert, so cosine distance
// reduces to 1 - dot(a, b).
type hnswGraph struct {
	m              int // max neighbors per node per layer
	efConstruction int
	efSearch       int

	levelMult float64
	rng       *rand.Rand

	nodes      []*hnswNode
	entryPoint int // index into nodes, -1 when empty
	maxLevel   int
}

type hnswNode struct {
	vec       []float32
	neighbors [][]int // per level
	level     int
}

func newHNSW(m, efConstruction, efSearch int, seed int64) *hnswGraph {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 200
	}
	if efSearch <= 0 {
		efSearch = 64
	}
	return &hnswGraph{
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		levelMult:      1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(seed)),
		entryPoint:     -1,
	}
}

func cosineDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// candidate heaps: minHeap pops closest first, maxHeap pops farthest.
type distCandidate struct {
	id   int
	dist float32
}

type candidateHeap struct {
	items []distCandidate
	max   bool
}

func (h *candidateHeap) Len() int { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}
func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap) Push(x any)    { h.items = append(h.items, x.(distCandidate)) }
func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

func (g *hnswGraph) randomLevel() int {
	return int(-math.Log(g.rng.Float64()) * g.levelMult)
}

// add inserts a vector; the returned id is its dense node index.
func (g *hnswGraph) add(vec []float32) int {
	level := g.randomLevel()
	node := &hnswNode{vec: vec, level: level, neighbors: make([][]int, level+1)}
	id := len(g.nodes)
	g.nodes = append(g.nodes, node)

	if g.entryPoint < 0 {
		g.entryPoint = id
		g.maxLevel = level
		return id
	}

	cur := g.entryPoint
	// Greedy descent through layers above the insert level.
	for l := g.maxLevel; l > level; l-- {
		cur = g.greedyClosest(vec, cur, l)
	}

	// Layer-by-layer insert with efConstruction beam.
	for l := min(level, g.maxLevel); l >= 0; l-- {
		found := g.searchLayer(vec, cur, g.efConstruction, l)
		selected := g.selectNeighbors(found, g.m)
		node.neighbors[l] = selected
		for _, nb := range selected {
			nbNode := g.nodes[nb]
			nbNode.neighbors[l] = append(nbNode.neighbors[l], id)
			if len(nbNode.neighbors[l]) > g.m {
				nbNode.neighbors[l] = g.selectNeighborsOf(nb, nbNode.neighbors[l], g.m)
			}
		}
		if len(found) > 0 {
			cur = found[0].id
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entryPoint = id
	}
	return id
}

func (g *hnswGraph) greedyClosest(vec []float32, start, level int) int {
	cur := start
	curDist := cosineDistance(vec, g.nodes[cur].vec)
	for {
		improved := false
		for _, nb := range g.nodes[cur].neighbors[level] {
			if d := cosineDistance(vec, g.nodes[nb].vec); d < curDist {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer runs a beam search of width ef on one layer and returns
// candidates sorted closest-first.
func (g *hnswGraph) searchLayer(vec []float32, entry, ef, level int) []distCandidate {
	visited := map[int]bool{entry: true}
	entryDist := cosineDistance(vec, g.nodes[entry].vec)

	candidates := &candidateHeap{}
	results := &candidateHeap{max: true}
	heap.Push(candidates, distCandidate{entry, entryDist})
	heap.Push(results, distCandidate{entry, entryDist})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(distCandidate)
		worst := results.items[0].dist
		if c.dist > worst && results.Len() >= ef {
			break
		}
		for _, nb := range g.nodes[c.id].neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := cosineDistance(vec, g.nodes[nb].vec)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, distCandidate{nb, d})
				heap.Push(results, distCandidate{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distCandidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distCandidate)
	}
	return out
}

// selectNeighbors keeps the m closest candidates (simple heuristic).
func (g *hnswGraph) selectNeighbors(cands []distCandidate, m int) []int {
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func (g *hnswGraph) selectNeighborsOf(id int, neighbors []int, m int) []int {
	vec := g.nodes[id].vec
	cands := make([]distCandidate, 0, len(neighbors))
	for _, nb := range neighbors {
		cands = append(cands, distCandidate{nb, cosineDistance(vec, g.nodes[nb].vec)})
	}
	// Insertion sort; neighbor lists are tiny.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].dist < cands[j-1].dist; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	return g.selectNeighbors(cands, m)
}

// search returns the k nearest node ids with their cosine distances.
func (g *hnswGraph) search(vec []float32, k int) []distCandidate {
	if g.entryPoint < 0 {
		return nil
	}
	cur := g.entryPoint
	for l := g.maxLevel; l > 0; l-- {
		cur = g.greedyClosest(vec, cur, l)
	}
	ef := g.efSearch
	if ef < k {
		ef = k
	}
	found := g.searchLayer(vec, cur, ef, 0)
	if len(found) > k {
		found = found[:k]
	}
	return found
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
