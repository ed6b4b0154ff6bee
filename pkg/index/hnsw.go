// Package index provides the approximate nearest-neighbor index memories
// are ranked against. A single HNSW graph is shared by every user; node
// identity is namespaced so one user's memories are never returned for
// another's query.
package index

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// HNSWNode represents a node in the HNSW graph, namespaced to the user
// that owns the underlying memory.
type HNSWNode struct {
	ID        string // userID + "/" + MemoryID, used as the graph key
	UserID    string
	MemoryID  string
	Vector    []float32
	Level     int
	Neighbors [][]string // Neighbors at each level
	Deleted   bool
}

// HNSW implements a Hierarchical Navigable Small World index over
// per-user memory vectors.
type HNSW struct {
	// Parameters
	M              int     // Max number of bi-directional links per node
	MaxM           int     // Max number of links for layer 0
	EfConstruction int     // Size of dynamic candidate list
	ML             float64 // Level assignment probability
	Seed           int64   // Random seed

	// Index data
	Nodes      map[string]*HNSWNode
	EntryPoint string

	// Distance function
	DistFunc func(a, b []float32) float32

	// Thread safety
	mu  sync.RWMutex
	rng *rand.Rand
}

// NewHNSW creates a new HNSW index.
func NewHNSW(M, efConstruction int, distFunc func(a, b []float32) float32) *HNSW {
	seed := time.Now().UnixNano()
	return &HNSW{
		M:              M,
		MaxM:           M * 2, // MaxM = 2*M for layer 0
		EfConstruction: efConstruction,
		ML:             1.0 / math.Log(2.0), // This is approximately 1.44
		Seed:           seed,
		Nodes:          make(map[string]*HNSWNode),
		DistFunc:       distFunc,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func nodeKey(userID, memoryID string) string {
	return userID + "/" + memoryID
}

func (h *HNSW) calculateDistance(query []float32, node *HNSWNode) float32 {
	return h.DistFunc(query, node.Vector)
}

// selectLevel randomly selects level for a new node
func (h *HNSW) selectLevel() int {
	// Exponential decay by coin flips: a node reaches level l with
	// probability 0.5^l, and the level is capped at 17.
	level := 0
	for h.rng.Float64() < 0.5 { // 50% chance to go to next level
		level++
		if level > 16 { // Cap at reasonable maximum
			break
		}
	}
	return level
}

// Insert adds a user's memory vector to the shared index. A soft-deleted
// node under the same key is replaced; inserting over a live node is an
// error.
func (h *HNSW) Insert(userID, memoryID string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := nodeKey(userID, memoryID)
	if existing, exists := h.Nodes[id]; exists && !existing.Deleted {
		return errors.New("node " + id + " already exists")
	}

	level := h.selectLevel()
	node := &HNSWNode{
		ID:        id,
		UserID:    userID,
		MemoryID:  memoryID,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}

	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]string, 0)
	}

	h.Nodes[id] = node

	// If this is the first node (or replaces the entry point), set as entry point
	if h.EntryPoint == "" || h.EntryPoint == id {
		h.EntryPoint = id
		return nil
	}

	// Search for closest points at all levels
	currNearest := []string{h.EntryPoint}

	entryNode := h.Nodes[h.EntryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = h.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}

		candidates := h.searchLayer(vector, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(vector, candidates, m)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			h.addConnection(neighbor, id, lc)

			neighborNode := h.Nodes[neighbor]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}

			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				newNeighbors := h.selectNeighborsHeuristic(neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
				neighborNode.Neighbors[lc] = newNeighbors
			}
		}

		currNearest = neighbors
	}

	if level > h.Nodes[h.EntryPoint].Level {
		h.EntryPoint = id
	}

	return nil
}

// searchLayer performs a greedy search in a specific layer
func (h *HNSW) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{} // max heap for nearest

	for _, point := range entryPoints {
		dist := h.calculateDistance(query, h.Nodes[point])

		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist}) // negative for max heap
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode := h.Nodes[current.id]

		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if !visited[neighbor] {
				visited[neighbor] = true

				dist := h.calculateDistance(query, h.Nodes[neighbor])

				if dist < -(*dynamicList)[0].dist || dynamicList.Len() < ef {
					heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
					heap.Push(dynamicList, &heapItem{id: neighbor, dist: -dist})

					if dynamicList.Len() > ef {
						heap.Pop(dynamicList)
					}
				}
			}
		}
	}

	result := make([]string, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		item := heap.Pop(dynamicList).(*heapItem)
		result = append(result, item.id)
	}

	// Reverse to get closest first
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}

	return result
}

// searchLayerClosest finds the closest point in a layer
func (h *HNSW) searchLayerClosest(query []float32, entryPoints []string, num int, layer int) []string {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighborsHeuristic selects m neighbors using a heuristic
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distPair struct {
		id   string
		dist float32
	}

	pairs := make([]distPair, len(candidates))
	for i, candidate := range candidates {
		pairs[i] = distPair{id: candidate, dist: h.calculateDistance(query, h.Nodes[candidate])}
	}

	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	result := make([]string, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		result = append(result, pairs[i].id)
	}

	return result
}

// addConnection adds a connection between two nodes
func (h *HNSW) addConnection(from, to string, layer int) {
	fromNode, exists := h.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}

	for _, neighbor := range fromNode.Neighbors[layer] {
		if neighbor == to {
			return
		}
	}

	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// search performs k-NN search over the whole shared graph, returning
// graph node keys (still namespaced by user).
func (h *HNSW) search(query []float32, k int, ef int) ([]string, []float32) {
	if h.EntryPoint == "" {
		return []string{}, []float32{}
	}

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []string{h.EntryPoint}

	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := h.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}

	results := make([]result, 0, len(candidates))
	for _, candidate := range candidates {
		if node, exists := h.Nodes[candidate]; exists && !node.Deleted {
			results = append(results, result{id: candidate, dist: h.calculateDistance(query, node)})
		}
	}

	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	limit := k
	if limit > len(results) {
		limit = len(results)
	}

	ids := make([]string, limit)
	distances := make([]float32, limit)
	for i := 0; i < limit; i++ {
		ids[i] = results[i].id
		distances[i] = results[i].dist
	}

	return ids, distances
}

// SearchUser returns up to k memory IDs (not graph keys) belonging to
// userID, nearest to query. It over-fetches from the shared graph and
// filters by owner internally, since the graph is partitioned by a
// node-ID prefix rather than one graph per user.
func (h *HNSW) SearchUser(userID string, query []float32, k int, ef int) ([]string, []float32) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	fetch := k
	if fetch < 1 {
		fetch = 1
	}
	rawIDs, rawDists := h.search(query, fetch*8+32, ef)

	ids := make([]string, 0, k)
	dists := make([]float32, 0, k)
	for i, nodeID := range rawIDs {
		node, ok := h.Nodes[nodeID]
		if !ok || node.UserID != userID {
			continue
		}
		ids = append(ids, node.MemoryID)
		dists = append(dists, rawDists[i])
		if len(ids) >= k {
			break
		}
	}
	return ids, dists
}

// Delete marks a user's memory node as deleted (soft delete).
func (h *HNSW) Delete(userID, memoryID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := nodeKey(userID, memoryID)
	node, exists := h.Nodes[id]
	if !exists {
		return errors.New("node not found")
	}

	node.Deleted = true

	if h.EntryPoint == id {
		for nodeID, n := range h.Nodes {
			if !n.Deleted {
				h.EntryPoint = nodeID
				break
			}
		}
	}

	return nil
}

// Size returns the number of live nodes in the index, across all users.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, node := range h.Nodes {
		if !node.Deleted {
			count++
		}
	}
	return count
}

// heapItem for priority queue
type heapItem struct {
	id   string
	dist float32
}

// distHeap implements heap.Interface
type distHeap []*heapItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}

func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// CosineDistance computes cosine distance (1 - cosine similarity), the
// only distance function memories are ranked by.
func CosineDistance(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 1.0
	}

	similarity := dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - similarity
}
