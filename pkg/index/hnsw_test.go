package index

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestHNSWBasic(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	vectors := []struct {
		id  string
		vec []float32
	}{
		{"vec1", []float32{1.0, 0.0, 0.0, 0.0}},
		{"vec2", []float32{0.0, 1.0, 0.0, 0.0}},
		{"vec3", []float32{0.0, 0.0, 1.0, 0.0}},
		{"vec4", []float32{0.5, 0.5, 0.0, 0.0}},
		{"vec5", []float32{0.5, 0.0, 0.5, 0.0}},
	}

	for _, v := range vectors {
		if err := hnsw.Insert("u1", v.id, v.vec); err != nil {
			t.Fatalf("Failed to insert %s: %v", v.id, err)
		}
	}

	if hnsw.Size() != 5 {
		t.Errorf("Expected size 5, got %d", hnsw.Size())
	}

	query := []float32{0.9, 0.1, 0.0, 0.0}
	ids, distances := hnsw.SearchUser("u1", query, 3, 50)

	if len(ids) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(ids))
	}
	if ids[0] != "vec1" {
		t.Errorf("Expected first result to be vec1, got %s", ids[0])
	}
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			t.Error("Distances not in ascending order")
		}
	}
}

func TestHNSWUserIsolation(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	if err := hnsw.Insert("u1", "m1", []float32{1.0, 0.0, 0.0, 0.0}); err != nil {
		t.Fatalf("insert u1/m1: %v", err)
	}
	if err := hnsw.Insert("u2", "m1", []float32{1.0, 0.0, 0.0, 0.0}); err != nil {
		t.Fatalf("insert u2/m1: %v", err)
	}

	// A shared memory ID across users must not collide in the graph, and
	// a search scoped to one user must never surface the other's node.
	if hnsw.Size() != 2 {
		t.Errorf("expected 2 distinct nodes despite shared memory ID, got %d", hnsw.Size())
	}

	query := []float32{1.0, 0.0, 0.0, 0.0}
	ids, _ := hnsw.SearchUser("u3", query, 5, 50)
	if len(ids) != 0 {
		t.Errorf("expected no results for a user with no memories, got %v", ids)
	}

	ids, _ = hnsw.SearchUser("u1", query, 5, 50)
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("expected exactly [m1] for u1, got %v", ids)
	}
}

func TestHNSWCosineDistance(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	normalize := func(v []float32) []float32 {
		var sum float32
		for _, val := range v {
			sum += val * val
		}
		norm := float32(math.Sqrt(float64(sum)))
		result := make([]float32, len(v))
		for i, val := range v {
			result[i] = val / norm
		}
		return result
	}

	vectors := []struct {
		id  string
		vec []float32
	}{
		{"doc1", normalize([]float32{1.0, 0.0, 0.0, 0.0})},
		{"doc2", normalize([]float32{1.0, 1.0, 0.0, 0.0})},
		{"doc3", normalize([]float32{0.0, 1.0, 0.0, 0.0})},
		{"doc4", normalize([]float32{1.0, 0.0, 1.0, 0.0})},
		{"doc5", normalize([]float32{1.0, 1.0, 1.0, 1.0})},
	}

	for _, v := range vectors {
		if err := hnsw.Insert("u1", v.id, v.vec); err != nil {
			t.Fatalf("Failed to insert %s: %v", v.id, err)
		}
	}

	query := normalize([]float32{1.0, 0.5, 0.0, 0.0})
	ids, _ := hnsw.SearchUser("u1", query, 3, 50)
	if len(ids) == 0 {
		t.Fatal("No results returned")
	}
}

func TestHNSWLargeScale(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large scale test in short mode")
	}

	hnsw := NewHNSW(16, 200, CosineDistance)

	numVectors := 1000
	dim := 128
	vectors := make([][]float32, numVectors)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < numVectors; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rng.Float32()*2 - 1
		}
		vectors[i] = vec

		id := fmt.Sprintf("vec_%d", i)
		if err := hnsw.Insert("u1", id, vec); err != nil {
			t.Fatalf("Failed to insert vector %d: %v", i, err)
		}
	}

	query := vectors[0]
	ids, distances := hnsw.SearchUser("u1", query, 10, 100)

	if len(ids) != 10 {
		t.Errorf("Expected 10 results, got %d", len(ids))
	}
	if ids[0] != "vec_0" {
		t.Errorf("Expected first result to be vec_0, got %s", ids[0])
	}
	if distances[0] > 0.001 {
		t.Errorf("Expected first distance to be ~0, got %.4f", distances[0])
	}
}

func TestHNSWDelete(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("vec_%d", i)
		vec := make([]float32, 4)
		vec[0] = float32(i + 1)
		if err := hnsw.Insert("u1", id, vec); err != nil {
			t.Fatalf("Failed to insert %s: %v", id, err)
		}
	}

	if err := hnsw.Delete("u1", "vec_2"); err != nil {
		t.Fatalf("Failed to delete vec_2: %v", err)
	}

	if hnsw.Size() != 4 {
		t.Errorf("Expected size 4 after deletion, got %d", hnsw.Size())
	}

	query := []float32{3.0, 0, 0, 0}
	ids, _ := hnsw.SearchUser("u1", query, 5, 50)
	for _, id := range ids {
		if id == "vec_2" {
			t.Error("Deleted vector vec_2 appeared in search results")
		}
	}
}

func TestHNSWDuplicateInsert(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	vec := []float32{1.0, 0.0, 0.0, 0.0}

	if err := hnsw.Insert("u1", "vec1", vec); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	if err := hnsw.Insert("u1", "vec1", vec); err == nil {
		t.Error("Expected error for duplicate insert, got nil")
	}
}

func TestHNSWEmptyIndex(t *testing.T) {
	hnsw := NewHNSW(16, 200, CosineDistance)

	query := []float32{1.0, 0.0, 0.0, 0.0}
	ids, distances := hnsw.SearchUser("u1", query, 5, 50)

	if len(ids) != 0 {
		t.Errorf("Expected 0 results from empty index, got %d", len(ids))
	}
	if len(distances) != 0 {
		t.Errorf("Expected 0 distances from empty index, got %d", len(distances))
	}
}

func BenchmarkHNSWInsert(b *testing.B) {
	hnsw := NewHNSW(16, 200, CosineDistance)
	dim := 128

	vectors := make([][]float32, b.N)
	for i := 0; i < b.N; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rand.Float32()
		}
		vectors[i] = vec
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := hnsw.Insert("u1", fmt.Sprintf("vec_%d", i), vectors[i]); err != nil {
			b.Fatalf("Insert failed: %v", err)
		}
	}
}

func BenchmarkHNSWSearch(b *testing.B) {
	hnsw := NewHNSW(16, 200, CosineDistance)
	dim := 128
	numVectors := 10000

	for i := 0; i < numVectors; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rand.Float32()
		}
		if err := hnsw.Insert("u1", fmt.Sprintf("vec_%d", i), vec); err != nil {
			b.Fatalf("Insert failed: %v", err)
		}
	}

	query := make([]float32, dim)
	for j := 0; j < dim; j++ {
		query[j] = rand.Float32()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hnsw.SearchUser("u1", query, 10, 50)
	}
}
