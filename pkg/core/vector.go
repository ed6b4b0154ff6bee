package core

import "github.com/liliang-cn/mnemo/internal/encoding"

func encodeVector(v []float32) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encoding.EncodeVector(v)
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return encoding.DecodeVector(b)
}

// CosineScore maps cosine distance (as returned by the HNSW index, in
// [0, 2]) onto the [0, 1] similarity band the retriever's fusion formula
// expects: s_vec(m) = clamp(1 - distance, 0, 1).
func CosineScore(distance float32) float64 {
	s := 1 - float64(distance)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
