package cache

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length or with zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// better reports whether a candidate with score beats the current best.
// Ties keep the earlier record.
func better(score, threshold float64, best *Match) bool {
	if score < threshold {
		return false
	}
	return best == nil || score > best.Score
}
