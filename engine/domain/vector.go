package domain

import "math"

// Vector is a fixed-length embedding.
type Vector []float32

// ZeroVector returns the "no visual signal" sentinel of the given dimension.
func ZeroVector(dims int) Vector { return make(Vector, dims) }

// IsZero reports whether every component is zero. An empty vector is zero.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Normalize returns an L2-normalized copy of v. Zero vectors are returned as-is.
func (v Vector) Normalize() Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make(Vector, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
