// Package rollout provides deterministic bucketing for fractional variant
// assignment. The bucketing key is hashed with 32-bit MurmurHash3 (seed 0)
// over its UTF-8 bytes; the hash is the sole source of bucketing
// non-determinism, so the same key and weight vector always yield the same
// variant across runs and platforms.
package rollout

import "github.com/twmb/murmur3"

// Bucket returns the 32-bit MurmurHash3 of the bucketing key, seed 0.
func Bucket(key string) uint32 {
	return murmur3.StringSum32(key)
}

// Position maps the bucketing key onto [0, 1).
func Position(key string) float64 {
	return float64(Bucket(key)) / (1 << 32)
}
