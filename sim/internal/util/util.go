// Package util provides generic utility functions shared across sim/ sub-packages.
package util

// Distinct reports whether every element of v occurs exactly once.
func Distinct[T comparable](v []T) bool {
	seen := make(map[T]struct{}, len(v))
	for _, e := range v {
		if _, ok := seen[e]; ok {
			return false
		}
		seen[e] = struct{}{}
	}
	return true
}

// SumValues returns the sum of all values in m.
func SumValues[K comparable](m map[K]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
