// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package utils

import "golang.org/x/exp/constraints"

// MapKeys returns the keys of the map in no particular order.
func MapKeys[K comparable, V any](m map[K]V) []K {
	ks := make([]K, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}

func Min[I constraints.Ordered](m I, ns ...I) I {
	min := m
	for _, n := range ns {
		if n < min {
			min = n
		}
	}
	return min
}

func Max[I constraints.Ordered](m I, ns ...I) I {
	max := m
	for _, n := range ns {
		if n > max {
			max = n
		}
	}
	return max
}
