// Package intutils implements utility functions for ints
package intutils

// Min calculates and returns the minimum integer in a list
func Min(ints ...int) int {
	min := ints[0]
	for _, val := range ints {
		if val < min {
			min = val
		}
	}
	return min
}

// Max calculates and returns the maximum int in a list
func Max(ints ...int) int {
	max := ints[0]
	for _, val := range ints {
		if val > max {
			max = val
		}
	}
	return max
}

// Sum calculates and returns the sum of a list of ints
func Sum(ints ...int) int {
	sum := 0
	for _, val := range ints {
		sum += val
	}
	return sum
}

// Prod calculates and returns the product of a list of ints
func Prod(ints ...int) int {
	prod := 1
	for _, val := range ints {
		prod *= val
	}
	return prod
}
