// Package mathx has small generic numeric helpers shared by the codecs and
// schedulers.
package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to the closed range spanned by a and b, in either order.
func Clamp[T constraints.Ordered](v, a, b T) T {
	lo, hi := Min(a, b), Max(a, b)
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// Between reports whether v lies in the closed range spanned by a and b.
// NaN is never between anything.
func Between[T constraints.Ordered](v, a, b T) bool {
	return v >= Min(a, b) && v <= Max(a, b)
}

func Min[T constraints.Ordered](a, b T) T {
	if b < a {
		return b
	}
	return a
}

func Max[T constraints.Ordered](a, b T) T {
	if b > a {
		return b
	}
	return a
}
