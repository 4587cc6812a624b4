package utils

import (
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
	"golang.org/x/exp/constraints"
)

// Clamp pins v into [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxOf[T constraints.Unsigned]() T {
	var zero T
	return ^zero
}

func CheckedAdd[T constraints.Unsigned](a, b T) (T, error) {
	if a > maxOf[T]()-b {
		return 0, errors.Join(factory_errors.ErrArithmeticOverflow, fmt.Errorf("%d + %d", a, b))
	}
	return a + b, nil
}

func CheckedSub[T constraints.Unsigned](a, b T) (T, error) {
	if b > a {
		return 0, errors.Join(factory_errors.ErrArithmeticOverflow, fmt.Errorf("%d - %d", a, b))
	}
	return a - b, nil
}
