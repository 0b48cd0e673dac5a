// Package fixmath implements the deterministic fixed-point arithmetic the
// ledger runs on: overflow-checked signed 64-bit operations, double-width
// multiply-then-divide ratios, and the interest rate curve.
//
// All values are two's-complement int64. Overflow is never silent: checked
// operations return ErrOverflow and the caller aborts the whole operation.
package fixmath

import "errors"

var ErrOverflow = errors.New("arithmetic overflow")

// Neg returns -x. MinInt64 wraps onto itself (two's complement), zero is
// fixed; callers that care guard the MinInt64 case via checked Add/Sub.
func Neg(x int64) int64 { return -x }

// Abs returns |x|. Abs(MinInt64) wraps onto MinInt64 itself.
func Abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// Add returns a+b, failing when both operands share a sign and the wrapped
// result's sign differs.
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (a < 0) == (b < 0) && (sum < 0) != (a < 0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b as Add(a, Neg(b)). Subtracting MinInt64 therefore behaves
// as adding MinInt64, matching the word-level definition.
func Sub(a, b int64) (int64, error) {
	return Add(a, -b)
}

func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
