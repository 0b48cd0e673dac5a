package fixmath

import "math/bits"

// MulDiv returns floor(a*b/den) using a 128-bit intermediate product.
// Fails when den is zero or the quotient does not fit in 64 bits.
func MulDiv(a, b, den uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if den == 0 || hi >= den {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// MulDivCeil returns ceil(a*b/den), otherwise as MulDiv.
func MulDivCeil(a, b, den uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if den == 0 || hi >= den {
		return 0, ErrOverflow
	}
	q, r := bits.Div64(hi, lo, den)
	if r != 0 {
		if q == 1<<64-1 {
			return 0, ErrOverflow
		}
		q++
	}
	return q, nil
}

// WideRatio returns floor(f0*f1*.../den), accumulating the numerator product
// in 128 bits. Fails when the product exceeds 128 bits, den is zero, or the
// quotient does not fit in 64 bits.
func WideRatio(den uint64, factors ...uint64) (uint64, error) {
	var hi uint64
	var lo uint64 = 1
	for _, f := range factors {
		carryHi, newLo := bits.Mul64(lo, f)
		hiProd, hiLo := bits.Mul64(hi, f)
		if hiProd != 0 {
			return 0, ErrOverflow
		}
		newHi, carry := bits.Add64(hiLo, carryHi, 0)
		if carry != 0 {
			return 0, ErrOverflow
		}
		hi, lo = newHi, newLo
	}
	if den == 0 || hi >= den {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// MulDivSigned applies MulDiv to the magnitude of a and restores its sign.
// b and den are unsigned scale factors.
func MulDivSigned(a int64, b, den uint64) (int64, error) {
	mag, err := MulDiv(uint64(Abs(a)), b, den)
	if err != nil {
		return 0, err
	}
	if mag > 1<<63 || (mag == 1<<63 && a > 0) {
		return 0, ErrOverflow
	}
	if a < 0 {
		return -int64(mag), nil
	}
	return int64(mag), nil
}
