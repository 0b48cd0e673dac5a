package fixmath

import "github.com/lendexhq/lendex/params"

// RateCurve is the piecewise-linear utilization->rate curve of one pool:
// (0, Min) -> (OptimalUtilization, Opt) -> (1, Max). OptimalUtilization is
// ratio-scaled; the rates are RateOne-scaled per-second rates.
type RateCurve struct {
	OptimalUtilization uint64
	Min                uint64
	Opt                uint64
	Max                uint64
}

// Utilization returns borrowed/liquidity scaled by RateOne, zero when the
// pool is empty.
func Utilization(borrowed, liquidity uint64) (uint64, error) {
	if liquidity == 0 {
		return 0, nil
	}
	return MulDiv(borrowed, params.RateOne, liquidity)
}

// Rate interpolates the curve at the given RateOne-scaled utilization.
//
//	U <  U_opt: R = R_min + U/U_opt * (R_opt - R_min)
//	U >= U_opt: R = R_opt + (U - U_opt)/(1 - U_opt) * (R_max - R_opt)
func (c RateCurve) Rate(utilization uint64) (uint64, error) {
	optUtil, err := MulDiv(c.OptimalUtilization, params.RateOne, params.RatioOne)
	if err != nil {
		return 0, err
	}
	if utilization < optUtil {
		slope, err := MulDiv(utilization, c.Opt-c.Min, optUtil)
		if err != nil {
			return 0, err
		}
		return c.Min + slope, nil
	}
	slope, err := MulDiv(utilization-optUtil, c.Max-c.Opt, params.RateOne-optUtil)
	if err != nil {
		return 0, err
	}
	return c.Opt + slope, nil
}

// CompoundFactor returns (1+rate)^dt in RateOne scale, by fixed-point
// exponentiation-by-squaring. rate is the RateOne-scaled per-second rate and
// dt the elapsed seconds.
func CompoundFactor(rate uint64, dt uint64) (uint64, error) {
	power := params.RateOne + rate
	var out uint64 = params.RateOne
	var err error
	for dt > 0 {
		if dt&1 != 0 {
			if out, err = MulDiv(out, power, params.RateOne); err != nil {
				return 0, err
			}
		}
		dt >>= 1
		if dt == 0 {
			break
		}
		if power, err = MulDiv(power, power, params.RateOne); err != nil {
			return 0, err
		}
	}
	return out, nil
}
