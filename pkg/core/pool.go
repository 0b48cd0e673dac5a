package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
)

// poolOnly is the sentinel account for accrual-only pool moves.
var poolOnly common.Address

// capitalizeBorrow rescales a borrow principal (negative) to the current
// borrow index: magnitude = floor(|p| * borrowIndex / userIndex), plus one
// unit when the quotient equals the old magnitude, so debt always visibly
// accrues (ceiling toward more debt).
func capitalizeBorrow(principal int64, userIndex, borrowIndex uint64) (int64, error) {
	mag := uint64(fixmath.Neg(principal))
	q, err := fixmath.MulDiv(mag, borrowIndex, userIndex)
	if err != nil {
		return 0, err
	}
	if q == mag {
		q++
	}
	if q > 1<<63 {
		return 0, fixmath.ErrOverflow
	}
	return -int64(q), nil
}

// capitalizeLend rescales a lend principal (non-negative) to the current
// lend index, flooring.
func capitalizeLend(principal int64, userIndex, lendIndex uint64) (int64, error) {
	q, err := fixmath.MulDiv(uint64(principal), lendIndex, userIndex)
	if err != nil {
		return 0, err
	}
	if q > 1<<63-1 {
		return 0, fixmath.ErrOverflow
	}
	return int64(q), nil
}

// capitalize projects a position's principal onto the given pool indexes
// without touching stored state. Index zero means an untouched position.
func capitalize(pos Position, borrowIndex, lendIndex uint64) (int64, error) {
	switch {
	case pos.Index == 0:
		return 0, nil
	case pos.Principal < 0:
		return capitalizeBorrow(pos.Principal, pos.Index, borrowIndex)
	default:
		return capitalizeLend(pos.Principal, pos.Index, lendIndex)
	}
}

// accrue advances one instrument's pool to relative time now: utilization,
// curve rate, compound factor over the elapsed seconds, and the resulting
// index growth. Returns the updated instrument.
func accrue(inst Instrument, now int64) (Instrument, error) {
	if now < inst.LastUpdate {
		return Instrument{}, fmt.Errorf("pool %d clock went backwards: %w", inst.ID, fixmath.ErrOverflow)
	}

	util, err := fixmath.Utilization(uint64(inst.Borrowed), uint64(inst.Liquidity))
	if err != nil {
		return Instrument{}, err
	}
	curve := fixmath.RateCurve{
		OptimalUtilization: inst.OptimalUtilization,
		Min:                inst.MinRate,
		Opt:                inst.OptRate,
		Max:                inst.MaxRate,
	}
	rate, err := curve.Rate(util)
	if err != nil {
		return Instrument{}, err
	}
	factor, err := fixmath.CompoundFactor(rate, uint64(now-inst.LastUpdate))
	if err != nil {
		return Instrument{}, err
	}
	accruedInterest, err := fixmath.MulDiv(factor-params.RateOne, uint64(inst.Borrowed), params.RateOne)
	if err != nil {
		return Instrument{}, err
	}
	if accruedInterest > 1<<63-1 {
		return Instrument{}, fixmath.ErrOverflow
	}

	newBorrowed, err := fixmath.Add(inst.Borrowed, int64(accruedInterest))
	if err != nil {
		return Instrument{}, err
	}
	newLiquidity, err := fixmath.Add(inst.Liquidity, int64(accruedInterest))
	if err != nil {
		return Instrument{}, err
	}

	// Indexes track the pool growth; an empty side resets to RateOne.
	borrowIndex := uint64(params.RateOne)
	if inst.Borrowed != 0 {
		borrowIndex, err = fixmath.MulDiv(inst.BorrowIndex, uint64(newBorrowed), uint64(inst.Borrowed))
		if err != nil {
			return Instrument{}, err
		}
	}
	lendIndex := uint64(params.RateOne)
	if inst.Liquidity != 0 {
		lendIndex, err = fixmath.MulDiv(inst.LendIndex, uint64(newLiquidity), uint64(inst.Liquidity))
		if err != nil {
			return Instrument{}, err
		}
	}

	inst.LastUpdate = now
	inst.Borrowed = newBorrowed
	inst.Liquidity = newLiquidity
	inst.BorrowIndex = borrowIndex
	inst.LendIndex = lendIndex
	return inst, nil
}

// poolMove accrues interest on one instrument pool, capitalizes the given
// account's position, and applies a signed transfer between the account and
// the pool. A positive transfer sends cash to the pool (repay and/or
// subscribe), a negative one draws from it (borrow and/or redeem). The
// poolOnly sentinel account updates the pool without touching any position.
func poolMove(tx *stateTx, account common.Address, instrument uint64, transfer int64, now int64) error {
	inst, err := tx.instrument(instrument)
	if err != nil {
		return err
	}
	inst, err = accrue(inst, now)
	if err != nil {
		return err
	}

	if account != poolOnly {
		pos, err := tx.position(account, instrument)
		if err != nil {
			return err
		}

		principal, err := capitalize(pos, inst.BorrowIndex, inst.LendIndex)
		if err != nil {
			return err
		}

		// The pool must be able to carry the position's long side.
		if inst.Liquidity < fixmath.Max(0, principal) {
			return fmt.Errorf("pool %d cannot carry position: %w", instrument, ErrInsufficientLiquidity)
		}

		// Split the transfer so that redemption never exceeds the long
		// position and new borrowing requires prior full repay:
		//   liquidityTransfer = max(transfer + min(0, principal), min(0, -principal))
		//   borrowedTransfer  = transfer - liquidityTransfer
		sum, err := fixmath.Add(transfer, fixmath.Min(0, principal))
		if err != nil {
			return err
		}
		liquidityTransfer := fixmath.Max(sum, fixmath.Min(0, fixmath.Neg(principal)))
		borrowedTransfer, err := fixmath.Sub(transfer, liquidityTransfer)
		if err != nil {
			return err
		}

		inst.Borrowed, err = fixmath.Sub(inst.Borrowed, borrowedTransfer)
		if err != nil {
			return err
		}
		if inst.Borrowed < 0 {
			// Repaid more than the pool's outstanding borrow. This is
			// interest-rounding dust: credit it to lenders through the lend
			// index rather than losing it.
			remainder := fixmath.Neg(inst.Borrowed)
			if inst.Liquidity == 0 {
				return fmt.Errorf("pool %d dust repay into empty pool: %w", instrument, ErrInsufficientLiquidity)
			}
			bump, err := fixmath.MulDiv(inst.LendIndex, uint64(remainder), uint64(inst.Liquidity))
			if err != nil {
				return err
			}
			if inst.LendIndex+bump < inst.LendIndex {
				return fixmath.ErrOverflow
			}
			inst.LendIndex += bump
			inst.Liquidity, err = fixmath.Add(inst.Liquidity, remainder)
			if err != nil {
				return err
			}
			inst.Borrowed = 0
		}
		inst.Liquidity, err = fixmath.Add(inst.Liquidity, liquidityTransfer)
		if err != nil {
			return err
		}
		if inst.Liquidity < inst.Borrowed {
			return fmt.Errorf("pool %d over-borrowed: %w", instrument, ErrInsufficientLiquidity)
		}

		pos.Principal, err = fixmath.Add(principal, transfer)
		if err != nil {
			return err
		}
		pos.Cash, err = fixmath.Sub(pos.Cash, transfer)
		if err != nil {
			return err
		}
		if pos.Cash < 0 {
			return fmt.Errorf("pool move of %d: %w", transfer, ErrInsufficientBalance)
		}

		switch {
		case pos.Principal == 0:
			pos.Index = 0
		case pos.Principal < 0:
			pos.Index = inst.BorrowIndex
		default:
			pos.Index = inst.LendIndex
		}
		tx.setPosition(account, instrument, pos)
	}

	tx.setInstrument(inst)
	return nil
}
