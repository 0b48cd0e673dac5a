package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
	"github.com/lendexhq/lendex/pkg/oracle"
)

// healthCheck computes the account's aggregate signed excess margin across
// all instruments, projecting each position's principal against the current
// pool indexes without mutating stored state.
//
// Per instrument with any cash or principal, with balance = cash + loaned:
//
//	balance >= 0: health += price * balance * (1 - haircut)
//	balance <  0: health -= price * |balance| * (1 + margin)
//
// Lend positions further subtract price * loaned * (1-haircut) * optimalUtilization:
// the optimally-utilized share of lent funds is illiquid collateral.
// Every term is rescaled by PriceScale (and RatioOne per ratio factor).
//
// This is the sole solvency check consulted by every balance-mutating
// operation; use_maintenance selects the maintenance ratios instead of the
// initial ones.
func healthCheck(tx *stateTx, prices oracle.PriceSource, account common.Address, useMaintenance bool) (int64, error) {
	count, err := tx.instrumentCountVal()
	if err != nil {
		return 0, err
	}
	if count > params.MaxInstruments {
		return 0, fmt.Errorf("instrument table: %w", ErrBasketTooLarge)
	}

	var health int64
	for id := uint64(0); id < count; id++ {
		pos, err := tx.position(account, id)
		if err != nil {
			return 0, err
		}
		if pos.Cash == 0 && pos.Principal == 0 {
			continue
		}

		price, err := prices.NormalizedPrice(id)
		if err != nil {
			return 0, fmt.Errorf("price for instrument %d: %w", id, err)
		}
		inst, err := tx.instrument(id)
		if err != nil {
			return 0, err
		}

		loaned, err := capitalize(pos, inst.BorrowIndex, inst.LendIndex)
		if err != nil {
			return 0, err
		}
		balance, err := fixmath.Add(pos.Cash, loaned)
		if err != nil {
			return 0, err
		}

		haircut := inst.InitialHaircut
		margin := inst.InitialMargin
		if useMaintenance {
			haircut = inst.MaintenanceHaircut
			margin = inst.MaintenanceMargin
		}

		if balance < 0 {
			term, err := fixmath.WideRatio(params.PriceScale*params.RatioOne,
				price, uint64(fixmath.Neg(balance)), params.RatioOne+margin)
			if err != nil {
				return 0, err
			}
			if term > 1<<63-1 {
				return 0, fixmath.ErrOverflow
			}
			health, err = fixmath.Sub(health, int64(term))
			if err != nil {
				return 0, err
			}
		} else {
			term, err := fixmath.WideRatio(params.PriceScale*params.RatioOne,
				price, uint64(balance), params.RatioOne-haircut)
			if err != nil {
				return 0, err
			}
			if term > 1<<63-1 {
				return 0, fixmath.ErrOverflow
			}
			health, err = fixmath.Add(health, int64(term))
			if err != nil {
				return 0, err
			}
		}

		if pos.Principal > 0 {
			term, err := fixmath.WideRatio(params.PriceScale*params.RatioOne*params.RatioOne,
				price, uint64(loaned), params.RatioOne-haircut, inst.OptimalUtilization)
			if err != nil {
				return 0, err
			}
			if term > 1<<63-1 {
				return 0, fixmath.ErrOverflow
			}
			health, err = fixmath.Sub(health, int64(term))
			if err != nil {
				return 0, err
			}
		}
	}
	return health, nil
}
