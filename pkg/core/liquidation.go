package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
	"github.com/lendexhq/lendex/pkg/oracle"
)

// basketMode selects how basketValue prices the entries of a basket.
type basketMode struct {
	// negatives values the negative entries instead of the positive ones.
	negatives bool
	// bonus prices with the liquidation bonus 1 + factor*maintenanceHaircut.
	bonus  bool
	factor uint64
	// invert divides by the bonus instead of multiplying. Without bonus it
	// selects the initial margin markup instead of the initial haircut.
	invert bool
	// optUtil weights by 1 - optimalUtilization; ignored with bonus.
	optUtil bool
}

// basketValue prices one side of a basket. Only entries whose sign matches
// mode.negatives contribute; each contributes |amount| * price rescaled by
// the mode's ratio factors and PriceScale.
func basketValue(tx *stateTx, prices oracle.PriceSource, basket Basket, mode basketMode) (uint64, error) {
	var total uint64
	for _, entry := range basket {
		if (entry.Amount < 0) != mode.negatives {
			continue
		}
		price, err := prices.NormalizedPrice(entry.Instrument)
		if err != nil {
			return 0, fmt.Errorf("price for instrument %d: %w", entry.Instrument, err)
		}
		inst, err := tx.instrument(entry.Instrument)
		if err != nil {
			return 0, err
		}
		mag := uint64(fixmath.Abs(entry.Amount))

		var value uint64
		if mode.bonus {
			markup, err := fixmath.MulDiv(mode.factor, inst.MaintenanceHaircut, params.RatioOne)
			if err != nil {
				return 0, err
			}
			bonus := params.RatioOne + markup
			if mode.invert {
				value, err = fixmath.WideRatio(bonus*params.PriceScale, mag, price, params.RatioOne)
			} else {
				value, err = fixmath.WideRatio(params.RatioOne*params.PriceScale, mag, price, bonus)
			}
			if err != nil {
				return 0, err
			}
		} else {
			ratio := params.RatioOne - inst.InitialHaircut
			if mode.invert {
				ratio = params.RatioOne + inst.InitialMargin
			}
			weight := uint64(params.RatioOne)
			if mode.optUtil {
				weight = params.RatioOne - inst.OptimalUtilization
			}
			value, err = fixmath.WideRatio(params.RatioOne*params.RatioOne*params.PriceScale,
				mag, price, ratio, weight)
			if err != nil {
				return 0, err
			}
		}

		sum := total + value
		if sum < total {
			return 0, fixmath.ErrOverflow
		}
		total = sum
	}
	return total, nil
}

// scaleBasket scales every entry by num/den. Borrow entries (negative) round
// their magnitude up, lend entries down, so scaling never under-removes
// debt from the liquidatee.
func scaleBasket(basket Basket, num, den uint64) (Basket, error) {
	scaled := make(Basket, len(basket))
	for i, entry := range basket {
		mag := uint64(fixmath.Abs(entry.Amount))
		if entry.Amount < 0 {
			m, err := fixmath.MulDivCeil(mag, num, den)
			if err != nil {
				return nil, err
			}
			if m > 1<<63 {
				return nil, fixmath.ErrOverflow
			}
			scaled[i] = InstrumentAmount{Instrument: entry.Instrument, Amount: -int64(m)}
		} else {
			m, err := fixmath.MulDiv(mag, num, den)
			if err != nil {
				return nil, err
			}
			if m > 1<<63-1 {
				return nil, fixmath.ErrOverflow
			}
			scaled[i] = InstrumentAmount{Instrument: entry.Instrument, Amount: int64(m)}
		}
	}
	return scaled, nil
}

// closerToZero rejects any pool basket entry that would push the account's
// principal further from zero or past it: a borrower never ends up owing
// more, a lender never ends up lending more.
func closerToZero(tx *stateTx, account common.Address, pool Basket) error {
	for _, entry := range pool {
		pos, err := tx.position(account, entry.Instrument)
		if err != nil {
			return err
		}
		if pos.Principal < 0 {
			if entry.Amount > 0 || entry.Amount < pos.Principal {
				return fmt.Errorf("pool entry %d not closer to zero: %w", entry.Instrument, ErrUnfairLiquidation)
			}
		} else {
			if entry.Amount < 0 || entry.Amount > pos.Principal {
				return fmt.Errorf("pool entry %d not closer to zero: %w", entry.Instrument, ErrUnfairLiquidation)
			}
		}
	}
	return nil
}

// performNetting repays each of the liquidatee's debts from its own cash
// where possible and refreshes the pool indexes for both parties, so the
// baskets move against up-to-date principals.
func performNetting(tx *stateTx, liquidatee, liquidator common.Address, now int64) error {
	count, err := tx.instrumentCountVal()
	if err != nil {
		return err
	}
	for id := uint64(0); id < count; id++ {
		pos, err := tx.position(liquidatee, id)
		if err != nil {
			return err
		}
		if pos.Principal == 0 {
			continue
		}
		var repay int64
		if pos.Principal < 0 {
			repay = fixmath.Min(pos.Cash, fixmath.Neg(pos.Principal))
		}
		if err := poolMove(tx, liquidatee, id, repay, now); err != nil {
			return err
		}
		if err := poolMove(tx, liquidator, id, 0, now); err != nil {
			return err
		}
	}
	return nil
}

// liquidate transfers the proposed cash and pool baskets from an unhealthy
// liquidatee to the liquidator, after checking the exchange is fair at
// bonus-adjusted prices and scaling the baskets so only the liquidatee's
// actual shortfall is removed.
func liquidate(tx *stateTx, prices oracle.PriceSource, liquidator, liquidatee common.Address, cash, pool Basket, now int64) error {
	if liquidator == liquidatee {
		return fmt.Errorf("self liquidation: %w", ErrUnfairLiquidation)
	}
	if len(cash) > params.MaxBasketLen || len(pool) > params.MaxBasketLen {
		return ErrBasketTooLarge
	}

	maint, err := healthCheck(tx, prices, liquidatee, true)
	if err != nil {
		return err
	}
	if maint >= 0 {
		return fmt.Errorf("maintenance health %d: %w", maint, ErrUnfairLiquidation)
	}

	if err := performNetting(tx, liquidatee, liquidator, now); err != nil {
		return err
	}

	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}

	if err := closerToZero(tx, liquidatee, pool); err != nil {
		return err
	}

	// What the liquidator takes is priced with the bonus discount, what it
	// gives with the bonus markup; the take side must not exceed the give
	// side.
	cashTake, err := basketValue(tx, prices, cash, basketMode{
		bonus: true, factor: globals.Factors.Cash, invert: true,
	})
	if err != nil {
		return err
	}
	poolTake, err := basketValue(tx, prices, pool, basketMode{
		bonus: true, factor: globals.Factors.Pool, invert: true,
	})
	if err != nil {
		return err
	}
	poolGive, err := basketValue(tx, prices, pool, basketMode{
		negatives: true, bonus: true, factor: globals.Factors.Cash,
	})
	if err != nil {
		return err
	}
	take := cashTake + poolTake
	if take < cashTake {
		return fixmath.ErrOverflow
	}
	if take > poolGive {
		return fmt.Errorf("take value %d exceeds give value %d: %w", take, poolGive, ErrUnfairLiquidation)
	}

	// alpha = |initial health| / (haircut-weighted takes - margin-weighted
	// gives), clamped to [0, 1]: the fraction of the proposed baskets that
	// covers exactly the shortfall.
	initial, err := healthCheck(tx, prices, liquidatee, false)
	if err != nil {
		return err
	}
	alphaNum := uint64(fixmath.Abs(initial))

	cashTake, err = basketValue(tx, prices, cash, basketMode{})
	if err != nil {
		return err
	}
	poolTake, err = basketValue(tx, prices, pool, basketMode{optUtil: true})
	if err != nil {
		return err
	}
	poolGive, err = basketValue(tx, prices, pool, basketMode{negatives: true, invert: true})
	if err != nil {
		return err
	}
	take = cashTake + poolTake
	if take < cashTake {
		return fixmath.ErrOverflow
	}
	if poolGive <= take {
		return fmt.Errorf("non-positive scaling denominator: %w", ErrUnfairLiquidation)
	}
	alphaDen := poolGive - take
	if alphaNum > alphaDen {
		alphaNum = alphaDen
	}

	cash, err = scaleBasket(cash, alphaNum, alphaDen)
	if err != nil {
		return err
	}
	pool, err = scaleBasket(pool, alphaNum, alphaDen)
	if err != nil {
		return err
	}

	if err := moveBaskets(tx, liquidatee, liquidator, cash, pool, false, true); err != nil {
		return err
	}

	health, err := healthCheck(tx, prices, liquidator, false)
	if err != nil {
		return err
	}
	if health < 0 {
		return fmt.Errorf("liquidator health %d: %w", health, ErrUnhealthyAccount)
	}
	return nil
}
