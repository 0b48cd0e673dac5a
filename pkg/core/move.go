package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
)

// addCash adds a signed amount to the account's cash balance; the result
// must stay non-negative.
func addCash(tx *stateTx, account common.Address, instrument uint64, amount int64) error {
	pos, err := tx.position(account, instrument)
	if err != nil {
		return err
	}
	cash, err := fixmath.Add(pos.Cash, amount)
	if err != nil {
		return err
	}
	if cash < 0 {
		return fmt.Errorf("cash %d%+d on instrument %d: %w", pos.Cash, amount, instrument, ErrInsufficientBalance)
	}
	pos.Cash = cash
	tx.setPosition(account, instrument, pos)
	return nil
}

// addPrincipal adds a signed amount to the account's pool principal. The
// caller is responsible for having refreshed the pool indexes first; a
// previously untouched position adopts the instrument's current index.
func addPrincipal(tx *stateTx, account common.Address, instrument uint64, amount int64) error {
	pos, err := tx.position(account, instrument)
	if err != nil {
		return err
	}
	principal, err := fixmath.Add(pos.Principal, amount)
	if err != nil {
		return err
	}
	pos.Principal = principal
	switch {
	case principal == 0:
		pos.Index = 0
	case pos.Index == 0:
		inst, err := tx.instrument(instrument)
		if err != nil {
			return err
		}
		if principal < 0 {
			pos.Index = inst.BorrowIndex
		} else {
			pos.Index = inst.LendIndex
		}
	}
	tx.setPosition(account, instrument, pos)
	return nil
}

// moveBaskets transfers the cash and pool baskets from src to dst, entry by
// entry. Unless the respective allow-negative flag is set, a negative entry
// rejects the whole operation.
func moveBaskets(tx *stateTx, src, dst common.Address, cash, pool Basket, allowNegativeCash, allowNegativePool bool) error {
	if len(cash) > params.MaxBasketLen || len(pool) > params.MaxBasketLen {
		return ErrBasketTooLarge
	}
	for _, entry := range cash {
		if !allowNegativeCash && entry.Amount < 0 {
			return fmt.Errorf("cash basket entry %d: %w", entry.Instrument, ErrNegativeAmount)
		}
		if err := addCash(tx, src, entry.Instrument, fixmath.Neg(entry.Amount)); err != nil {
			return err
		}
		if err := addCash(tx, dst, entry.Instrument, entry.Amount); err != nil {
			return err
		}
	}
	for _, entry := range pool {
		if !allowNegativePool && entry.Amount < 0 {
			return fmt.Errorf("pool basket entry %d: %w", entry.Instrument, ErrNegativeAmount)
		}
		if err := addPrincipal(tx, src, entry.Instrument, fixmath.Neg(entry.Amount)); err != nil {
			return err
		}
		if err := addPrincipal(tx, dst, entry.Instrument, entry.Amount); err != nil {
			return err
		}
	}
	return nil
}

// collectFees credits a non-negative fee to the protocol fee target.
func collectFees(tx *stateTx, instrument uint64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("fee: %w", ErrNegativeAmount)
	}
	if amount == 0 {
		return nil
	}
	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}
	return addCash(tx, globals.FeeTarget, instrument, amount)
}
