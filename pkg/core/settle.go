package core

import (
	"fmt"
	"math/big"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
	"github.com/lendexhq/lendex/pkg/oracle"
)

// SettleParams are the matcher-chosen amounts of one fill. All amounts are
// non-negative; ToSend are gross of fees. The negative-margin flags let an
// already-unhealthy account trade as long as the fill does not make it
// worse.
type SettleParams struct {
	BuyerToSend    int64 `json:"buyer_to_send"`
	SellerToSend   int64 `json:"seller_to_send"`
	BuyerToBorrow  int64 `json:"buyer_to_borrow"`
	BuyerToRepay   int64 `json:"buyer_to_repay"`
	SellerToBorrow int64 `json:"seller_to_borrow"`
	SellerToRepay  int64 `json:"seller_to_repay"`
	BuyerFees      int64 `json:"buyer_fees"`
	SellerFees     int64 `json:"seller_fees"`

	BuyerNegativeMargin  bool `json:"buyer_negative_margin"`
	SellerNegativeMargin bool `json:"seller_negative_margin"`
}

func (p *SettleParams) validate() error {
	for _, v := range []int64{
		p.BuyerToSend, p.SellerToSend,
		p.BuyerToBorrow, p.BuyerToRepay,
		p.SellerToBorrow, p.SellerToRepay,
		p.BuyerFees, p.SellerFees,
	} {
		if v < 0 {
			return fmt.Errorf("settle amount %d: %w", v, ErrNegativeAmount)
		}
	}
	return nil
}

// addOrderRecord opens the remaining-allowance record of an order. An
// already-open record is left untouched so a replayed add cannot reset a
// partially filled allowance.
func addOrderRecord(tx *stateTx, order *Order) error {
	if order.SellAmount < 0 || order.BuyAmount < 0 || order.MaxBorrow < 0 || order.MaxRepay < 0 {
		return fmt.Errorf("order amounts: %w", ErrNegativeAmount)
	}
	id := order.ID()
	if _, ok, err := tx.order(id); err != nil {
		return err
	} else if ok {
		return nil
	}
	tx.setOrder(id, OrderRecord{
		SellRemaining:   order.SellAmount,
		BorrowRemaining: order.MaxBorrow,
		RepayRemaining:  order.MaxRepay,
	})
	return nil
}

// ratioGte reports a*b >= c*d without overflow.
func ratioGte(a, b, c, d int64) bool {
	lhs := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	rhs := new(big.Int).Mul(big.NewInt(c), big.NewInt(d))
	return lhs.Cmp(rhs) >= 0
}

// settle fills a matched buy/sell order pair: it checks both orders against
// their limit ratios and remaining allowances, checks the actual exchanged
// amounts are within both limits, moves the cash legs and fees, and borrows
// or repays against the pools on each party's behalf. Both parties must be
// healthy afterwards.
func settle(tx *stateTx, prices oracle.PriceSource, buy, sell *Order, p SettleParams, now int64) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := addOrderRecord(tx, buy); err != nil {
		return err
	}
	if err := addOrderRecord(tx, sell); err != nil {
		return err
	}

	if buy.SellInstrument != sell.BuyInstrument || buy.BuyInstrument != sell.SellInstrument {
		return fmt.Errorf("instrument pair mismatch: %w", ErrInvalidOrderMatch)
	}
	if buy.Expiration <= now || sell.Expiration <= now {
		return ErrStaleOrder
	}

	// Limit ratios cross: buyerSell/buyerBuy >= sellerBuy/sellerSell.
	if !ratioGte(buy.SellAmount, sell.SellAmount, buy.BuyAmount, sell.BuyAmount) {
		return fmt.Errorf("limit ratios cross: %w", ErrInvalidOrderMatch)
	}
	// The actual fill respects each side's limit price.
	if !ratioGte(p.BuyerToSend, sell.SellAmount, p.SellerToSend, sell.BuyAmount) {
		return fmt.Errorf("fill unfair to seller: %w", ErrInvalidOrderMatch)
	}
	if !ratioGte(p.SellerToSend, buy.SellAmount, p.BuyerToSend, buy.BuyAmount) {
		return fmt.Errorf("fill unfair to buyer: %w", ErrInvalidOrderMatch)
	}

	buyID, sellID := buy.ID(), sell.ID()
	buyRec, ok, err := tx.order(buyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("buy order record: %w", ErrOrderAllowanceExceeded)
	}
	sellRec, ok, err := tx.order(sellID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sell order record: %w", ErrOrderAllowanceExceeded)
	}

	switch {
	case buyRec.SellRemaining < p.BuyerToSend,
		sellRec.SellRemaining < p.SellerToSend,
		buyRec.BorrowRemaining < p.BuyerToBorrow,
		sellRec.BorrowRemaining < p.SellerToBorrow,
		buyRec.RepayRemaining < p.BuyerToRepay,
		sellRec.RepayRemaining < p.SellerToRepay:
		return ErrOrderAllowanceExceeded
	}

	// Fees are capped at a fraction of the buyer's gross send, for both
	// sides.
	maxFee := p.BuyerToSend / params.MaxFeesDivisor
	if p.BuyerFees > maxFee || p.SellerFees > maxFee {
		return fmt.Errorf("fees above %d: %w", maxFee, ErrInvalidOrderMatch)
	}
	// Pool legs are bounded by what actually changes hands.
	buyerOut, err := fixmath.Add(p.BuyerToSend, p.BuyerFees)
	if err != nil {
		return err
	}
	if p.BuyerToBorrow > buyerOut ||
		p.BuyerToRepay > p.SellerToSend ||
		p.SellerToBorrow > p.SellerToSend ||
		p.SellerToRepay > p.BuyerToSend-p.SellerFees {
		return fmt.Errorf("pool leg exceeds traded amount: %w", ErrInvalidOrderMatch)
	}

	buyRec.SellRemaining -= p.BuyerToSend
	buyRec.BorrowRemaining -= p.BuyerToBorrow
	buyRec.RepayRemaining -= p.BuyerToRepay
	sellRec.SellRemaining -= p.SellerToSend
	sellRec.BorrowRemaining -= p.SellerToBorrow
	sellRec.RepayRemaining -= p.SellerToRepay
	if buyRec.SellRemaining == 0 {
		tx.removeOrder(buyID)
	} else {
		tx.setOrder(buyID, buyRec)
	}
	if sellRec.SellRemaining == 0 {
		tx.removeOrder(sellID)
	} else {
		tx.setOrder(sellID, sellRec)
	}

	var buyerOldHealth, sellerOldHealth int64
	if p.BuyerNegativeMargin {
		if buyerOldHealth, err = healthCheck(tx, prices, buy.Account, false); err != nil {
			return err
		}
	}
	if p.SellerNegativeMargin {
		if sellerOldHealth, err = healthCheck(tx, prices, sell.Account, false); err != nil {
			return err
		}
	}

	// Borrow before the swap so the drawn cash can cover the send leg.
	if p.BuyerToBorrow > 0 {
		if err := poolMove(tx, buy.Account, buy.SellInstrument, fixmath.Neg(p.BuyerToBorrow), now); err != nil {
			return err
		}
	}
	if p.SellerToBorrow > 0 {
		if err := poolMove(tx, sell.Account, sell.SellInstrument, fixmath.Neg(p.SellerToBorrow), now); err != nil {
			return err
		}
	}

	if err := addCash(tx, buy.Account, buy.BuyInstrument, p.SellerToSend); err != nil {
		return err
	}
	if err := addCash(tx, sell.Account, sell.BuyInstrument, p.BuyerToSend-p.SellerFees); err != nil {
		return err
	}
	if err := addCash(tx, buy.Account, buy.SellInstrument, fixmath.Neg(buyerOut)); err != nil {
		return err
	}
	if err := addCash(tx, sell.Account, sell.SellInstrument, fixmath.Neg(p.SellerToSend)); err != nil {
		return err
	}

	if err := collectFees(tx, buy.SellInstrument, p.BuyerFees); err != nil {
		return err
	}
	if err := collectFees(tx, sell.BuyInstrument, p.SellerFees); err != nil {
		return err
	}

	// Repay after the swap out of the received cash.
	if p.BuyerToRepay > 0 {
		if err := poolMove(tx, buy.Account, buy.BuyInstrument, p.BuyerToRepay, now); err != nil {
			return err
		}
	}
	if p.SellerToRepay > 0 {
		if err := poolMove(tx, sell.Account, sell.BuyInstrument, p.SellerToRepay, now); err != nil {
			return err
		}
	}

	buyerHealth, err := healthCheck(tx, prices, buy.Account, false)
	if err != nil {
		return err
	}
	if buyerHealth < 0 && !(p.BuyerNegativeMargin && buyerHealth >= buyerOldHealth) {
		return fmt.Errorf("buyer health %d: %w", buyerHealth, ErrUnhealthyAccount)
	}
	sellerHealth, err := healthCheck(tx, prices, sell.Account, false)
	if err != nil {
		return err
	}
	if sellerHealth < 0 && !(p.SellerNegativeMargin && sellerHealth >= sellerOldHealth) {
		return fmt.Errorf("seller health %d: %w", sellerHealth, ErrUnhealthyAccount)
	}
	return nil
}

// cleanOrders deletes the records of expired orders.
func cleanOrders(tx *stateTx, orders []*Order, now int64) error {
	if len(orders) > params.MaxOrdersPerCall {
		return ErrBasketTooLarge
	}
	for _, order := range orders {
		if now <= order.Expiration {
			continue
		}
		id := order.ID()
		if _, ok, err := tx.order(id); err != nil {
			return err
		} else if ok {
			tx.removeOrder(id)
		}
	}
	return nil
}
