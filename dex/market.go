// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

const (
	// DefaultVaultFunding is the number of base units minted into each vault
	// after it is created.
	DefaultVaultFunding uint64 = 42
	// DefaultTokenDecimals is the decimals of both test mints.
	DefaultTokenDecimals uint8 = 2
	// FeeHeadroomBps is added on top of the native quote quantity of a bid to
	// cover taker fees. The highest fee tier of the program is 40 bps.
	FeeHeadroomBps = 40
)

// Side is the side of the book an order rests on.
type Side uint32

const (
	Bid Side = iota
	Ask
)

// String returns the string representation of a Side.
func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	}
	return fmt.Sprintf("side(%d)", uint32(s))
}

// SideFromString parses a Side. "buy" and "sell" are accepted as aliases.
func SideFromString(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// OrderType is the time-in-force of an order.
type OrderType uint32

const (
	LimitOrderType OrderType = iota
	ImmediateOrCancelOrderType
	PostOnlyOrderType
)

// String returns the string representation of an OrderType.
func (ot OrderType) String() string {
	switch ot {
	case LimitOrderType:
		return "limit"
	case ImmediateOrCancelOrderType:
		return "ioc"
	case PostOnlyOrderType:
		return "postonly"
	}
	return fmt.Sprintf("ordertype(%d)", uint32(ot))
}

// OrderTypeFromString parses an OrderType.
func OrderTypeFromString(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "limit":
		return LimitOrderType, nil
	case "ioc", "immediateorcancel":
		return ImmediateOrCancelOrderType, nil
	case "postonly":
		return PostOnlyOrderType, nil
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

// MarketParams are the parameters a market is initialized with, plus the
// token setup the harness creates for it.
type MarketParams struct {
	CoinLotSize     uint64
	PcLotSize       uint64
	PcDustThreshold uint64
	FeeRateBps      uint16
	CoinDecimals    uint8
	PcDecimals      uint8
	// VaultFunding is minted into each vault right after initialization.
	VaultFunding uint64
}

// DefaultMarketParams returns the parameters of the reference scenario: unit
// lot sizes and a dust threshold of 5.
func DefaultMarketParams() *MarketParams {
	return &MarketParams{
		CoinLotSize:     1,
		PcLotSize:       1,
		PcDustThreshold: 5,
		CoinDecimals:    DefaultTokenDecimals,
		PcDecimals:      DefaultTokenDecimals,
		VaultFunding:    DefaultVaultFunding,
	}
}

// Validate checks that the program will accept the parameters.
func (p *MarketParams) Validate() error {
	if p.CoinLotSize == 0 {
		return errors.New("coin lot size must be positive")
	}
	if p.PcLotSize == 0 {
		return errors.New("pc lot size must be positive")
	}
	return nil
}

// OrderParams describe the order a run submits.
type OrderParams struct {
	Side       Side
	LimitPrice uint64 // in pc lots per coin lot
	MaxCoinQty uint64 // in coin lots
	Type       OrderType
	ClientID   uint64
}

// DefaultOrderParams returns the reference order: a limit bid for 1000 lots at
// a price of 1100.
func DefaultOrderParams() *OrderParams {
	return &OrderParams{
		Side:       Bid,
		LimitPrice: 1100,
		MaxCoinQty: 1000,
		Type:       LimitOrderType,
	}
}

// Validate checks the order for the non-zero fields the program requires.
func (o *OrderParams) Validate() error {
	if o.LimitPrice == 0 {
		return errors.New("limit price must be positive")
	}
	if o.MaxCoinQty == 0 {
		return errors.New("quantity must be positive")
	}
	if o.Side != Bid && o.Side != Ask {
		return fmt.Errorf("invalid side %d", uint32(o.Side))
	}
	if o.Type > PostOnlyOrderType {
		return fmt.Errorf("invalid order type %d", uint32(o.Type))
	}
	return nil
}

// MaxNativePcQty is the quote quantity in native units the order may spend,
// including fee headroom.
func (o *OrderParams) MaxNativePcQty(mkt *MarketParams) (uint64, error) {
	hi, lots := bits.Mul64(o.LimitPrice, o.MaxCoinQty)
	if hi != 0 {
		return 0, errors.New("price * quantity overflows")
	}
	hi, native := bits.Mul64(lots, mkt.PcLotSize)
	if hi != 0 {
		return 0, errors.New("native pc quantity overflows")
	}
	fee := native/10_000*FeeHeadroomBps + (native%10_000*FeeHeadroomBps+9_999)/10_000
	total, carry := bits.Add64(native, fee, 0)
	if carry != 0 {
		return 0, errors.New("native pc quantity with fees overflows")
	}
	return total, nil
}

// PayerFunding is the amount the order payer's token wallet must hold: the
// max native pc quantity for a bid, or the native coin quantity for an ask.
func (o *OrderParams) PayerFunding(mkt *MarketParams) (uint64, error) {
	if o.Side == Bid {
		return o.MaxNativePcQty(mkt)
	}
	hi, native := bits.Mul64(o.MaxCoinQty, mkt.CoinLotSize)
	if hi != 0 {
		return 0, errors.New("native coin quantity overflows")
	}
	return native, nil
}

// String returns a short description of the order.
func (o *OrderParams) String() string {
	return fmt.Sprintf("%s %s %d @ %d", o.Type, o.Side, o.MaxCoinQty, o.LimitPrice)
}
