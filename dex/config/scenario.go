// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package config

import (
	"fmt"
	"math"

	"github.com/foonetic/serum-dex/dex"
)

// scenarioFile is the flattened ini layout of a scenario. The reference file
// uses [market] and [order] sections, but keys are unique across sections.
type scenarioFile struct {
	CoinLotSize     uint64 `ini:"coinlotsize" comment:"coin lot size in base units"`
	PcLotSize       uint64 `ini:"pclotsize" comment:"pc lot size in base units"`
	PcDustThreshold uint64 `ini:"pcdustthreshold" comment:"pc dust threshold"`
	FeeRateBps      uint64 `ini:"feeratebps" comment:"market fee rate in basis points"`
	CoinDecimals    uint64 `ini:"coindecimals" comment:"decimals of the coin mint"`
	PcDecimals      uint64 `ini:"pcdecimals" comment:"decimals of the pc mint"`
	VaultFunding    uint64 `ini:"vaultfunding" comment:"base units minted into each vault"`

	Side      string `ini:"side" comment:"bid or ask"`
	Price     uint64 `ini:"price" comment:"limit price in pc lots per coin lot"`
	Quantity  uint64 `ini:"quantity" comment:"max quantity in coin lots"`
	OrderType string `ini:"ordertype" comment:"limit, ioc or postonly"`
	ClientID  uint64 `ini:"clientid" comment:"client order id"`
}

// Scenario is a market to provision and the order to place on it.
type Scenario struct {
	Market *dex.MarketParams
	Order  *dex.OrderParams
}

// DefaultScenario is the reference scenario: unit lot sizes, a dust threshold
// of 5, and a limit bid for 1000 lots at 1100.
func DefaultScenario() *Scenario {
	return &Scenario{
		Market: dex.DefaultMarketParams(),
		Order:  dex.DefaultOrderParams(),
	}
}

// ParseScenario parses the scenario file at the path or in the []byte data.
// Keys missing from the file keep their DefaultScenario values.
func ParseScenario(cfgPathOrData any) (*Scenario, error) {
	def := DefaultScenario()
	f := &scenarioFile{
		CoinLotSize:     def.Market.CoinLotSize,
		PcLotSize:       def.Market.PcLotSize,
		PcDustThreshold: def.Market.PcDustThreshold,
		FeeRateBps:      uint64(def.Market.FeeRateBps),
		CoinDecimals:    uint64(def.Market.CoinDecimals),
		PcDecimals:      uint64(def.Market.PcDecimals),
		VaultFunding:    def.Market.VaultFunding,
		Side:            def.Order.Side.String(),
		Price:           def.Order.LimitPrice,
		Quantity:        def.Order.MaxCoinQty,
		OrderType:       def.Order.Type.String(),
		ClientID:        def.Order.ClientID,
	}
	if err := Parse(cfgPathOrData, f); err != nil {
		return nil, fmt.Errorf("error parsing scenario: %w", err)
	}

	if f.FeeRateBps > math.MaxUint16 {
		return nil, fmt.Errorf("fee rate %d bps out of range", f.FeeRateBps)
	}
	if f.CoinDecimals > math.MaxUint8 || f.PcDecimals > math.MaxUint8 {
		return nil, fmt.Errorf("token decimals out of range")
	}
	side, err := dex.SideFromString(f.Side)
	if err != nil {
		return nil, err
	}
	ot, err := dex.OrderTypeFromString(f.OrderType)
	if err != nil {
		return nil, err
	}

	s := &Scenario{
		Market: &dex.MarketParams{
			CoinLotSize:     f.CoinLotSize,
			PcLotSize:       f.PcLotSize,
			PcDustThreshold: f.PcDustThreshold,
			FeeRateBps:      uint16(f.FeeRateBps),
			CoinDecimals:    uint8(f.CoinDecimals),
			PcDecimals:      uint8(f.PcDecimals),
			VaultFunding:    f.VaultFunding,
		},
		Order: &dex.OrderParams{
			Side:       side,
			LimitPrice: f.Price,
			MaxCoinQty: f.Quantity,
			Type:       ot,
			ClientID:   f.ClientID,
		},
	}
	if err = s.Market.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market: %w", err)
	}
	if err = s.Order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	return s, nil
}
