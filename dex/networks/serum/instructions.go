// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package serum

import (
	"bytes"
	"fmt"

	"github.com/foonetic/serum-dex/dex"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction tags of the market instruction enum.
const (
	InstructionInitializeMarket uint32 = 0
	InstructionNewOrderV3       uint32 = 10
	InstructionInitOpenOrders   uint32 = 15
)

// instructionVersion is the leading byte of all instruction data.
const instructionVersion uint8 = 0

// SelfTradeBehavior is how the matching engine handles an order that would
// match the owner's own resting order.
type SelfTradeBehavior uint32

const (
	DecrementTake SelfTradeBehavior = iota
	CancelProvide
	AbortTransaction
)

// DefaultOrderLimit is the maximum number of book iterations of a new order.
const DefaultOrderLimit uint16 = 65535

// MarketAccounts are the accounts a market is composed of.
type MarketAccounts struct {
	Market       solana.PublicKey
	RequestQueue solana.PublicKey
	EventQueue   solana.PublicKey
	Bids         solana.PublicKey
	Asks         solana.PublicKey
	CoinVault    solana.PublicKey
	PcVault      solana.PublicKey
	CoinMint     solana.PublicKey
	PcMint       solana.PublicKey
}

// InitializeMarketData is the payload of InitializeMarket.
type InitializeMarketData struct {
	CoinLotSize      uint64
	PcLotSize        uint64
	FeeRateBps       uint16
	VaultSignerNonce uint64
	PcDustThreshold  uint64
}

// NewOrderV3Data is the payload of NewOrderV3.
type NewOrderV3Data struct {
	Side                        dex.Side
	LimitPrice                  uint64
	MaxCoinQty                  uint64
	MaxNativePcQtyIncludingFees uint64
	SelfTradeBehavior           SelfTradeBehavior
	OrderType                   dex.OrderType
	ClientOrderID               uint64
	Limit                       uint16
}

func newEncoder(tag uint32) (*bytes.Buffer, *bin.Encoder) {
	var buf bytes.Buffer
	e := bin.NewBinEncoder(&buf)
	e.WriteUint8(instructionVersion)
	e.WriteUint32(tag, bin.LE)
	return &buf, e
}

// Encode is the instruction data.
func (d *InitializeMarketData) Encode() []byte {
	buf, e := newEncoder(InstructionInitializeMarket)
	e.WriteUint64(d.CoinLotSize, bin.LE)
	e.WriteUint64(d.PcLotSize, bin.LE)
	e.WriteUint16(d.FeeRateBps, bin.LE)
	e.WriteUint64(d.VaultSignerNonce, bin.LE)
	e.WriteUint64(d.PcDustThreshold, bin.LE)
	return buf.Bytes()
}

// Encode is the instruction data.
func (d *NewOrderV3Data) Encode() []byte {
	buf, e := newEncoder(InstructionNewOrderV3)
	e.WriteUint32(uint32(d.Side), bin.LE)
	e.WriteUint64(d.LimitPrice, bin.LE)
	e.WriteUint64(d.MaxCoinQty, bin.LE)
	e.WriteUint64(d.MaxNativePcQtyIncludingFees, bin.LE)
	e.WriteUint32(uint32(d.SelfTradeBehavior), bin.LE)
	e.WriteUint32(uint32(d.OrderType), bin.LE)
	e.WriteUint64(d.ClientOrderID, bin.LE)
	e.WriteUint16(d.Limit, bin.LE)
	return buf.Bytes()
}

// InstructionTag reads the version byte and tag of instruction data.
func InstructionTag(data []byte) (uint32, error) {
	d := bin.NewBinDecoder(data)
	v, err := d.ReadUint8()
	if err != nil {
		return 0, err
	}
	if v != instructionVersion {
		return 0, fmt.Errorf("unknown instruction version %d", v)
	}
	return d.ReadUint32(bin.LE)
}

func payloadDecoder(data []byte, tag uint32, size int) (*bin.Decoder, error) {
	t, err := InstructionTag(data)
	if err != nil {
		return nil, err
	}
	if t != tag {
		return nil, fmt.Errorf("instruction tag %d, expected %d", t, tag)
	}
	if len(data) != 5+size {
		return nil, fmt.Errorf("instruction data length %d, expected %d", len(data), 5+size)
	}
	d := bin.NewBinDecoder(data)
	if err = d.SkipBytes(5); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeInitializeMarket decodes InitializeMarket instruction data.
func DecodeInitializeMarket(data []byte) (*InitializeMarketData, error) {
	d, err := payloadDecoder(data, InstructionInitializeMarket, 34)
	if err != nil {
		return nil, err
	}
	var m InitializeMarketData
	m.CoinLotSize, _ = d.ReadUint64(bin.LE)
	m.PcLotSize, _ = d.ReadUint64(bin.LE)
	m.FeeRateBps, _ = d.ReadUint16(bin.LE)
	m.VaultSignerNonce, _ = d.ReadUint64(bin.LE)
	m.PcDustThreshold, err = d.ReadUint64(bin.LE)
	return &m, err
}

// DecodeNewOrderV3 decodes NewOrderV3 instruction data.
func DecodeNewOrderV3(data []byte) (*NewOrderV3Data, error) {
	d, err := payloadDecoder(data, InstructionNewOrderV3, 46)
	if err != nil {
		return nil, err
	}
	var o NewOrderV3Data
	side, _ := d.ReadUint32(bin.LE)
	o.Side = dex.Side(side)
	o.LimitPrice, _ = d.ReadUint64(bin.LE)
	o.MaxCoinQty, _ = d.ReadUint64(bin.LE)
	o.MaxNativePcQtyIncludingFees, _ = d.ReadUint64(bin.LE)
	stb, _ := d.ReadUint32(bin.LE)
	o.SelfTradeBehavior = SelfTradeBehavior(stb)
	ot, _ := d.ReadUint32(bin.LE)
	o.OrderType = dex.OrderType(ot)
	o.ClientOrderID, _ = d.ReadUint64(bin.LE)
	o.Limit, err = d.ReadUint16(bin.LE)
	return &o, err
}

// NewInitializeMarketInstruction initializes a market over accounts that were
// created and sized for the program. The vaults must already be owned by the
// vault signer of vaultSignerNonce.
func NewInitializeMarketInstruction(program solana.PublicKey, accts *MarketAccounts,
	params *dex.MarketParams, vaultSignerNonce uint64) (solana.Instruction, error) {

	if err := params.Validate(); err != nil {
		return nil, err
	}
	data := &InitializeMarketData{
		CoinLotSize:      params.CoinLotSize,
		PcLotSize:        params.PcLotSize,
		FeeRateBps:       params.FeeRateBps,
		VaultSignerNonce: vaultSignerNonce,
		PcDustThreshold:  params.PcDustThreshold,
	}
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Market, true, false),
		solana.NewAccountMeta(accts.RequestQueue, true, false),
		solana.NewAccountMeta(accts.EventQueue, true, false),
		solana.NewAccountMeta(accts.Bids, true, false),
		solana.NewAccountMeta(accts.Asks, true, false),
		solana.NewAccountMeta(accts.CoinVault, true, false),
		solana.NewAccountMeta(accts.PcVault, true, false),
		solana.NewAccountMeta(accts.CoinMint, false, false),
		solana.NewAccountMeta(accts.PcMint, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data.Encode()), nil
}

// NewInitOpenOrdersInstruction binds an allocated open orders account to the
// market and owner. The owner signs.
func NewInitOpenOrdersInstruction(program, openOrders, owner, market solana.PublicKey) solana.Instruction {
	data, _ := newEncoder(InstructionInitOpenOrders)
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.NewAccountMeta(openOrders, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(market, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data.Bytes())
}

// NewOrderV3Instruction places an order. orderPayer is the token account the
// order's funds are locked from: a pc account for a bid, a coin account for
// an ask. The open orders owner signs and must own orderPayer.
func NewOrderV3Instruction(program solana.PublicKey, mkt *MarketAccounts,
	openOrders, orderPayer, owner solana.PublicKey, order *dex.OrderParams,
	params *dex.MarketParams) (solana.Instruction, error) {

	if err := order.Validate(); err != nil {
		return nil, err
	}
	maxPc, err := order.MaxNativePcQty(params)
	if err != nil {
		return nil, err
	}
	data := &NewOrderV3Data{
		Side:                        order.Side,
		LimitPrice:                  order.LimitPrice,
		MaxCoinQty:                  order.MaxCoinQty,
		MaxNativePcQtyIncludingFees: maxPc,
		SelfTradeBehavior:           DecrementTake,
		OrderType:                   order.Type,
		ClientOrderID:               order.ClientID,
		Limit:                       DefaultOrderLimit,
	}
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.NewAccountMeta(mkt.Market, true, false),
		solana.NewAccountMeta(openOrders, true, false),
		solana.NewAccountMeta(mkt.RequestQueue, true, false),
		solana.NewAccountMeta(mkt.EventQueue, true, false),
		solana.NewAccountMeta(mkt.Bids, true, false),
		solana.NewAccountMeta(mkt.Asks, true, false),
		solana.NewAccountMeta(orderPayer, true, false),
		solana.NewAccountMeta(owner, false, true),
		solana.NewAccountMeta(mkt.CoinVault, true, false),
		solana.NewAccountMeta(mkt.PcVault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data.Encode()), nil
}
