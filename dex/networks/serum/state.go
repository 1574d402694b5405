// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package serum

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Account sizes of the program's state. Accounts are created with exactly
// these sizes. There is no resize path.
const (
	MarketSize       = 388
	SlabSize         = 8_388_620 // bids, asks
	RequestQueueSize = 652
	EventQueueSize   = 65_548
	OpenOrdersSize   = 3_228
)

var (
	accountHead    = []byte("serum")
	accountPadding = []byte("padding")
)

// AccountFlag is a bit of the account flags word that prefixes all program
// state.
type AccountFlag uint64

const (
	FlagInitialized AccountFlag = 1 << iota
	FlagMarket
	FlagOpenOrders
	FlagRequestQueue
	FlagEventQueue
	FlagBids
	FlagAsks
	FlagDisabled
)

// Has is true if all bits of f2 are set.
func (f AccountFlag) Has(f2 AccountFlag) bool {
	return f&f2 == f2
}

// MarketState is the decoded market account.
type MarketState struct {
	Flags                  AccountFlag
	OwnAddress             solana.PublicKey
	VaultSignerNonce       uint64
	CoinMint               solana.PublicKey
	PcMint                 solana.PublicKey
	CoinVault              solana.PublicKey
	CoinDepositsTotal      uint64
	CoinFeesAccrued        uint64
	PcVault                solana.PublicKey
	PcDepositsTotal        uint64
	PcFeesAccrued          uint64
	PcDustThreshold        uint64
	RequestQueue           solana.PublicKey
	EventQueue             solana.PublicKey
	Bids                   solana.PublicKey
	Asks                   solana.PublicKey
	CoinLotSize            uint64
	PcLotSize              uint64
	FeeRateBps             uint64
	ReferrerRebatesAccrued uint64
}

// OpenOrders is the decoded head of an open orders account. The order slots
// are not decoded.
type OpenOrders struct {
	Flags           AccountFlag
	Market          solana.PublicKey
	Owner           solana.PublicKey
	NativeCoinFree  uint64
	NativeCoinTotal uint64
	NativePcFree    uint64
	NativePcTotal   uint64
	FreeSlotBits    [16]byte
	IsBidBits       [16]byte
}

// stateDecoder checks the account's size and framing and positions a decoder
// at the flags word.
func stateDecoder(b []byte, size int) (*bin.Decoder, error) {
	if len(b) != size {
		return nil, fmt.Errorf("account data length %d, expected %d", len(b), size)
	}
	if !bytes.Equal(b[:len(accountHead)], accountHead) {
		return nil, fmt.Errorf("account head %x is not %q", b[:len(accountHead)], accountHead)
	}
	if !bytes.Equal(b[size-len(accountPadding):], accountPadding) {
		return nil, fmt.Errorf("account is missing tail padding")
	}
	d := bin.NewBinDecoder(b)
	if err := d.SkipBytes(uint(len(accountHead))); err != nil {
		return nil, err
	}
	return d, nil
}

type stateReader struct {
	d   *bin.Decoder
	err error
}

func (r *stateReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	v, r.err = r.d.ReadUint64(bin.LE)
	return v
}

func (r *stateReader) key() (pk solana.PublicKey) {
	if r.err != nil {
		return
	}
	var b []byte
	if b, r.err = r.d.ReadNBytes(solana.PublicKeyLength); r.err == nil {
		copy(pk[:], b)
	}
	return
}

func (r *stateReader) bits() (b [16]byte) {
	if r.err != nil {
		return
	}
	var raw []byte
	if raw, r.err = r.d.ReadNBytes(16); r.err == nil {
		copy(b[:], raw)
	}
	return
}

// DecodeMarketState decodes market account data.
func DecodeMarketState(b []byte) (*MarketState, error) {
	d, err := stateDecoder(b, MarketSize)
	if err != nil {
		return nil, err
	}
	r := &stateReader{d: d}
	m := &MarketState{
		Flags:                  AccountFlag(r.u64()),
		OwnAddress:             r.key(),
		VaultSignerNonce:       r.u64(),
		CoinMint:               r.key(),
		PcMint:                 r.key(),
		CoinVault:              r.key(),
		CoinDepositsTotal:      r.u64(),
		CoinFeesAccrued:        r.u64(),
		PcVault:                r.key(),
		PcDepositsTotal:        r.u64(),
		PcFeesAccrued:          r.u64(),
		PcDustThreshold:        r.u64(),
		RequestQueue:           r.key(),
		EventQueue:             r.key(),
		Bids:                   r.key(),
		Asks:                   r.key(),
		CoinLotSize:            r.u64(),
		PcLotSize:              r.u64(),
		FeeRateBps:             r.u64(),
		ReferrerRebatesAccrued: r.u64(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

type stateWriter struct {
	buf bytes.Buffer
	e   *bin.Encoder
}

func newStateWriter() *stateWriter {
	w := new(stateWriter)
	w.e = bin.NewBinEncoder(&w.buf)
	w.buf.Write(accountHead)
	return w
}

func (w *stateWriter) u64(v uint64) { w.e.WriteUint64(v, bin.LE) }
func (w *stateWriter) key(pk solana.PublicKey) { w.buf.Write(pk[:]) }

func (w *stateWriter) finish(size int) []byte {
	if pad := size - len(accountPadding) - w.buf.Len(); pad > 0 {
		w.buf.Write(make([]byte, pad))
	}
	w.buf.Write(accountPadding)
	return w.buf.Bytes()
}

// Encode is the account data of the market state, as the program writes it.
func (m *MarketState) Encode() []byte {
	w := newStateWriter()
	w.u64(uint64(m.Flags))
	w.key(m.OwnAddress)
	w.u64(m.VaultSignerNonce)
	w.key(m.CoinMint)
	w.key(m.PcMint)
	w.key(m.CoinVault)
	w.u64(m.CoinDepositsTotal)
	w.u64(m.CoinFeesAccrued)
	w.key(m.PcVault)
	w.u64(m.PcDepositsTotal)
	w.u64(m.PcFeesAccrued)
	w.u64(m.PcDustThreshold)
	w.key(m.RequestQueue)
	w.key(m.EventQueue)
	w.key(m.Bids)
	w.key(m.Asks)
	w.u64(m.CoinLotSize)
	w.u64(m.PcLotSize)
	w.u64(m.FeeRateBps)
	w.u64(m.ReferrerRebatesAccrued)
	return w.finish(MarketSize)
}

// DecodeOpenOrders decodes open orders account data.
func DecodeOpenOrders(b []byte) (*OpenOrders, error) {
	d, err := stateDecoder(b, OpenOrdersSize)
	if err != nil {
		return nil, err
	}
	r := &stateReader{d: d}
	oo := &OpenOrders{
		Flags:           AccountFlag(r.u64()),
		Market:          r.key(),
		Owner:           r.key(),
		NativeCoinFree:  r.u64(),
		NativeCoinTotal: r.u64(),
		NativePcFree:    r.u64(),
		NativePcTotal:   r.u64(),
		FreeSlotBits:    r.bits(),
		IsBidBits:       r.bits(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return oo, nil
}

// Encode is the account data of the open orders account with empty order
// slots.
func (oo *OpenOrders) Encode() []byte {
	w := newStateWriter()
	w.u64(uint64(oo.Flags))
	w.key(oo.Market)
	w.key(oo.Owner)
	w.u64(oo.NativeCoinFree)
	w.u64(oo.NativeCoinTotal)
	w.u64(oo.NativePcFree)
	w.u64(oo.NativePcTotal)
	w.buf.Write(oo.FreeSlotBits[:])
	w.buf.Write(oo.IsBidBits[:])
	return w.finish(OpenOrdersSize)
}
