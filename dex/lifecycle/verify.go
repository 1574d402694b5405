// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lifecycle

import (
	"context"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/networks/serum"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/foonetic/serum-dex/dex/provision"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// allocation is the snapshot of an account that holds no decodable state yet.
type allocation struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	DataLen  int
}

// verifyAllocated checks that the accounts exist with the planned owner, size
// and balance.
func (d *Driver) verifyAllocated(ctx context.Context, specs ...*provision.AccountSpec) error {
	for _, s := range specs {
		info, err := d.readAccount(ctx, s.Address())
		if err != nil {
			return err
		}
		d.snapshot(s.Label, s.Address(), &allocation{
			Address:  s.Address(),
			Owner:    info.Owner,
			Lamports: info.Lamports,
			DataLen:  len(info.Data),
		})
		if info.Owner != s.Owner {
			return postConditionErr("%s owned by %s, expected %s", s.Label, info.Owner, s.Owner)
		}
		if uint64(len(info.Data)) != s.Size {
			return postConditionErr("%s has %d bytes, expected %d", s.Label, len(info.Data), s.Size)
		}
		if info.Lamports < s.Lamports {
			return postConditionErr("%s holds %d lamports, less than the %d planned", s.Label, info.Lamports, s.Lamports)
		}
	}
	return nil
}

func (d *Driver) verifyBook(ctx context.Context) error {
	return d.verifyAllocated(ctx, d.plan.market, d.plan.bids, d.plan.asks)
}

func (d *Driver) verifyQueues(ctx context.Context) error {
	return d.verifyAllocated(ctx, d.plan.requestQ, d.plan.eventQ)
}

func (d *Driver) verifyMints(ctx context.Context) error {
	payer := d.seq.Payer()
	for _, m := range []struct {
		spec     *provision.AccountSpec
		decimals uint8
	}{
		{d.plan.coinMint, d.cfg.Market.CoinDecimals},
		{d.plan.pcMint, d.cfg.Market.PcDecimals},
	} {
		mint, err := d.readMint(ctx, m.spec)
		if err != nil {
			return err
		}
		switch {
		case !mint.IsInitialized:
			return postConditionErr("%s not initialized", m.spec.Label)
		case mint.Decimals != m.decimals:
			return postConditionErr("%s has %d decimals, expected %d", m.spec.Label, mint.Decimals, m.decimals)
		case mint.MintAuthority == nil || *mint.MintAuthority != payer:
			return postConditionErr("%s authority is not the payer", m.spec.Label)
		case mint.FreezeAuthority != nil:
			return postConditionErr("%s has a freeze authority", m.spec.Label)
		}
	}
	return nil
}

func (d *Driver) verifyVaults(ctx context.Context) error {
	for _, v := range []struct {
		vault, mint *provision.AccountSpec
	}{
		{d.plan.coinVault, d.plan.coinMint},
		{d.plan.pcVault, d.plan.pcMint},
	} {
		if err := d.checkTokenAccount(ctx, v.vault, v.mint.Address(), d.plan.vault.Address, d.cfg.Market.VaultFunding); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) verifyMarket(ctx context.Context) error {
	p := d.plan
	mkt, err := d.readMarket(ctx)
	if err != nil {
		return err
	}
	a, params := p.accts, d.cfg.Market
	for _, c := range []struct {
		what      string
		got, want solana.PublicKey
	}{
		{"own address", mkt.OwnAddress, a.Market},
		{"coin mint", mkt.CoinMint, a.CoinMint},
		{"pc mint", mkt.PcMint, a.PcMint},
		{"coin vault", mkt.CoinVault, a.CoinVault},
		{"pc vault", mkt.PcVault, a.PcVault},
		{"request queue", mkt.RequestQueue, a.RequestQueue},
		{"event queue", mkt.EventQueue, a.EventQueue},
		{"bids", mkt.Bids, a.Bids},
		{"asks", mkt.Asks, a.Asks},
	} {
		if c.got != c.want {
			return postConditionErr("market %s is %s, expected %s", c.what, c.got, c.want)
		}
	}
	switch {
	case !mkt.Flags.Has(serum.FlagInitialized | serum.FlagMarket):
		return postConditionErr("market flags %#x missing initialized market bits", uint64(mkt.Flags))
	case mkt.VaultSignerNonce != p.vault.Nonce:
		return postConditionErr("market vault signer nonce %d, expected %d", mkt.VaultSignerNonce, p.vault.Nonce)
	case mkt.CoinLotSize != params.CoinLotSize || mkt.PcLotSize != params.PcLotSize:
		return postConditionErr("market lot sizes %d/%d, expected %d/%d", mkt.CoinLotSize, mkt.PcLotSize,
			params.CoinLotSize, params.PcLotSize)
	case mkt.PcDustThreshold != params.PcDustThreshold:
		return postConditionErr("market dust threshold %d, expected %d", mkt.PcDustThreshold, params.PcDustThreshold)
	}
	return nil
}

func (d *Driver) verifyParticipants(ctx context.Context) error {
	payer := d.seq.Payer()
	for _, pt := range d.plan.participants {
		oo, err := d.readOpenOrders(ctx, pt)
		if err != nil {
			return err
		}
		switch {
		case !oo.Flags.Has(serum.FlagInitialized | serum.FlagOpenOrders):
			return postConditionErr("%s flags %#x missing initialized open orders bits", pt.openOrders.Label, uint64(oo.Flags))
		case oo.Market != d.plan.market.Address():
			return postConditionErr("%s bound to market %s", pt.openOrders.Label, oo.Market)
		case oo.Owner != payer:
			return postConditionErr("%s owned by %s, expected %s", pt.openOrders.Label, oo.Owner, payer)
		}
		if err := d.checkTokenAccount(ctx, pt.wallet, pt.walletMint, payer, pt.funding); err != nil {
			return err
		}
	}
	return nil
}

// verifyOrder re-reads the market and the maker's accounts. The order must
// have locked funds in the open orders account and debited the wallet.
func (d *Driver) verifyOrder(ctx context.Context) error {
	if _, err := d.readMarket(ctx); err != nil {
		return err
	}
	maker := d.plan.participants[0]
	oo, err := d.readOpenOrders(ctx, maker)
	if err != nil {
		return err
	}
	locked := oo.NativePcTotal
	if d.cfg.Order.Side == dex.Ask {
		locked = oo.NativeCoinTotal
	}
	if locked == 0 {
		return postConditionErr("%s holds no funds after the order", maker.openOrders.Label)
	}
	wallet, err := d.readTokenAccount(ctx, maker.wallet)
	if err != nil {
		return err
	}
	if wallet.Amount >= maker.funding {
		return postConditionErr("%s not debited by the order, balance %d", maker.wallet.Label, wallet.Amount)
	}
	return nil
}

func (d *Driver) readMarket(ctx context.Context) (*serum.MarketState, error) {
	s := d.plan.market
	info, err := d.readAccount(ctx, s.Address())
	if err != nil {
		return nil, err
	}
	if len(info.Data) != serum.MarketSize {
		return nil, postConditionErr("market data is %d bytes, expected %d", len(info.Data), serum.MarketSize)
	}
	if info.Owner != d.cfg.Program {
		return nil, postConditionErr("market owned by %s, expected %s", info.Owner, d.cfg.Program)
	}
	mkt, err := serum.DecodeMarketState(info.Data)
	if err != nil {
		return nil, postConditionErr("undecodable market: %v", err)
	}
	d.snapshot(s.Label, s.Address(), mkt)
	d.mktState = mkt
	return mkt, nil
}

func (d *Driver) readOpenOrders(ctx context.Context, pt *participant) (*serum.OpenOrders, error) {
	s := pt.openOrders
	info, err := d.readAccount(ctx, s.Address())
	if err != nil {
		return nil, err
	}
	if info.Owner != d.cfg.Program {
		return nil, postConditionErr("%s owned by %s, expected %s", s.Label, info.Owner, d.cfg.Program)
	}
	oo, err := serum.DecodeOpenOrders(info.Data)
	if err != nil {
		return nil, postConditionErr("undecodable %s: %v", s.Label, err)
	}
	d.snapshot(s.Label, s.Address(), oo)
	return oo, nil
}

func (d *Driver) readMint(ctx context.Context, s *provision.AccountSpec) (*token.Mint, error) {
	info, err := d.readAccount(ctx, s.Address())
	if err != nil {
		return nil, err
	}
	if info.Owner != solana.TokenProgramID {
		return nil, postConditionErr("%s owned by %s, not the token program", s.Label, info.Owner)
	}
	mint, err := sol.DecodeMint(info.Data)
	if err != nil {
		return nil, postConditionErr("undecodable %s: %v", s.Label, err)
	}
	d.snapshot(s.Label, s.Address(), mint)
	return mint, nil
}

func (d *Driver) readTokenAccount(ctx context.Context, s *provision.AccountSpec) (*token.Account, error) {
	info, err := d.readAccount(ctx, s.Address())
	if err != nil {
		return nil, err
	}
	if info.Owner != solana.TokenProgramID {
		return nil, postConditionErr("%s owned by %s, not the token program", s.Label, info.Owner)
	}
	acct, err := sol.DecodeTokenAccount(info.Data)
	if err != nil {
		return nil, postConditionErr("undecodable %s: %v", s.Label, err)
	}
	d.snapshot(s.Label, s.Address(), acct)
	return acct, nil
}

// checkTokenAccount reads back an initialized token account and checks its
// mint, owner and balance.
func (d *Driver) checkTokenAccount(ctx context.Context, s *provision.AccountSpec, mint, owner solana.PublicKey, amount uint64) error {
	acct, err := d.readTokenAccount(ctx, s)
	if err != nil {
		return err
	}
	switch {
	case acct.State != token.Initialized:
		return postConditionErr("%s not initialized", s.Label)
	case acct.Mint != mint:
		return postConditionErr("%s is for mint %s, expected %s", s.Label, acct.Mint, mint)
	case acct.Owner != owner:
		return postConditionErr("%s owned by %s, expected %s", s.Label, acct.Owner, owner)
	case acct.Amount != amount:
		return postConditionErr("%s holds %d, expected %d", s.Label, acct.Amount, amount)
	}
	return nil
}
