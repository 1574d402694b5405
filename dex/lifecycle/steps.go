// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lifecycle

import (
	"context"
	"fmt"

	"github.com/foonetic/serum-dex/dex/networks/serum"
	"github.com/foonetic/serum-dex/dex/provision"
	"github.com/foonetic/serum-dex/dex/sequencer"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// plannedBatch is a batch and the accounts it creates.
type plannedBatch struct {
	batch   *sequencer.Batch
	created []*provision.AccountSpec
}

// step is one transition. Its batches are submitted in order, then the
// read-backs in verify must pass before the state is reached.
type step struct {
	to      State
	name    string
	batches func() ([]*plannedBatch, error)
	verify  func(ctx context.Context) error
}

// steps is the lifecycle, in the only order it may run.
func (d *Driver) steps() []*step {
	return []*step{
		{BookAccountsCreated, "create book accounts", d.bookBatches, d.verifyBook},
		{QueueAccountsCreated, "create queue accounts", d.queueBatches, d.verifyQueues},
		{MintsCreated, "create mints", d.mintBatches, d.verifyMints},
		{VaultsCreatedAndFunded, "create vaults", d.vaultBatches, d.verifyVaults},
		{MarketInitialized, "initialize market", d.marketBatches, d.verifyMarket},
		{OpenOrdersReady, "create open orders", d.participantBatches, d.verifyParticipants},
		{OrderSubmitted, "submit order", d.orderBatches, d.verifyOrder},
	}
}

func (d *Driver) runStep(ctx context.Context, st *step) error {
	batches, err := st.batches()
	if err != nil {
		return err
	}
	for _, pb := range batches {
		if err := d.submit(ctx, pb); err != nil {
			return err
		}
	}
	if err := st.verify(ctx); err != nil {
		return err
	}
	return d.reach(st.to)
}

// createBatch starts a batch with the create instructions of the
// AccountSpecs. Each new account signs.
func (d *Driver) createBatch(name string, specs ...*provision.AccountSpec) (*plannedBatch, error) {
	pb := &plannedBatch{
		batch:   &sequencer.Batch{Name: name},
		created: specs,
	}
	payer := d.seq.Payer()
	for _, s := range specs {
		ix, err := s.CreateInstruction(payer)
		if err != nil {
			return nil, err
		}
		pb.batch.Instructions = append(pb.batch.Instructions, ix)
		pb.batch.Signers = append(pb.batch.Signers, s.Key)
	}
	return pb, nil
}

func (pb *plannedBatch) add(ixs ...solana.Instruction) {
	pb.batch.Instructions = append(pb.batch.Instructions, ixs...)
}

func (d *Driver) bookBatches() ([]*plannedBatch, error) {
	p := d.plan
	pb, err := d.createBatch("book", p.market, p.bids, p.asks)
	if err != nil {
		return nil, err
	}
	return []*plannedBatch{pb}, nil
}

func (d *Driver) queueBatches() ([]*plannedBatch, error) {
	p := d.plan
	pb, err := d.createBatch("queues", p.requestQ, p.eventQ)
	if err != nil {
		return nil, err
	}
	return []*plannedBatch{pb}, nil
}

func (d *Driver) mintBatches() ([]*plannedBatch, error) {
	p := d.plan
	pb, err := d.createBatch("mints", p.coinMint, p.pcMint)
	if err != nil {
		return nil, err
	}
	for _, m := range []struct {
		spec     *provision.AccountSpec
		decimals uint8
	}{
		{p.coinMint, d.cfg.Market.CoinDecimals},
		{p.pcMint, d.cfg.Market.PcDecimals},
	} {
		ix, err := initializeMint(m.spec.Address(), m.decimals, d.seq.Payer())
		if err != nil {
			return nil, err
		}
		pb.add(ix)
	}
	return []*plannedBatch{pb}, nil
}

func (d *Driver) vaultBatches() ([]*plannedBatch, error) {
	p := d.plan
	pb, err := d.createBatch("vaults", p.coinVault, p.pcVault)
	if err != nil {
		return nil, err
	}
	for _, v := range []struct {
		vault, mint *provision.AccountSpec
	}{
		{p.coinVault, p.coinMint},
		{p.pcVault, p.pcMint},
	} {
		ixs, err := d.fundedTokenAccount(v.vault.Address(), v.mint.Address(), p.vault.Address, d.cfg.Market.VaultFunding)
		if err != nil {
			return nil, err
		}
		pb.add(ixs...)
	}
	return []*plannedBatch{pb}, nil
}

func (d *Driver) marketBatches() ([]*plannedBatch, error) {
	p := d.plan
	ix, err := serum.NewInitializeMarketInstruction(d.cfg.Program, p.accts, d.cfg.Market, p.vault.Nonce)
	if err != nil {
		return nil, err
	}
	pb := &plannedBatch{batch: &sequencer.Batch{Name: "initialize market"}}
	pb.add(ix)
	return []*plannedBatch{pb}, nil
}

// participantBatches is one batch per participant, creating and binding its
// open orders account and its funded order payer wallet.
func (d *Driver) participantBatches() ([]*plannedBatch, error) {
	p := d.plan
	payer := d.seq.Payer()
	batches := make([]*plannedBatch, 0, len(p.participants))
	for _, pt := range p.participants {
		pb, err := d.createBatch(pt.name, pt.openOrders, pt.wallet)
		if err != nil {
			return nil, err
		}
		pb.add(serum.NewInitOpenOrdersInstruction(d.cfg.Program, pt.openOrders.Address(), payer, p.market.Address()))
		ixs, err := d.fundedTokenAccount(pt.wallet.Address(), pt.walletMint, payer, pt.funding)
		if err != nil {
			return nil, err
		}
		pb.add(ixs...)
		batches = append(batches, pb)
	}
	return batches, nil
}

func (d *Driver) orderBatches() ([]*plannedBatch, error) {
	p := d.plan
	maker := p.participants[0]
	ix, err := serum.NewOrderV3Instruction(d.cfg.Program, p.accts, maker.openOrders.Address(),
		maker.wallet.Address(), d.seq.Payer(), d.cfg.Order, d.cfg.Market)
	if err != nil {
		return nil, err
	}
	pb := &plannedBatch{batch: &sequencer.Batch{Name: "order"}}
	pb.add(ix)
	return []*plannedBatch{pb}, nil
}

// fundedTokenAccount initializes an allocated token account and mints amount
// into it with the payer as mint authority. A zero amount mints nothing.
func (d *Driver) fundedTokenAccount(acct, mint, owner solana.PublicKey, amount uint64) ([]solana.Instruction, error) {
	initIx, err := token.NewInitializeAccountInstructionBuilder().
		SetAccount(acct).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		SetSysVarRentPubkeyAccount(solana.SysVarRentPubkey).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("error building token account initialization: %w", err)
	}
	ixs := []solana.Instruction{initIx}
	if amount == 0 {
		return ixs, nil
	}
	mintIx, err := token.NewMintToInstructionBuilder().
		SetAmount(amount).
		SetMintAccount(mint).
		SetDestinationAccount(acct).
		SetAuthorityAccount(d.seq.Payer()).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("error building mint instruction: %w", err)
	}
	return append(ixs, mintIx), nil
}

func initializeMint(mint solana.PublicKey, decimals uint8, authority solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewInitializeMintInstructionBuilder().
		SetDecimals(decimals).
		SetMintAuthority(authority).
		SetMintAccount(mint).
		SetSysVarRentPubkeyAccount(solana.SysVarRentPubkey).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("error building mint initialization: %w", err)
	}
	return ix, nil
}
