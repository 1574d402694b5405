// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package lifecycle brings a new market from nothing to a resting order. Every
// step is one or more confirmed transactions followed by read-backs of what
// they created, in a fixed order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/db"
	"github.com/foonetic/serum-dex/dex/derive"
	"github.com/foonetic/serum-dex/dex/networks/serum"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/foonetic/serum-dex/dex/provision"
	"github.com/foonetic/serum-dex/dex/sequencer"
	"github.com/foonetic/serum-dex/dex/wait"
	"github.com/gagliardetto/solana-go"
)

// DefaultAirdropTimeout bounds the wait for an airdrop to show in the payer's
// balance.
const DefaultAirdropTimeout = time.Minute

// transactionsPerRun is the number of batches a complete run submits.
const transactionsPerRun = 8

// vaultSigner finds the vault authority. Replaced in tests.
var vaultSigner = derive.VaultSigner

// Chain is the cluster as seen by the driver. *sol.RPCLedger is a Chain.
type Chain interface {
	sequencer.Ledger
	provision.RentOracle
	Balance(ctx context.Context, pk solana.PublicKey) (uint64, error)
	RequestAirdrop(ctx context.Context, pk solana.PublicKey, lamports uint64) (solana.Signature, error)
}

// Recorder persists what a run created. *db.Journal is a Recorder.
type Recorder interface {
	SetMarket(market string) error
	RecordAccount(rec *db.AccountRecord) error
	RecordState(rec *db.StateRecord) error
}

var (
	_ Chain    = (*sol.RPCLedger)(nil)
	_ Recorder = (*db.Journal)(nil)
)

// Config is the configuration of a Driver.
type Config struct {
	Payer   solana.PrivateKey
	Program solana.PublicKey
	Market  *dex.MarketParams
	Order   *dex.OrderParams
	// NonceLimit is the exclusive ceiling of the vault signer nonce search.
	// Zero uses derive.DefaultNonceLimit.
	NonceLimit uint64
	// Airdrop requests any funding shortfall instead of failing.
	Airdrop        bool
	AirdropTimeout time.Duration
	// Sequencer settings. The payer is always Payer.
	MaxResubmits   int
	ConfirmTimeout time.Duration
	PollTaper      wait.Taper
	// Snapshots receives a dump of every account read back. Optional.
	Snapshots io.Writer
	// Recorder journals created accounts and reached states. Optional.
	Recorder Recorder
}

// Result is a successful run.
type Result struct {
	Accounts       *serum.MarketAccounts
	VaultAuthority *derive.VaultAuthority
	// OpenOrders are the participants' open orders accounts. The first placed
	// the order.
	OpenOrders []solana.PublicKey
	Market     *serum.MarketState
	Receipts   []*sequencer.Receipt
	State      State
}

// participant is an open orders owner with a token wallet to pay for orders.
type participant struct {
	name       string
	openOrders *provision.AccountSpec
	wallet     *provision.AccountSpec
	walletMint solana.PublicKey
	funding    uint64
}

// plan is every account a run creates.
type plan struct {
	market, bids, asks *provision.AccountSpec
	requestQ, eventQ   *provision.AccountSpec
	coinMint, pcMint   *provision.AccountSpec
	coinVault, pcVault *provision.AccountSpec
	participants       []*participant
	vault              *derive.VaultAuthority
	accts              *serum.MarketAccounts
}

func (p *plan) specs() []*provision.AccountSpec {
	specs := []*provision.AccountSpec{p.market, p.bids, p.asks, p.requestQ, p.eventQ,
		p.coinMint, p.pcMint, p.coinVault, p.pcVault}
	for _, pt := range p.participants {
		specs = append(specs, pt.openOrders, pt.wallet)
	}
	return specs
}

// Driver runs the market lifecycle. A Driver runs once.
type Driver struct {
	cfg     Config
	chain   Chain
	seq     *sequencer.Sequencer
	planner *provision.Planner
	log     dex.Logger
	snap    *spew.ConfigState

	machine   machine
	trace     Trace
	confirmed map[solana.PublicKey]bool
	receipts  []*sequencer.Receipt
	plan      *plan
	mktState  *serum.MarketState
}

// NewDriver is the constructor for a Driver. Loggers for the LIFE, SEQ and
// PLAN subsystems are made by lm.
func NewDriver(chain Chain, cfg *Config, lm *dex.LoggerMaker) (*Driver, error) {
	if cfg.Market == nil || cfg.Order == nil {
		return nil, errors.New("market and order parameters are required")
	}
	if err := cfg.Market.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market parameters: %w", err)
	}
	if err := cfg.Order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	if cfg.Program == (solana.PublicKey{}) {
		return nil, errors.New("no dex program ID")
	}
	if len(cfg.Payer) == 0 {
		return nil, errors.New("no payer key")
	}
	c := *cfg
	if c.NonceLimit == 0 {
		c.NonceLimit = derive.DefaultNonceLimit
	}
	if c.AirdropTimeout == 0 {
		c.AirdropTimeout = DefaultAirdropTimeout
	}
	seq := sequencer.New(chain, &sequencer.Config{
		Payer:          c.Payer,
		MaxResubmits:   c.MaxResubmits,
		ConfirmTimeout: c.ConfirmTimeout,
		PollTaper:      c.PollTaper,
	}, lm.NewLogger("SEQ"))
	return &Driver{
		cfg:     c,
		chain:   chain,
		seq:     seq,
		planner: provision.NewPlanner(c.Program, chain, lm.NewLogger("PLAN")),
		log:     lm.NewLogger("LIFE"),
		snap: &spew.ConfigState{
			Indent:                  "  ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
			SortKeys:                true,
		},
		confirmed: make(map[solana.PublicKey]bool),
	}, nil
}

// State is the last state reached.
func (d *Driver) State() State {
	return d.machine.state
}

// Trace is the record of what the driver did.
func (d *Driver) Trace() *Trace {
	return &d.trace
}

// Run plans every account, finds the vault authority, checks funding, and
// then steps through the lifecycle. Any failure ends the run with a
// *StepError. Accounts already created are left in place.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if d.plan != nil {
		return nil, errors.New("driver already ran")
	}
	fail := func(step string, err error) (*Result, error) {
		d.log.Errorf("Run failed at %s from state %s: %v", step, d.machine.state, err)
		return nil, &StepError{Step: step, From: d.machine.state, Err: err}
	}

	p, err := d.planAccounts(ctx)
	if err != nil {
		return fail("plan accounts", err)
	}
	d.plan = p
	if d.cfg.Recorder != nil {
		if err := d.cfg.Recorder.SetMarket(p.market.Address().String()); err != nil {
			d.log.Errorf("Error journaling market address: %v", err)
		}
	}

	if err := d.ensureFunding(ctx); err != nil {
		return fail("funding check", err)
	}

	for _, st := range d.steps() {
		if err := d.runStep(ctx, st); err != nil {
			return fail(st.name, err)
		}
	}

	return &Result{
		Accounts:       p.accts,
		VaultAuthority: p.vault,
		OpenOrders:     []solana.PublicKey{p.participants[0].openOrders.Address(), p.participants[1].openOrders.Address()},
		Market:         d.mktState,
		Receipts:       d.receipts,
		State:          d.machine.state,
	}, nil
}

// planAccounts creates the AccountSpec of every account and derives the vault
// authority from the market address. Nothing is spent.
func (d *Driver) planAccounts(ctx context.Context) (*plan, error) {
	if err := d.planner.Prefetch(ctx, provision.AllRoles...); err != nil {
		return nil, err
	}
	p := new(plan)
	var err error
	for _, a := range []struct {
		spec  **provision.AccountSpec
		role  provision.Role
		label string
	}{
		{&p.market, provision.RoleMarket, "market"},
		{&p.bids, provision.RoleBids, "bids"},
		{&p.asks, provision.RoleAsks, "asks"},
		{&p.requestQ, provision.RoleRequestQueue, "request queue"},
		{&p.eventQ, provision.RoleEventQueue, "event queue"},
		{&p.coinMint, provision.RoleMint, "coin mint"},
		{&p.pcMint, provision.RoleMint, "pc mint"},
		{&p.coinVault, provision.RoleVault, "coin vault"},
		{&p.pcVault, provision.RoleVault, "pc vault"},
	} {
		if *a.spec, err = d.planner.Plan(ctx, a.role, a.label); err != nil {
			return nil, err
		}
	}

	funding, err := d.cfg.Order.PayerFunding(d.cfg.Market)
	if err != nil {
		return nil, err
	}
	walletMint := p.pcMint.Address()
	if d.cfg.Order.Side == dex.Ask {
		walletMint = p.coinMint.Address()
	}
	for _, name := range []string{"maker", "taker"} {
		pt := &participant{name: name, walletMint: walletMint, funding: funding}
		if pt.openOrders, err = d.planner.Plan(ctx, provision.RoleOpenOrders, name+" open orders"); err != nil {
			return nil, err
		}
		if pt.wallet, err = d.planner.Plan(ctx, provision.RoleWallet, name+" wallet"); err != nil {
			return nil, err
		}
		p.participants = append(p.participants, pt)
	}

	p.vault, err = vaultSigner(p.market.Address(), d.cfg.Program, d.cfg.NonceLimit)
	if err != nil {
		return nil, err
	}
	d.log.Infof("Vault authority for market %s is %s", p.market.Address(), p.vault)

	p.accts = &serum.MarketAccounts{
		Market:       p.market.Address(),
		RequestQueue: p.requestQ.Address(),
		EventQueue:   p.eventQ.Address(),
		Bids:         p.bids.Address(),
		Asks:         p.asks.Address(),
		CoinVault:    p.coinVault.Address(),
		PcVault:      p.pcVault.Address(),
		CoinMint:     p.coinMint.Address(),
		PcMint:       p.pcMint.Address(),
	}
	return p, nil
}

// ensureFunding checks that the payer can cover every account's rent plus
// fees, requesting an airdrop for the shortfall if configured.
func (d *Driver) ensureFunding(ctx context.Context) error {
	specs := d.plan.specs()
	roles := make([]provision.Role, 0, len(specs))
	for _, s := range specs {
		roles = append(roles, s.Role)
	}
	rent, err := d.planner.Budget(ctx, roles)
	if err != nil {
		return err
	}
	// The payer signs every transaction and each new account signs once.
	// Fees are doubled to leave room for resubmissions.
	sigs := uint64(transactionsPerRun + len(specs))
	need := rent + 2*sigs*sol.SignatureFee

	payer := d.seq.Payer()
	bal, err := d.chain.Balance(ctx, payer)
	if err != nil {
		return fmt.Errorf("%w: error getting payer balance: %v", provision.ErrInsufficientFunding, err)
	}
	d.log.Infof("Run needs %s SOL, payer %s has %s SOL", sol.UnitInfo.ConventionalString(need),
		payer, sol.UnitInfo.ConventionalString(bal))
	if bal >= need {
		return nil
	}
	short := need - bal
	if !d.cfg.Airdrop {
		return dex.NewError(provision.ErrInsufficientFunding, fmt.Sprintf("payer is short %s SOL",
			sol.UnitInfo.ConventionalString(short)))
	}

	sig, err := d.chain.RequestAirdrop(ctx, payer, short)
	if err != nil {
		return fmt.Errorf("%w: airdrop failed: %v", provision.ErrInsufficientFunding, err)
	}
	d.log.Infof("Requested airdrop of %s SOL in %s", sol.UnitInfo.ConventionalString(short), sig)
	var pollErr error
	err = wait.Poll(ctx, &wait.Waiter{
		Expiration: time.Now().Add(d.cfg.AirdropTimeout),
		TryFunc: func() wait.TryDirective {
			bal, pollErr = d.chain.Balance(ctx, payer)
			if pollErr != nil || bal >= need {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
	}, d.seq.PollTaper())
	if err != nil {
		return fmt.Errorf("%w: airdrop not received: %v", provision.ErrInsufficientFunding, err)
	}
	if pollErr != nil {
		return fmt.Errorf("%w: error getting payer balance: %v", provision.ErrInsufficientFunding, pollErr)
	}
	return nil
}

// submit sends a batch and marks the accounts it created as confirmed.
func (d *Driver) submit(ctx context.Context, pb *plannedBatch) error {
	created := make([]solana.PublicKey, 0, len(pb.created))
	for _, s := range pb.created {
		created = append(created, s.Address())
	}
	d.trace.add(&Event{Kind: EventSubmit, State: d.machine.state, Batch: pb.batch.Name, Accounts: created})
	r, err := d.seq.Submit(ctx, pb.batch)
	if err != nil {
		return err
	}
	d.receipts = append(d.receipts, r)
	for _, pk := range created {
		d.confirmed[pk] = true
	}
	d.trace.add(&Event{Kind: EventConfirm, State: d.machine.state, Batch: pb.batch.Name,
		Accounts: created, Signature: r.Signature})
	d.log.Infof("Batch %q confirmed in slot %d (%s)", pb.batch.Name, r.Slot, r.Signature)

	if d.cfg.Recorder == nil {
		return nil
	}
	for _, s := range pb.created {
		err := d.cfg.Recorder.RecordAccount(&db.AccountRecord{
			Role:      s.Role.String(),
			Label:     s.Label,
			Address:   s.Address().String(),
			Owner:     s.Owner.String(),
			Size:      s.Size,
			Lamports:  s.Lamports,
			Batch:     pb.batch.Name,
			Signature: r.Signature.String(),
		})
		if err != nil {
			d.log.Errorf("Error journaling account %s: %v", s.Address(), err)
		}
	}
	return nil
}

// readAccount reads back an account whose creation has been confirmed.
func (d *Driver) readAccount(ctx context.Context, pk solana.PublicKey) (*sol.AccountInfo, error) {
	if !d.confirmed[pk] {
		return nil, fmt.Errorf("read of %s before its creation was confirmed", pk)
	}
	d.trace.add(&Event{Kind: EventReadBack, State: d.machine.state, Accounts: []solana.PublicKey{pk}})
	return d.seq.Account(ctx, pk)
}

// snapshot dumps a read-back account.
func (d *Driver) snapshot(label string, pk solana.PublicKey, v any) {
	if d.cfg.Snapshots == nil {
		return
	}
	fmt.Fprintf(d.cfg.Snapshots, "=== %s %s ===\n", label, pk)
	d.snap.Fdump(d.cfg.Snapshots, v)
}

// reach moves to the next state and journals it.
func (d *Driver) reach(to State) error {
	if err := d.machine.advance(to); err != nil {
		return err
	}
	var sig solana.Signature
	if n := len(d.receipts); n > 0 {
		sig = d.receipts[n-1].Signature
	}
	d.trace.add(&Event{Kind: EventState, State: to, Signature: sig})
	d.log.Infof("Reached %s", to)
	if d.cfg.Recorder != nil {
		if err := d.cfg.Recorder.RecordState(&db.StateRecord{State: to.String(), Signature: sig.String()}); err != nil {
			d.log.Errorf("Error journaling state %s: %v", to, err)
		}
	}
	return nil
}
