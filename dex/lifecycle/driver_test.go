package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

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

var (
	tCtx      context.Context
	tLogMaker *dex.LoggerMaker
	tProgram  = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
)

func TestMain(m *testing.M) {
	doIt := func() int {
		var err error
		tLogMaker, err = dex.NewLoggerMaker(os.Stdout, "trace")
		if err != nil {
			fmt.Println("error creating logger maker:", err)
			return 1
		}
		var shutdown context.CancelFunc
		tCtx, shutdown = context.WithCancel(context.Background())
		defer shutdown()
		return m.Run()
	}
	os.Exit(doIt())
}

type tRecorder struct {
	mtx      sync.Mutex
	market   string
	accounts []*db.AccountRecord
	states   []string
}

func (r *tRecorder) SetMarket(market string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.market = market
	return nil
}

func (r *tRecorder) RecordAccount(rec *db.AccountRecord) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.accounts = append(r.accounts, rec)
	return nil
}

func (r *tRecorder) RecordState(rec *db.StateRecord) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.states = append(r.states, rec.State)
	return nil
}

type tRig struct {
	chain    *tChain
	driver   *Driver
	recorder *tRecorder
	snaps    *bytes.Buffer
	payer    solana.PrivateKey
}

func newTRig(t *testing.T, payerLamports uint64, mods ...func(*Config)) *tRig {
	t.Helper()
	payer, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("error generating payer: %v", err)
	}
	rig := &tRig{
		chain:    newTChain(tProgram, payer.PublicKey(), payerLamports),
		recorder: &tRecorder{},
		snaps:    new(bytes.Buffer),
		payer:    payer,
	}
	cfg := &Config{
		Payer:          payer,
		Program:        tProgram,
		Market:         dex.DefaultMarketParams(),
		Order:          dex.DefaultOrderParams(),
		ConfirmTimeout: 5 * time.Second,
		PollTaper:      wait.Constant(time.Millisecond),
		AirdropTimeout: time.Second,
		Snapshots:      rig.snaps,
		Recorder:       rig.recorder,
	}
	for _, mod := range mods {
		mod(cfg)
	}
	rig.driver, err = NewDriver(rig.chain, cfg, tLogMaker)
	if err != nil {
		t.Fatalf("NewDriver error: %v", err)
	}
	return rig
}

const tFunded = 500 * sol.LamportsPerSOL

func TestRunEndToEnd(t *testing.T) {
	rig := newTRig(t, tFunded)
	res, err := rig.driver.Run(tCtx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != OrderSubmitted || rig.driver.State() != OrderSubmitted {
		t.Fatalf("wrong final state %s", res.State)
	}
	if len(res.Receipts) != transactionsPerRun {
		t.Fatalf("expected %d receipts, got %d", transactionsPerRun, len(res.Receipts))
	}
	if last := res.Receipts[len(res.Receipts)-1]; last.Batch != "order" {
		t.Fatalf("last receipt is %s, not the order", last.Batch)
	}

	mktAcct := rig.chain.account(res.Accounts.Market)
	if mktAcct == nil || len(mktAcct.data) != serum.MarketSize {
		t.Fatalf("market account missing or mis-sized")
	}
	if res.Market.CoinLotSize != 1 || res.Market.PcLotSize != 1 || res.Market.PcDustThreshold != 5 {
		t.Fatalf("wrong market params read back: %+v", res.Market)
	}
	if res.Market.VaultSignerNonce != res.VaultAuthority.Nonce {
		t.Fatalf("market nonce %d != derived %d", res.Market.VaultSignerNonce, res.VaultAuthority.Nonce)
	}
	if err := res.VaultAuthority.Verify(res.Accounts.Market, tProgram); err != nil {
		t.Fatalf("vault authority does not verify: %v", err)
	}
	// The bid locked price * qty pc into the pc vault on top of the funding.
	pcVault := rig.chain.account(res.Accounts.PcVault)
	ta, _ := sol.DecodeTokenAccount(pcVault.data)
	if ta.Amount != dex.DefaultVaultFunding+1100*1000 {
		t.Fatalf("wrong pc vault balance %d", ta.Amount)
	}

	// 9 market accounts and 2 per participant.
	if len(rig.recorder.accounts) != 13 {
		t.Fatalf("expected 13 journaled accounts, got %d", len(rig.recorder.accounts))
	}
	if rig.recorder.market != res.Accounts.Market.String() {
		t.Fatalf("journaled market %s, expected %s", rig.recorder.market, res.Accounts.Market)
	}
	wantStates := []string{"BookAccountsCreated", "QueueAccountsCreated", "MintsCreated",
		"VaultsCreatedAndFunded", "MarketInitialized", "OpenOrdersReady", "OrderSubmitted"}
	if strings.Join(rig.recorder.states, ",") != strings.Join(wantStates, ",") {
		t.Fatalf("wrong journaled states %v", rig.recorder.states)
	}
	if !strings.Contains(rig.snaps.String(), "=== market "+res.Accounts.Market.String()) {
		t.Fatalf("no market snapshot")
	}
	if len(rig.chain.airdrops) != 0 {
		t.Fatalf("unexpected airdrop")
	}
}

func TestReadsFollowConfirmation(t *testing.T) {
	rig := newTRig(t, tFunded)
	if _, err := rig.driver.Run(tCtx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	tr := rig.driver.Trace()
	if err := tr.CheckReadsAfterConfirm(); err != nil {
		t.Fatal(err)
	}

	// Every created account is read back, and states are reached in order.
	read := make(map[solana.PublicKey]bool)
	created := make(map[solana.PublicKey]bool)
	last := Uninitialized
	for _, e := range tr.Events() {
		switch e.Kind {
		case EventReadBack:
			read[e.Accounts[0]] = true
		case EventConfirm:
			for _, pk := range e.Accounts {
				created[pk] = true
			}
		case EventState:
			if e.State != last.Next() {
				t.Fatalf("state %s reached after %s", e.State, last)
			}
			last = e.State
		}
	}
	for pk := range created {
		if !read[pk] {
			t.Fatalf("created account %s never read back", pk)
		}
	}
	if last != OrderSubmitted {
		t.Fatalf("trace ended at %s", last)
	}
}

func TestRunDerivationExhausted(t *testing.T) {
	defer func(f func(solana.PublicKey, solana.PublicKey, uint64) (*derive.VaultAuthority, error)) {
		vaultSigner = f
	}(vaultSigner)
	vaultSigner = func(market, program solana.PublicKey, _ uint64) (*derive.VaultAuthority, error) {
		return derive.VaultSigner(market, program, 0)
	}

	rig := newTRig(t, tFunded)
	_, err := rig.driver.Run(tCtx)
	if !errors.Is(err, derive.ErrDerivationExhausted) {
		t.Fatalf("expected ErrDerivationExhausted, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.From != Uninitialized {
		t.Fatalf("expected StepError from Uninitialized, got %v", err)
	}
	if rig.chain.sent != 0 {
		t.Fatalf("%d transactions sent before derivation failed", rig.chain.sent)
	}
}

func TestRunVaultNonceDisagreement(t *testing.T) {
	defer func(f func(solana.PublicKey, solana.PublicKey, uint64) (*derive.VaultAuthority, error)) {
		vaultSigner = f
	}(vaultSigner)
	// The right owner for the vaults, but the wrong nonce given to the program.
	vaultSigner = func(market, program solana.PublicKey, limit uint64) (*derive.VaultAuthority, error) {
		va, err := derive.VaultSigner(market, program, limit)
		if err != nil {
			return nil, err
		}
		return &derive.VaultAuthority{Nonce: va.Nonce + 1, Address: va.Address}, nil
	}

	rig := newTRig(t, tFunded)
	_, err := rig.driver.Run(tCtx)
	if !errors.Is(err, sequencer.ErrTransactionRejected) {
		t.Fatalf("expected ErrTransactionRejected, got %v", err)
	}
	if rig.driver.State() != VaultsCreatedAndFunded {
		t.Fatalf("expected failure from VaultsCreatedAndFunded, got %s", rig.driver.State())
	}
}

func TestRunInsufficientFunding(t *testing.T) {
	rig := newTRig(t, sol.LamportsPerSOL)
	_, err := rig.driver.Run(tCtx)
	if !errors.Is(err, provision.ErrInsufficientFunding) {
		t.Fatalf("expected ErrInsufficientFunding, got %v", err)
	}
	if rig.chain.sent != 0 {
		t.Fatalf("%d transactions sent without funding", rig.chain.sent)
	}
	if len(rig.recorder.accounts) != 0 {
		t.Fatalf("accounts journaled without funding")
	}
}

func TestRunAirdrop(t *testing.T) {
	rig := newTRig(t, sol.LamportsPerSOL, func(cfg *Config) { cfg.Airdrop = true })
	if _, err := rig.driver.Run(tCtx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(rig.chain.airdrops) != 1 {
		t.Fatalf("expected 1 airdrop, got %d", len(rig.chain.airdrops))
	}
	// The shortfall is the planner's rent budget for all 13 accounts plus
	// doubled fees for 8 transactions and 13 account signatures.
	var rent uint64
	for _, size := range []uint64{serum.MarketSize, serum.SlabSize, serum.SlabSize,
		serum.RequestQueueSize, serum.EventQueueSize, sol.MintSize, sol.MintSize,
		sol.TokenAccountSize, sol.TokenAccountSize, serum.OpenOrdersSize, serum.OpenOrdersSize,
		sol.TokenAccountSize, sol.TokenAccountSize} {
		rent += tRent(size)
	}
	need := rent + 2*(8+13)*sol.SignatureFee
	if got := rig.chain.airdrops[0]; got != need-sol.LamportsPerSOL {
		t.Fatalf("airdropped %d, expected %d", got, need-sol.LamportsPerSOL)
	}
}

func TestRunRentFailure(t *testing.T) {
	rig := newTRig(t, tFunded)
	rig.chain.rentErr = errors.New("rpc down")
	_, err := rig.driver.Run(tCtx)
	if !errors.Is(err, provision.ErrInsufficientFunding) {
		t.Fatalf("expected ErrInsufficientFunding, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "plan accounts" {
		t.Fatalf("expected plan accounts StepError, got %v", err)
	}
}

func TestRunFailFast(t *testing.T) {
	tests := []struct {
		name     string
		failAt   int
		from     State
		step     string
		accounts int
	}{
		{"book", 1, Uninitialized, "create book accounts", 0},
		{"mints", 3, QueueAccountsCreated, "create mints", 5},
		{"market", 5, VaultsCreatedAndFunded, "initialize market", 9},
		{"taker", 7, MarketInitialized, "create open orders", 11},
		{"order", 8, OpenOrdersReady, "submit order", 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTRig(t, tFunded)
			rig.chain.failAt = tt.failAt
			_, err := rig.driver.Run(tCtx)
			if !errors.Is(err, sequencer.ErrTransactionRejected) {
				t.Fatalf("expected ErrTransactionRejected, got %v", err)
			}
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("not a StepError: %v", err)
			}
			if stepErr.From != tt.from || stepErr.Step != tt.step {
				t.Fatalf("wrong failure point %q from %s", stepErr.Step, stepErr.From)
			}
			if rig.chain.sent != tt.failAt {
				t.Fatalf("sent %d transactions, expected %d", rig.chain.sent, tt.failAt)
			}
			if len(rig.recorder.accounts) != tt.accounts {
				t.Fatalf("journaled %d accounts, expected %d", len(rig.recorder.accounts), tt.accounts)
			}
		})
	}
}

func TestRunResubmitsExpired(t *testing.T) {
	rig := newTRig(t, tFunded)
	rig.chain.drop = 2
	res, err := rig.driver.Run(tCtx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Receipts[0].Submissions != 3 {
		t.Fatalf("expected 3 submissions of the first batch, got %d", res.Receipts[0].Submissions)
	}
}

func TestRunPostCondition(t *testing.T) {
	rig := newTRig(t, tFunded)
	rig.chain.marketHook = func(st *serum.MarketState) { st.PcDustThreshold++ }
	_, err := rig.driver.Run(tCtx)
	if !errors.Is(err, ErrPostCondition) {
		t.Fatalf("expected ErrPostCondition, got %v", err)
	}
	if rig.driver.State() != VaultsCreatedAndFunded {
		t.Fatalf("state advanced past a failed read-back: %s", rig.driver.State())
	}
}

func TestRunAsk(t *testing.T) {
	rig := newTRig(t, tFunded, func(cfg *Config) { cfg.Order.Side = dex.Ask })
	res, err := rig.driver.Run(tCtx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	ooAcct := rig.chain.account(res.OpenOrders[0])
	oo, _ := serum.DecodeOpenOrders(ooAcct.data)
	if oo.NativeCoinTotal != 1000 || oo.NativePcTotal != 0 {
		t.Fatalf("wrong ask lock: coin %d, pc %d", oo.NativeCoinTotal, oo.NativePcTotal)
	}
}

func TestRunOnce(t *testing.T) {
	rig := newTRig(t, tFunded)
	if _, err := rig.driver.Run(tCtx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if _, err := rig.driver.Run(tCtx); err == nil {
		t.Fatalf("no error for second run")
	}
}

func TestNewDriverValidation(t *testing.T) {
	payer, _ := solana.NewRandomPrivateKey()
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"no market", func(c *Config) { c.Market = nil }},
		{"no order", func(c *Config) { c.Order = nil }},
		{"zero lot", func(c *Config) { c.Market.CoinLotSize = 0 }},
		{"zero price", func(c *Config) { c.Order.LimitPrice = 0 }},
		{"no program", func(c *Config) { c.Program = solana.PublicKey{} }},
		{"no payer", func(c *Config) { c.Payer = nil }},
	}
	for _, tt := range tests {
		cfg := &Config{
			Payer:   payer,
			Program: tProgram,
			Market:  dex.DefaultMarketParams(),
			Order:   dex.DefaultOrderParams(),
		}
		tt.mod(cfg)
		if _, err := NewDriver(newTChain(tProgram, payer.PublicKey(), 0), cfg, tLogMaker); err == nil {
			t.Fatalf("%s: no error", tt.name)
		}
	}
}
