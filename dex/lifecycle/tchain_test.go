package lifecycle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/derive"
	"github.com/foonetic/serum-dex/dex/networks/serum"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/foonetic/serum-dex/dex/sequencer"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

type tAccount struct {
	owner    solana.PublicKey
	lamports uint64
	data     []byte
}

func (a *tAccount) clone() *tAccount {
	return &tAccount{owner: a.owner, lamports: a.lamports, data: append([]byte(nil), a.data...)}
}

// tChain is an in-memory cluster running just enough of the system, token,
// and dex programs to bring up a market. Transactions apply atomically.
type tChain struct {
	program solana.PublicKey

	mtx      sync.Mutex
	accounts map[solana.PublicKey]*tAccount
	statuses map[solana.Signature]*sol.SignatureStatus
	slot     uint64
	height   uint64
	hashes   uint64

	// knobs
	rentErr    error
	failAt     int // 1-based transaction that fails on chain
	drop       int // transactions dropped without landing
	marketHook func(*serum.MarketState)

	sent     int
	landed   int
	airdrops []uint64
	reads    []solana.PublicKey
}

func newTChain(program solana.PublicKey, payer solana.PublicKey, payerLamports uint64) *tChain {
	return &tChain{
		program:  program,
		accounts: map[solana.PublicKey]*tAccount{payer: {owner: solana.SystemProgramID, lamports: payerLamports}},
		statuses: make(map[solana.Signature]*sol.SignatureStatus),
		height:   1000,
	}
}

func tRent(size uint64) uint64 {
	return (128 + size) * 6960
}

func (c *tChain) RentExemptBalance(_ context.Context, size uint64) (uint64, error) {
	if c.rentErr != nil {
		return 0, c.rentErr
	}
	return tRent(size), nil
}

func (c *tChain) LatestCheckpoint(context.Context) (*sol.Checkpoint, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.hashes++
	return &sol.Checkpoint{
		Blockhash:            solana.Hash(sha256.Sum256(binary.LittleEndian.AppendUint64(nil, c.hashes))),
		LastValidBlockHeight: c.height + 150,
	}, nil
}

func (c *tChain) BlockHeight(context.Context) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.height, nil
}

func (c *tChain) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, dex.NewError(sequencer.ErrTransactionRejected, err.Error())
	}
	sig := tx.Signatures[0]
	c.sent++
	if c.drop > 0 {
		c.drop--
		// The blockhash expires before the transaction lands.
		c.height += 200
		return sig, nil
	}
	c.slot++
	c.landed++
	status := &sol.SignatureStatus{Slot: c.slot, Confirmed: true}
	if c.failAt == c.landed {
		status.Failure = "custom program error: 0x1"
	} else if err := c.execute(tx); err != nil {
		status.Failure = err.Error()
	}
	c.statuses[sig] = status
	return sig, nil
}

func (c *tChain) SignatureStatus(_ context.Context, sig solana.Signature) (*sol.SignatureStatus, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.statuses[sig], nil
}

func (c *tChain) Account(_ context.Context, pk solana.PublicKey) (*sol.AccountInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.reads = append(c.reads, pk)
	a := c.accounts[pk]
	if a == nil {
		return nil, sol.ErrAccountNotFound
	}
	a = a.clone()
	return &sol.AccountInfo{Owner: a.owner, Lamports: a.lamports, Data: a.data}, nil
}

func (c *tChain) Balance(_ context.Context, pk solana.PublicKey) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if a := c.accounts[pk]; a != nil {
		return a.lamports, nil
	}
	return 0, nil
}

func (c *tChain) RequestAirdrop(_ context.Context, pk solana.PublicKey, lamports uint64) (solana.Signature, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.airdrops = append(c.airdrops, lamports)
	a := c.accounts[pk]
	if a == nil {
		a = &tAccount{owner: solana.SystemProgramID}
		c.accounts[pk] = a
	}
	a.lamports += lamports
	return solana.Signature{byte(len(c.airdrops))}, nil
}

func (c *tChain) account(pk solana.PublicKey) *tAccount {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.accounts[pk]
}

// txState is the working copy of the accounts a transaction touches.
type txState struct {
	c       *tChain
	signers map[solana.PublicKey]bool
	touched map[solana.PublicKey]*tAccount
}

func (s *txState) get(pk solana.PublicKey) *tAccount {
	if a, found := s.touched[pk]; found {
		return a
	}
	a := s.c.accounts[pk]
	if a != nil {
		a = a.clone()
	}
	s.touched[pk] = a
	return a
}

func (s *txState) put(pk solana.PublicKey, a *tAccount) {
	s.touched[pk] = a
}

func (c *tChain) execute(tx *solana.Transaction) error {
	msg := &tx.Message
	keys := msg.AccountKeys
	s := &txState{
		c:       c,
		signers: make(map[solana.PublicKey]bool),
		touched: make(map[solana.PublicKey]*tAccount),
	}
	for i := 0; i < int(msg.Header.NumRequiredSignatures); i++ {
		s.signers[keys[i]] = true
	}
	payer := s.get(keys[0])
	fee := uint64(len(s.signers)) * sol.SignatureFee
	if payer == nil || payer.lamports < fee {
		return errors.New("insufficient funds for fee")
	}
	payer.lamports -= fee

	for i, ci := range msg.Instructions {
		prog := keys[ci.ProgramIDIndex]
		accts := make([]solana.PublicKey, len(ci.Accounts))
		for j, idx := range ci.Accounts {
			accts[j] = keys[idx]
		}
		var err error
		switch prog {
		case solana.SystemProgramID:
			err = s.system(accts, ci.Data)
		case solana.TokenProgramID:
			err = s.tokenProgram(accts, ci.Data)
		case c.program:
			err = s.dex(accts, ci.Data)
		default:
			err = fmt.Errorf("unknown program %s", prog)
		}
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	for pk, a := range s.touched {
		if a != nil {
			c.accounts[pk] = a
		}
	}
	return nil
}

func (s *txState) system(accts []solana.PublicKey, data []byte) error {
	if len(data) != 52 || binary.LittleEndian.Uint32(data) != 0 {
		return errors.New("unsupported system instruction")
	}
	lamports := binary.LittleEndian.Uint64(data[4:])
	space := binary.LittleEndian.Uint64(data[12:])
	owner := solana.PublicKeyFromBytes(data[20:52])
	from, to := accts[0], accts[1]
	if !s.signers[from] || !s.signers[to] {
		return errors.New("create account missing signature")
	}
	if s.get(to) != nil {
		return fmt.Errorf("account %s already in use", to)
	}
	if lamports < tRent(space) {
		return fmt.Errorf("insufficient funds for rent: %s", to)
	}
	funder := s.get(from)
	if funder == nil || funder.lamports < lamports {
		return errors.New("insufficient lamports")
	}
	funder.lamports -= lamports
	s.put(to, &tAccount{owner: owner, lamports: lamports, data: make([]byte, space)})
	return nil
}

func (s *txState) owned(pk, owner solana.PublicKey, size int) (*tAccount, error) {
	a := s.get(pk)
	if a == nil {
		return nil, fmt.Errorf("account %s not found", pk)
	}
	if a.owner != owner {
		return nil, fmt.Errorf("account %s has the wrong owner", pk)
	}
	if len(a.data) != size {
		return nil, fmt.Errorf("account %s data length %d, expected %d", pk, len(a.data), size)
	}
	return a, nil
}

// encodeTokenState packs a token program account.
func encodeTokenState(v any) []byte {
	var buf bytes.Buffer
	if err := bin.NewBinEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("error encoding %T: %v", v, err))
	}
	return buf.Bytes()
}

func (s *txState) mint(pk solana.PublicKey) (*tAccount, *token.Mint, error) {
	a, err := s.owned(pk, solana.TokenProgramID, sol.MintSize)
	if err != nil {
		return nil, nil, err
	}
	m, err := sol.DecodeMint(a.data)
	return a, m, err
}

func (s *txState) tokenAccount(pk solana.PublicKey) (*tAccount, *token.Account, error) {
	a, err := s.owned(pk, solana.TokenProgramID, sol.TokenAccountSize)
	if err != nil {
		return nil, nil, err
	}
	ta, err := sol.DecodeTokenAccount(a.data)
	return a, ta, err
}

func (s *txState) tokenProgram(accts []solana.PublicKey, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty token instruction")
	}
	switch data[0] {
	case 0: // InitializeMint
		if len(data) < 35 {
			return errors.New("short InitializeMint")
		}
		a, m, err := s.mint(accts[0])
		if err != nil {
			return err
		}
		if m.IsInitialized {
			return errors.New("mint already initialized")
		}
		auth := solana.PublicKeyFromBytes(data[2:34])
		m = &token.Mint{MintAuthority: &auth, Decimals: data[1], IsInitialized: true}
		if data[34] == 1 {
			freeze := solana.PublicKeyFromBytes(data[35:67])
			m.FreezeAuthority = &freeze
		}
		a.data = encodeTokenState(m)
	case 1: // InitializeAccount
		a, ta, err := s.tokenAccount(accts[0])
		if err != nil {
			return err
		}
		if ta.State != token.Uninitialized {
			return errors.New("token account already initialized")
		}
		if _, m, err := s.mint(accts[1]); err != nil || !m.IsInitialized {
			return fmt.Errorf("invalid mint %s", accts[1])
		}
		a.data = encodeTokenState(&token.Account{Mint: accts[1], Owner: accts[2], State: token.Initialized})
	case 7: // MintTo
		amount := binary.LittleEndian.Uint64(data[1:9])
		ma, m, err := s.mint(accts[0])
		if err != nil {
			return err
		}
		if m.MintAuthority == nil || *m.MintAuthority != accts[2] || !s.signers[accts[2]] {
			return errors.New("mint authority did not sign")
		}
		da, dest, err := s.tokenAccount(accts[1])
		if err != nil {
			return err
		}
		if dest.Mint != accts[0] {
			return errors.New("destination mint mismatch")
		}
		m.Supply += amount
		dest.Amount += amount
		ma.data, da.data = encodeTokenState(m), encodeTokenState(dest)
	default:
		return fmt.Errorf("unsupported token instruction %d", data[0])
	}
	return nil
}

func (s *txState) dex(accts []solana.PublicKey, data []byte) error {
	tag, err := serum.InstructionTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case serum.InstructionInitializeMarket:
		return s.initializeMarket(accts, data)
	case serum.InstructionInitOpenOrders:
		return s.initOpenOrders(accts)
	case serum.InstructionNewOrderV3:
		return s.newOrder(accts, data)
	}
	return fmt.Errorf("unsupported dex instruction %d", tag)
}

func (s *txState) initializeMarket(accts []solana.PublicKey, data []byte) error {
	ix, err := serum.DecodeInitializeMarket(data)
	if err != nil {
		return err
	}
	if ix.CoinLotSize == 0 || ix.PcLotSize == 0 {
		return errors.New("zero lot size")
	}
	prog := s.c.program
	mkt, err := s.owned(accts[0], prog, serum.MarketSize)
	if err != nil {
		return err
	}
	if st, err := serum.DecodeMarketState(mkt.data); err == nil && st.Flags.Has(serum.FlagInitialized) {
		return errors.New("market already initialized")
	}
	for i, size := range []int{serum.RequestQueueSize, serum.EventQueueSize, serum.SlabSize, serum.SlabSize} {
		if _, err := s.owned(accts[1+i], prog, size); err != nil {
			return err
		}
	}
	signer := derive.VaultSignerCandidate(accts[0], ix.VaultSignerNonce, prog)
	if derive.OnCurve(signer[:]) {
		return errors.New("invalid vault signer nonce")
	}
	for i, vault := range []solana.PublicKey{accts[5], accts[6]} {
		_, ta, err := s.tokenAccount(vault)
		if err != nil {
			return err
		}
		if ta.Owner != signer {
			return fmt.Errorf("vault %s not owned by the vault signer", vault)
		}
		if ta.Mint != accts[7+i] {
			return fmt.Errorf("vault %s mint mismatch", vault)
		}
	}
	st := &serum.MarketState{
		Flags:            serum.FlagInitialized | serum.FlagMarket,
		OwnAddress:       accts[0],
		VaultSignerNonce: ix.VaultSignerNonce,
		CoinMint:         accts[7],
		PcMint:           accts[8],
		CoinVault:        accts[5],
		PcVault:          accts[6],
		PcDustThreshold:  ix.PcDustThreshold,
		RequestQueue:     accts[1],
		EventQueue:       accts[2],
		Bids:             accts[3],
		Asks:             accts[4],
		CoinLotSize:      ix.CoinLotSize,
		PcLotSize:        ix.PcLotSize,
		FeeRateBps:       uint64(ix.FeeRateBps),
	}
	if s.c.marketHook != nil {
		s.c.marketHook(st)
	}
	mkt.data = st.Encode()
	return nil
}

func (s *txState) market(pk solana.PublicKey) (*tAccount, *serum.MarketState, error) {
	a, err := s.owned(pk, s.c.program, serum.MarketSize)
	if err != nil {
		return nil, nil, err
	}
	st, err := serum.DecodeMarketState(a.data)
	if err != nil || !st.Flags.Has(serum.FlagInitialized|serum.FlagMarket) {
		return nil, nil, fmt.Errorf("market %s not initialized", pk)
	}
	return a, st, nil
}

func (s *txState) initOpenOrders(accts []solana.PublicKey) error {
	a, err := s.owned(accts[0], s.c.program, serum.OpenOrdersSize)
	if err != nil {
		return err
	}
	if !s.signers[accts[1]] {
		return errors.New("open orders owner did not sign")
	}
	if _, _, err := s.market(accts[2]); err != nil {
		return err
	}
	oo := &serum.OpenOrders{
		Flags:  serum.FlagInitialized | serum.FlagOpenOrders,
		Market: accts[2],
		Owner:  accts[1],
	}
	for i := range oo.FreeSlotBits {
		oo.FreeSlotBits[i] = 0xff
	}
	a.data = oo.Encode()
	return nil
}

func (s *txState) newOrder(accts []solana.PublicKey, data []byte) error {
	ix, err := serum.DecodeNewOrderV3(data)
	if err != nil {
		return err
	}
	mktAcct, mkt, err := s.market(accts[0])
	if err != nil {
		return err
	}
	ooAcct, err := s.owned(accts[1], s.c.program, serum.OpenOrdersSize)
	if err != nil {
		return err
	}
	oo, err := serum.DecodeOpenOrders(ooAcct.data)
	if err != nil {
		return err
	}
	owner := accts[7]
	if oo.Market != accts[0] || oo.Owner != owner || !s.signers[owner] {
		return errors.New("open orders not usable by the signer")
	}
	if accts[2] != mkt.RequestQueue || accts[3] != mkt.EventQueue || accts[4] != mkt.Bids ||
		accts[5] != mkt.Asks || accts[8] != mkt.CoinVault || accts[9] != mkt.PcVault {
		return errors.New("market account mismatch")
	}
	if ix.LimitPrice == 0 || ix.MaxCoinQty == 0 {
		return errors.New("zero price or quantity")
	}
	walletAcct, wallet, err := s.tokenAccount(accts[6])
	if err != nil {
		return err
	}
	if wallet.Owner != owner {
		return errors.New("order payer not owned by the signer")
	}

	var lock uint64
	var vaultPk, wantMint solana.PublicKey
	if ix.Side == dex.Bid {
		lock = ix.LimitPrice * ix.MaxCoinQty * mkt.PcLotSize
		if lock > ix.MaxNativePcQtyIncludingFees {
			return errors.New("max native pc qty too small")
		}
		vaultPk, wantMint = mkt.PcVault, mkt.PcMint
		oo.NativePcTotal += lock
		mkt.PcDepositsTotal += lock
	} else {
		lock = ix.MaxCoinQty * mkt.CoinLotSize
		vaultPk, wantMint = mkt.CoinVault, mkt.CoinMint
		oo.NativeCoinTotal += lock
		mkt.CoinDepositsTotal += lock
	}
	if wallet.Mint != wantMint {
		return errors.New("order payer has the wrong mint")
	}
	if wallet.Amount < lock {
		return errors.New("insufficient funds in order payer")
	}
	vaultAcct, vault, err := s.tokenAccount(vaultPk)
	if err != nil {
		return err
	}
	wallet.Amount -= lock
	vault.Amount += lock
	walletAcct.data, vaultAcct.data = encodeTokenState(wallet), encodeTokenState(vault)
	ooAcct.data, mktAcct.data = oo.Encode(), mkt.Encode()
	return nil
}
