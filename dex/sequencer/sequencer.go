// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package sequencer submits dependent transactions one at a time, each built
// over a fresh blockhash and confirmed before the next may be built.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/foonetic/serum-dex/dex/utils"
	"github.com/foonetic/serum-dex/dex/wait"
	"github.com/gagliardetto/solana-go"
)

const (
	// ErrTransactionRejected is returned when the ledger refuses a
	// transaction or it fails on chain. The rejection reason is in the error
	// message. Never retried.
	ErrTransactionRejected = dex.ErrTransactionRejected
	// ErrCheckpointExpired is returned when every submission of a batch
	// expired before landing.
	ErrCheckpointExpired = dex.ErrCheckpointExpired
	// ErrSignerMismatch is returned before submission when the provided
	// signers differ from those the instructions require.
	ErrSignerMismatch = dex.ErrorKind("signer set mismatch")
	// ErrConfirmTimeout is returned when a submitted transaction has neither
	// confirmed nor expired by the confirmation deadline.
	ErrConfirmTimeout = dex.ErrorKind("confirmation timeout")
)

const (
	DefaultMaxResubmits   = 3
	DefaultConfirmTimeout = 90 * time.Second
)

// DefaultPollTaper spaces signature status queries.
var DefaultPollTaper = wait.Taper{Fastest: 400 * time.Millisecond, Slowest: 2 * time.Second}

// Ledger is the cluster as seen by the sequencer. *sol.RPCLedger is a
// Ledger.
type Ledger interface {
	LatestCheckpoint(ctx context.Context) (*sol.Checkpoint, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// SignatureStatus returns nil for a signature the ledger has not seen.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*sol.SignatureStatus, error)
	Account(ctx context.Context, pk solana.PublicKey) (*sol.AccountInfo, error)
}

// Batch is the instructions of one transaction and the signers they need
// besides the payer.
type Batch struct {
	Name         string
	Instructions []solana.Instruction
	Signers      []solana.PrivateKey
}

// Receipt is a confirmed transaction.
type Receipt struct {
	Batch      string
	Signature  solana.Signature
	Slot       uint64
	Checkpoint solana.Hash
	// Submissions counts the transactions sent, including expired ones.
	Submissions int
}

// Config is the configuration of a Sequencer.
type Config struct {
	// Payer pays fees and signs every transaction.
	Payer solana.PrivateKey
	// MaxResubmits is how many times a batch is rebuilt over a new
	// blockhash after its submission expired. Negative disables
	// resubmission.
	MaxResubmits int
	// ConfirmTimeout bounds the wait for a submission to confirm or expire.
	ConfirmTimeout time.Duration
	// PollTaper spaces status queries while waiting.
	PollTaper wait.Taper
}

// Sequencer submits batches. Submit calls are serialized.
type Sequencer struct {
	ledger Ledger
	payer  solana.PrivateKey
	cfg    Config
	log    dex.Logger

	mtx sync.Mutex
}

// New is the constructor for a Sequencer. Zero config values take defaults.
func New(ledger Ledger, cfg *Config, log dex.Logger) *Sequencer {
	c := *cfg
	if c.MaxResubmits == 0 {
		c.MaxResubmits = DefaultMaxResubmits
	} else if c.MaxResubmits < 0 {
		c.MaxResubmits = 0
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.PollTaper.Fastest == 0 {
		c.PollTaper = DefaultPollTaper
	}
	return &Sequencer{
		ledger: ledger,
		payer:  cfg.Payer,
		cfg:    c,
		log:    log,
	}
}

// Payer is the fee payer's address.
func (s *Sequencer) Payer() solana.PublicKey {
	return s.payer.PublicKey()
}

// PollTaper is the schedule of status queries.
func (s *Sequencer) PollTaper() wait.Taper {
	return s.cfg.PollTaper
}

// RequiredSigners is the set of addresses that must sign a transaction of the
// instructions paid for by payer, in sorted order.
func RequiredSigners(payer solana.PublicKey, instructions []solana.Instruction) []solana.PublicKey {
	set := map[solana.PublicKey]bool{payer: true}
	for _, ix := range instructions {
		for _, m := range ix.Accounts() {
			if m.IsSigner {
				set[m.PublicKey] = true
			}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[solana.PublicKey]bool) []solana.PublicKey {
	keys := utils.MapKeys(set)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// signers checks that the payer and batch signers are exactly the required
// signers and indexes the keys by address.
func (s *Sequencer) signers(b *Batch) (map[solana.PublicKey]*solana.PrivateKey, error) {
	keys := map[solana.PublicKey]*solana.PrivateKey{s.Payer(): &s.payer}
	for i := range b.Signers {
		k := &b.Signers[i]
		keys[k.PublicKey()] = k
	}
	required := RequiredSigners(s.Payer(), b.Instructions)
	requiredSet := make(map[solana.PublicKey]bool, len(required))
	var missing, extra []string
	for _, pk := range required {
		requiredSet[pk] = true
		if keys[pk] == nil {
			missing = append(missing, pk.String())
		}
	}
	for pk := range keys {
		if !requiredSet[pk] {
			extra = append(extra, pk.String())
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return nil, dex.NewError(ErrSignerMismatch, fmt.Sprintf("%s: missing [%s], unneeded [%s]",
			b.Name, strings.Join(missing, " "), strings.Join(extra, " ")))
	}
	return keys, nil
}

// Submit builds, signs and sends the batch as one transaction over a fresh
// blockhash, and blocks until it is confirmed or definitively fails. A
// submission that expires before landing is rebuilt over a new blockhash up
// to MaxResubmits times. Rejections are never retried.
func (s *Sequencer) Submit(ctx context.Context, b *Batch) (*Receipt, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(b.Instructions) == 0 {
		return nil, fmt.Errorf("batch %s has no instructions", b.Name)
	}
	keys, err := s.signers(b)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.cfg.MaxResubmits; attempt++ {
		if attempt > 0 {
			s.log.Warnf("Resubmitting %s over a new blockhash (%d of %d)", b.Name, attempt, s.cfg.MaxResubmits)
		}
		cp, err := s.ledger.LatestCheckpoint(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
		tx, err := solana.NewTransaction(b.Instructions, cp.Blockhash, solana.TransactionPayer(s.Payer()))
		if err != nil {
			return nil, fmt.Errorf("error building %s transaction: %w", b.Name, err)
		}
		if _, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
			return keys[pk]
		}); err != nil {
			return nil, fmt.Errorf("error signing %s transaction: %w", b.Name, err)
		}

		s.log.Debugf("Sending %s: %d instructions, %d signers, blockhash %s", b.Name,
			len(b.Instructions), len(keys), cp.Blockhash)
		sig, err := s.ledger.SendTransaction(ctx, tx)
		if err != nil {
			if errors.Is(err, ErrCheckpointExpired) {
				s.log.Warnf("%s was sent over an expired blockhash: %v", b.Name, err)
				continue
			}
			if errors.Is(err, ErrTransactionRejected) {
				return nil, fmt.Errorf("%s: %w", b.Name, err)
			}
			return nil, fmt.Errorf("error sending %s: %w", b.Name, err)
		}

		status, err := s.confirm(ctx, sig, cp)
		if err != nil {
			if errors.Is(err, ErrCheckpointExpired) {
				s.log.Warnf("%s transaction %s expired before landing", b.Name, sig)
				continue
			}
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
		s.log.Infof("%s confirmed in slot %d: %s", b.Name, status.Slot, sig)
		return &Receipt{
			Batch:       b.Name,
			Signature:   sig,
			Slot:        status.Slot,
			Checkpoint:  cp.Blockhash,
			Submissions: attempt + 1,
		}, nil
	}
	return nil, dex.NewError(ErrCheckpointExpired, fmt.Sprintf("%s: %d submissions expired", b.Name, s.cfg.MaxResubmits+1))
}

// confirm polls until the transaction is confirmed, fails on chain, or can no
// longer land because the block height passed its blockhash's last valid
// height.
func (s *Sequencer) confirm(ctx context.Context, sig solana.Signature, cp *sol.Checkpoint) (*sol.SignatureStatus, error) {
	var status *sol.SignatureStatus
	var result error
	check := func() (*sol.SignatureStatus, bool) {
		st, err := s.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			s.log.Debugf("Error checking status of %s: %v", sig, err)
			return nil, false
		}
		return st, st != nil && (st.Confirmed || st.Failure != "")
	}
	err := wait.Poll(ctx, &wait.Waiter{
		Expiration: time.Now().Add(s.cfg.ConfirmTimeout),
		TryFunc: func() wait.TryDirective {
			st, done := check()
			if done {
				status = st
				return wait.DontTryAgain
			}
			if st != nil {
				// Seen but not yet confirmed. It can no longer expire.
				return wait.TryAgain
			}
			height, err := s.ledger.BlockHeight(ctx)
			if err != nil {
				s.log.Debugf("Error getting block height: %v", err)
				return wait.TryAgain
			}
			if height <= cp.LastValidBlockHeight {
				return wait.TryAgain
			}
			// One more look in case it landed in the last valid block.
			if st, done = check(); done {
				status = st
				return wait.DontTryAgain
			}
			if st == nil {
				result = dex.NewError(ErrCheckpointExpired, fmt.Sprintf("block height %d passed %d",
					height, cp.LastValidBlockHeight))
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
	}, s.cfg.PollTaper)
	switch {
	case errors.Is(err, wait.ErrExpired):
		return nil, dex.NewError(ErrConfirmTimeout, fmt.Sprintf("%s not confirmed after %s", sig, s.cfg.ConfirmTimeout))
	case err != nil:
		return nil, err
	case result != nil:
		return nil, result
	}
	if status.Failure != "" {
		return nil, dex.NewError(ErrTransactionRejected, fmt.Sprintf("transaction %s failed: %s", sig, status.Failure))
	}
	return status, nil
}

// Account reads an account through the same ledger that confirmed the
// transactions, so confirmed effects are visible.
func (s *Sequencer) Account(ctx context.Context, pk solana.PublicKey) (*sol.AccountInfo, error) {
	return s.ledger.Account(ctx, pk)
}
