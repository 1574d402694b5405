// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sol

import (
	"github.com/foonetic/serum-dex/dex"
	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned for reads of an address that holds no
// account.
const ErrAccountNotFound = dex.ErrorKind("account not found")

// Checkpoint is a recent blockhash and the last block height at which a
// transaction signed over it can still land.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Slot uint64
	// Confirmed is true once the transaction reached at least the confirmed
	// commitment level.
	Confirmed bool
	// Failure is the program or runtime error of a transaction that landed
	// but failed. Empty on success.
	Failure string
}

// AccountInfo is an account as read from the ledger.
type AccountInfo struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}
