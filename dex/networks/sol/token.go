// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sol

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Packed sizes of the token program's state.
const (
	MintSize         = 82
	TokenAccountSize = 165
)

// DecodeMint decodes a mint account's data. An allocated but uninitialized
// mint decodes with IsInitialized false.
func DecodeMint(b []byte) (*token.Mint, error) {
	if len(b) != MintSize {
		return nil, fmt.Errorf("mint data length %d, expected %d", len(b), MintSize)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(b).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeTokenAccount decodes a token account's data.
func DecodeTokenAccount(b []byte) (*token.Account, error) {
	if len(b) != TokenAccountSize {
		return nil, fmt.Errorf("token account data length %d, expected %d", len(b), TokenAccountSize)
	}
	var a token.Account
	if err := bin.NewBinDecoder(b).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}
