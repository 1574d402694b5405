// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package derive finds program-derived addresses: deterministic identities
// that no private key can sign for, so that only the deriving program can act
// for them.
package derive

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/encode"
	"github.com/gagliardetto/solana-go"
)

const (
	// ErrDerivationExhausted is returned when no valid candidate exists below
	// the nonce ceiling.
	ErrDerivationExhausted = dex.ErrDerivationExhausted

	// DefaultNonceLimit is the exclusive nonce ceiling of a vault signer
	// search.
	DefaultNonceLimit uint64 = 100

	pdaMarker = "ProgramDerivedAddress"
)

// Search tries nonces 0, 1, ... limit-1 in order and returns the first one
// for which try succeeds, along with its result. No nonce above a successful
// one is ever tried.
func Search[T any](limit uint64, try func(nonce uint64) (T, bool)) (uint64, T, error) {
	for nonce := uint64(0); nonce < limit; nonce++ {
		if v, ok := try(nonce); ok {
			return nonce, v, nil
		}
	}
	var zero T
	return 0, zero, dex.NewError(ErrDerivationExhausted, fmt.Sprintf("no valid nonce in [0, %d)", limit))
}

// OnCurve is true if b is the encoding of a point on the ed25519 curve, i.e.
// a key that a private key could exist for.
func OnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// Candidate is the derivation of seeds under program, valid or not.
func Candidate(program solana.PublicKey, seeds ...[]byte) solana.PublicKey {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))
	var pk solana.PublicKey
	copy(pk[:], h.Sum(nil))
	return pk
}

// VaultSignerCandidate is the vault signer derivation for a market at the
// nonce. Seeds are the market address and the 8-byte little-endian nonce.
func VaultSignerCandidate(market solana.PublicKey, nonce uint64, program solana.PublicKey) solana.PublicKey {
	return Candidate(program, market[:], encode.Uint64LE(nonce))
}

// VaultAuthority is the keyless authority of a market's vaults. The program
// recomputes Address from the market, Nonce and its own ID whenever it moves
// vault funds.
type VaultAuthority struct {
	Nonce   uint64
	Address solana.PublicKey
}

// String returns the address and nonce.
func (va *VaultAuthority) String() string {
	return fmt.Sprintf("%s (nonce %d)", va.Address, va.Nonce)
}

// VaultSigner searches for the smallest nonce below limit for which the vault
// signer derivation is off the curve.
func VaultSigner(market, program solana.PublicKey, limit uint64) (*VaultAuthority, error) {
	nonce, addr, err := Search(limit, func(nonce uint64) (solana.PublicKey, bool) {
		pk := VaultSignerCandidate(market, nonce, program)
		return pk, !OnCurve(pk[:])
	})
	if err != nil {
		return nil, fmt.Errorf("vault signer for market %s: %w", market, err)
	}
	return &VaultAuthority{Nonce: nonce, Address: addr}, nil
}

// Verify recomputes the authority the way the program does when it checks
// vault ownership and errors if it does not match.
func (va *VaultAuthority) Verify(market, program solana.PublicKey) error {
	pk := VaultSignerCandidate(market, va.Nonce, program)
	if OnCurve(pk[:]) {
		return fmt.Errorf("vault signer for nonce %d is on the curve", va.Nonce)
	}
	if !pk.Equals(va.Address) {
		return fmt.Errorf("vault signer mismatch: derived %s, have %s", pk, va.Address)
	}
	return nil
}
