package derive

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/encode"
	"github.com/gagliardetto/solana-go"
)

var tProgram = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")

// tMarket is a deterministic market address.
func tMarket(i byte) solana.PublicKey {
	h := sha256.Sum256([]byte{'m', i})
	return solana.PublicKeyFromBytes(h[:])
}

func TestVaultSignerDeterministic(t *testing.T) {
	for i := byte(0); i < 20; i++ {
		market := tMarket(i)
		va1, err := VaultSigner(market, tProgram, DefaultNonceLimit)
		if err != nil {
			t.Fatalf("VaultSigner error: %v", err)
		}
		va2, _ := VaultSigner(market, tProgram, DefaultNonceLimit)
		if *va1 != *va2 {
			t.Fatalf("market %d: %s != %s", i, va1, va2)
		}
		if err = va1.Verify(market, tProgram); err != nil {
			t.Fatalf("market %d: %v", i, err)
		}
	}
}

func TestVaultSignerOffCurve(t *testing.T) {
	for i := byte(0); i < 50; i++ {
		va, err := VaultSigner(tMarket(i), tProgram, DefaultNonceLimit)
		if err != nil {
			t.Fatalf("VaultSigner error: %v", err)
		}
		if OnCurve(va.Address[:]) {
			t.Fatalf("market %d: vault signer %s is on the curve", i, va)
		}
	}
	// A real signer key is on the curve.
	if pk := solana.NewWallet().PublicKey(); !OnCurve(pk[:]) {
		t.Fatalf("wallet key %s reported off the curve", pk)
	}
}

func TestVaultSignerFirstMatch(t *testing.T) {
	for i := byte(0); i < 50; i++ {
		market := tMarket(i)
		va, err := VaultSigner(market, tProgram, DefaultNonceLimit)
		if err != nil {
			t.Fatalf("VaultSigner error: %v", err)
		}
		var first uint64
		for n := uint64(0); n < DefaultNonceLimit; n++ {
			pk := VaultSignerCandidate(market, n, tProgram)
			if !OnCurve(pk[:]) {
				first = n
				break
			}
		}
		if va.Nonce != first {
			t.Fatalf("market %d: nonce %d returned, but %d is valid", i, va.Nonce, first)
		}
	}
}

// The derivation must agree with the runtime's create_program_address.
func TestVaultSignerMatchesRuntime(t *testing.T) {
	for i := byte(0); i < 10; i++ {
		market := tMarket(i)
		for n := uint64(0); n < 8; n++ {
			pk := VaultSignerCandidate(market, n, tProgram)
			rt, err := solana.CreateProgramAddress([][]byte{market[:], encode.Uint64LE(n)}, tProgram)
			if OnCurve(pk[:]) {
				if err == nil {
					t.Fatalf("market %d nonce %d: runtime accepted an on-curve address", i, n)
				}
				continue
			}
			if err != nil {
				t.Fatalf("market %d nonce %d: runtime error %v", i, n, err)
			}
			if !rt.Equals(pk) {
				t.Fatalf("market %d nonce %d: derived %s, runtime %s", i, n, pk, rt)
			}
		}
	}
}

func TestVaultSignerExhausted(t *testing.T) {
	_, err := VaultSigner(tMarket(0), tProgram, 0)
	if !errors.Is(err, ErrDerivationExhausted) {
		t.Fatalf("expected ErrDerivationExhausted for ceiling 0, got %v", err)
	}
	// Find a market whose nonce 0 is on the curve, and limit the search to it.
	for i := byte(0); i < 255; i++ {
		market := tMarket(i)
		pk := VaultSignerCandidate(market, 0, tProgram)
		if !OnCurve(pk[:]) {
			continue
		}
		va, err := VaultSigner(market, tProgram, 1)
		if !errors.Is(err, dex.ErrDerivationExhausted) {
			t.Fatalf("expected ErrDerivationExhausted, got %v, %v", va, err)
		}
		if va, err = VaultSigner(market, tProgram, DefaultNonceLimit); err != nil || va.Nonce == 0 {
			t.Fatalf("expected a nonzero nonce, got %v, %v", va, err)
		}
		return
	}
	t.Fatalf("no market with an on-curve nonce 0")
}

func TestSearch(t *testing.T) {
	var tried []uint64
	n, v, err := Search(10, func(nonce uint64) (string, bool) {
		tried = append(tried, nonce)
		return "found", nonce == 3
	})
	if err != nil || n != 3 || v != "found" {
		t.Fatalf("unexpected result %d, %q, %v", n, v, err)
	}
	if len(tried) != 4 {
		t.Fatalf("tried %v", tried)
	}
	if _, _, err = Search(5, func(uint64) (int, bool) { return 0, false }); !errors.Is(err, ErrDerivationExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	market := tMarket(1)
	va, _ := VaultSigner(market, tProgram, DefaultNonceLimit)
	if err := va.Verify(tMarket(2), tProgram); err == nil {
		t.Fatalf("no error verifying against another market")
	}
	bad := &VaultAuthority{Nonce: va.Nonce + 1, Address: va.Address}
	if err := bad.Verify(market, tProgram); err == nil {
		t.Fatalf("no error for wrong nonce")
	}
}
