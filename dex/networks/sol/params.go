// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sol

import (
	"github.com/foonetic/serum-dex/dex"
	"github.com/gagliardetto/solana-go"
)

const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = 1_000_000_000
	// SignatureFee is the fee of each signature on a transaction, used to
	// budget the payer balance.
	SignatureFee = 5000
)

var (
	UnitInfo = dex.UnitInfo{
		AtomicUnit: "lamports",
		Conventional: dex.Denomination{
			Unit:             "SOL",
			ConversionFactor: LamportsPerSOL,
		},
	}

	// RPCEndpoints are the default JSON-RPC endpoints of each cluster.
	RPCEndpoints = map[dex.Network]string{
		dex.Mainnet:  "https://api.mainnet-beta.solana.com",
		dex.Testnet:  "https://api.testnet.solana.com",
		dex.Devnet:   "https://api.devnet.solana.com",
		dex.Localnet: "http://127.0.0.1:8899",
	}

	// DexProgramIDs are the deployments of the order book program. The
	// local validator loads the program at the mainnet address.
	DexProgramIDs = map[dex.Network]solana.PublicKey{
		dex.Mainnet:  solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"),
		dex.Devnet:   solana.MustPublicKeyFromBase58("DESVgJVGajEgKGXhb6XmqDHGz3VjdgP7rEVESBgxmroY"),
		dex.Localnet: solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"),
	}
)

// DefaultProgramID is the dex program ID of the network, or the zero key if
// there is no known deployment.
func DefaultProgramID(net dex.Network) solana.PublicKey {
	return DexProgramIDs[net]
}
