// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package provision plans the accounts of a market: which program owns each
// one, how large it is, and the balance that makes it rent-exempt.
package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/networks/serum"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"golang.org/x/sync/errgroup"
)

// ErrInsufficientFunding is returned when a rent-exempt balance cannot be
// determined or the payer cannot cover it.
const ErrInsufficientFunding = dex.ErrInsufficientFunding

// Role is the part an account plays in a market.
type Role uint8

const (
	RoleMarket Role = iota
	RoleBids
	RoleAsks
	RoleRequestQueue
	RoleEventQueue
	RoleOpenOrders
	RoleMint
	RoleVault
	// RoleWallet is a participant's token account.
	RoleWallet
)

// AllRoles lists every role.
var AllRoles = []Role{RoleMarket, RoleBids, RoleAsks, RoleRequestQueue, RoleEventQueue,
	RoleOpenOrders, RoleMint, RoleVault, RoleWallet}

var roleSizes = map[Role]uint64{
	RoleMarket:       serum.MarketSize,
	RoleBids:         serum.SlabSize,
	RoleAsks:         serum.SlabSize,
	RoleRequestQueue: serum.RequestQueueSize,
	RoleEventQueue:   serum.EventQueueSize,
	RoleOpenOrders:   serum.OpenOrdersSize,
	RoleMint:         sol.MintSize,
	RoleVault:        sol.TokenAccountSize,
	RoleWallet:       sol.TokenAccountSize,
}

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleMarket:
		return "market"
	case RoleBids:
		return "bids"
	case RoleAsks:
		return "asks"
	case RoleRequestQueue:
		return "request queue"
	case RoleEventQueue:
		return "event queue"
	case RoleOpenOrders:
		return "open orders"
	case RoleMint:
		return "mint"
	case RoleVault:
		return "vault"
	case RoleWallet:
		return "wallet"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Size is the data length of accounts of the role.
func (r Role) Size() uint64 {
	return roleSizes[r]
}

// TokenOwned is true for roles owned by the token program rather than the
// dex program.
func (r Role) TokenOwned() bool {
	return r == RoleMint || r == RoleVault || r == RoleWallet
}

// RentOracle reports rent-exempt balances. *sol.RPCLedger is a RentOracle.
type RentOracle interface {
	RentExemptBalance(ctx context.Context, size uint64) (uint64, error)
}

// AccountSpec is everything needed to create one account. It is consumed by a
// single create instruction.
type AccountSpec struct {
	Role     Role
	Label    string
	Key      solana.PrivateKey
	Owner    solana.PublicKey
	Size     uint64
	Lamports uint64
}

// Address is the new account's address.
func (s *AccountSpec) Address() solana.PublicKey {
	return s.Key.PublicKey()
}

// String describes the account.
func (s *AccountSpec) String() string {
	return fmt.Sprintf("%s %s (%d bytes, %s SOL)", s.Label, s.Address(), s.Size,
		sol.UnitInfo.ConventionalString(s.Lamports))
}

// CreateInstruction is the system program instruction that allocates and
// funds the account. Both payer and the new account sign.
func (s *AccountSpec) CreateInstruction(payer solana.PublicKey) (solana.Instruction, error) {
	ix, err := system.NewCreateAccountInstruction(s.Lamports, s.Size, s.Owner, payer, s.Address()).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("error building create instruction for %s: %w", s.Label, err)
	}
	return ix, nil
}

// Planner produces AccountSpecs. Rent-exempt balances are fetched once per
// size and cached.
type Planner struct {
	dexProgram solana.PublicKey
	oracle     RentOracle
	log        dex.Logger

	mtx  sync.Mutex
	rent map[uint64]uint64
}

// NewPlanner is the constructor for a Planner.
func NewPlanner(dexProgram solana.PublicKey, oracle RentOracle, log dex.Logger) *Planner {
	return &Planner{
		dexProgram: dexProgram,
		oracle:     oracle,
		log:        log,
		rent:       make(map[uint64]uint64),
	}
}

// Owner is the program that owns accounts of the role.
func (p *Planner) Owner(r Role) solana.PublicKey {
	if r.TokenOwned() {
		return solana.TokenProgramID
	}
	return p.dexProgram
}

// RentExemptBalance is the minimum balance of a rent-exempt account of size
// bytes.
func (p *Planner) RentExemptBalance(ctx context.Context, size uint64) (uint64, error) {
	p.mtx.Lock()
	lamports, found := p.rent[size]
	p.mtx.Unlock()
	if found {
		return lamports, nil
	}
	lamports, err := p.oracle.RentExemptBalance(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("%w: rent exemption for %d bytes: %v", ErrInsufficientFunding, size, err)
	}
	if lamports == 0 {
		return 0, dex.NewError(ErrInsufficientFunding, fmt.Sprintf("zero rent exemption reported for %d bytes", size))
	}
	p.mtx.Lock()
	p.rent[size] = lamports
	p.mtx.Unlock()
	p.log.Tracef("Rent exemption for %d bytes is %d lamports", size, lamports)
	return lamports, nil
}

// Prefetch fetches the rent-exempt balances of the roles' sizes concurrently.
func (p *Planner) Prefetch(ctx context.Context, roles ...Role) error {
	sizes := make(map[uint64]struct{})
	for _, r := range roles {
		sizes[r.Size()] = struct{}{}
	}
	g, gctx := errgroup.WithContext(ctx)
	for size := range sizes {
		size := size
		g.Go(func() error {
			_, err := p.RentExemptBalance(gctx, size)
			return err
		})
	}
	return g.Wait()
}

// Plan creates the AccountSpec of a new account of the role with a fresh key.
func (p *Planner) Plan(ctx context.Context, role Role, label string) (*AccountSpec, error) {
	size := role.Size()
	if size == 0 {
		return nil, fmt.Errorf("unknown account role %d", uint8(role))
	}
	lamports, err := p.RentExemptBalance(ctx, size)
	if err != nil {
		return nil, err
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("error generating %s key: %w", label, err)
	}
	spec := &AccountSpec{
		Role:     role,
		Label:    label,
		Key:      key,
		Owner:    p.Owner(role),
		Size:     size,
		Lamports: lamports,
	}
	p.log.Debugf("Planned %s", spec)
	return spec, nil
}

// Budget is the total rent of accounts with the roles, in lamports.
func (p *Planner) Budget(ctx context.Context, roles []Role) (uint64, error) {
	if err := p.Prefetch(ctx, roles...); err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range roles {
		lamports, err := p.RentExemptBalance(ctx, r.Size())
		if err != nil {
			return 0, err
		}
		total += lamports
	}
	return total, nil
}
