// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/utils"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"
)

// RPCConfig configures an RPCLedger.
type RPCConfig struct {
	URL        string
	Commitment rpc.CommitmentType
	// RequestsPerSecond limits the rate of JSON-RPC requests. Zero means no
	// limit.
	RequestsPerSecond float64
	SkipPreflight     bool
}

// RPCLedger is a ledger backed by a JSON-RPC node. All reads and the
// preflight simulation use the configured commitment, so a transaction seen
// as confirmed is visible to the next read.
type RPCLedger struct {
	cl         *rpc.Client
	commitment rpc.CommitmentType
	limiter    *rate.Limiter
	preflight  bool
	log        dex.Logger
}

// NewRPCLedger is the constructor for an RPCLedger.
func NewRPCLedger(cfg *RPCConfig, log dex.Logger) *RPCLedger {
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := utils.Max(int(cfg.RequestsPerSecond), 1)
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCLedger{
		cl:         rpc.New(cfg.URL),
		commitment: commitment,
		limiter:    lim,
		preflight:  !cfg.SkipPreflight,
		log:        log,
	}
}

func (l *RPCLedger) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Health is nil if the node reports itself healthy.
func (l *RPCLedger) Health(ctx context.Context) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	status, err := l.cl.GetHealth(ctx)
	if err != nil {
		return err
	}
	if status != rpc.HealthOk {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}

// LatestCheckpoint fetches a fresh blockhash.
func (l *RPCLedger) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.cl.GetLatestBlockhash(ctx, l.commitment)
	if err != nil {
		return nil, fmt.Errorf("error getting latest blockhash: %w", err)
	}
	return &Checkpoint{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// BlockHeight is the current block height.
func (l *RPCLedger) BlockHeight(ctx context.Context) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.cl.GetBlockHeight(ctx, l.commitment)
}

// SendTransaction submits the signed transaction. Rejections of a stale
// blockhash wrap dex.ErrCheckpointExpired. Any other node rejection wraps
// dex.ErrTransactionRejected with the node's message and simulation logs.
func (l *RPCLedger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := l.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := l.cl.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       !l.preflight,
		PreflightCommitment: l.commitment,
	})
	if err != nil {
		return solana.Signature{}, classifySendError(err)
	}
	return sig, nil
}

func classifySendError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	if isBlockhashNotFound(rpcErr.Message) || isBlockhashNotFound(fmt.Sprint(rpcErr.Data)) {
		return dex.NewError(dex.ErrCheckpointExpired, rpcErr.Message)
	}
	detail := rpcErr.Message
	if logs := simulationLogs(rpcErr.Data); len(logs) > 0 {
		detail += "\n" + strings.Join(logs, "\n")
	}
	return dex.NewError(dex.ErrTransactionRejected, detail)
}

func isBlockhashNotFound(s string) bool {
	return strings.Contains(s, "Blockhash not found") || strings.Contains(s, "BlockhashNotFound")
}

// simulationLogs extracts the program logs of a failed preflight simulation.
func simulationLogs(data any) []string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["logs"].([]any)
	if !ok {
		return nil
	}
	logs := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			logs = append(logs, s)
		}
	}
	return logs
}

// SignatureStatus fetches the status of the transaction. The status is nil if
// the node has not seen the signature.
func (l *RPCLedger) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.cl.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	s := res.Value[0]
	status := &SignatureStatus{
		Slot: s.Slot,
		Confirmed: s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			s.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	if s.Err != nil {
		status.Failure = fmt.Sprint(s.Err)
	}
	return status, nil
}

// Account reads the account at the address. ErrAccountNotFound is returned if
// there is none.
func (l *RPCLedger) Account(ctx context.Context, pk solana.PublicKey) (*AccountInfo, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.cl.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: l.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, dex.NewError(ErrAccountNotFound, pk.String())
		}
		return nil, fmt.Errorf("error reading account %s: %w", pk, err)
	}
	if res == nil || res.Value == nil {
		return nil, dex.NewError(ErrAccountNotFound, pk.String())
	}
	acct := res.Value
	return &AccountInfo{
		Owner:      acct.Owner,
		Lamports:   acct.Lamports,
		Data:       acct.Data.GetBinary(),
		Executable: acct.Executable,
	}, nil
}

// Balance is the lamport balance of the address.
func (l *RPCLedger) Balance(ctx context.Context, pk solana.PublicKey) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	res, err := l.cl.GetBalance(ctx, pk, l.commitment)
	if err != nil {
		return 0, fmt.Errorf("error getting balance of %s: %w", pk, err)
	}
	return res.Value, nil
}

// RequestAirdrop asks the cluster faucet for lamports. Only local and test
// clusters have one.
func (l *RPCLedger) RequestAirdrop(ctx context.Context, pk solana.PublicKey, lamports uint64) (solana.Signature, error) {
	if err := l.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	l.log.Debugf("Requesting airdrop of %s SOL to %s", UnitInfo.ConventionalString(lamports), pk)
	return l.cl.RequestAirdrop(ctx, pk, lamports, l.commitment)
}

// RentExemptBalance is the minimum balance of a rent-exempt account with
// size bytes of data.
func (l *RPCLedger) RentExemptBalance(ctx context.Context, size uint64) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	lamports, err := l.cl.GetMinimumBalanceForRentExemption(ctx, size, l.commitment)
	if err != nil {
		return 0, fmt.Errorf("error getting rent exemption for %d bytes: %w", size, err)
	}
	return lamports, nil
}

// Close shuts down the client's connections.
func (l *RPCLedger) Close() error {
	return l.cl.Close()
}
