// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/wait"
)

// ValidatorConfig configures a local solana-test-validator process.
type ValidatorConfig struct {
	// Bin is the validator executable. Defaults to solana-test-validator on
	// the PATH.
	Bin string
	// ProgramID and ProgramSO load the dex program at genesis.
	ProgramID string
	ProgramSO string
	// LedgerDir is the ledger directory. It is reset on start.
	LedgerDir string
	RPCPort   int
	// StartTimeout bounds the wait for the RPC server to report healthy.
	StartTimeout time.Duration
}

// HealthChecker is satisfied by *RPCLedger.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Validator is a running local validator process.
type Validator struct {
	cmd  *exec.Cmd
	log  dex.Logger
	done chan struct{}

	mtx     sync.Mutex
	exitErr error
}

func (cfg *ValidatorConfig) args() []string {
	args := []string{"--reset", "--quiet"}
	if cfg.LedgerDir != "" {
		args = append(args, "--ledger", cfg.LedgerDir)
	}
	if cfg.RPCPort != 0 {
		args = append(args, "--rpc-port", strconv.Itoa(cfg.RPCPort))
	}
	if cfg.ProgramSO != "" {
		args = append(args, "--bpf-program", cfg.ProgramID, cfg.ProgramSO)
	}
	return args
}

// StartValidator launches the validator and blocks until hc reports it
// healthy. The process is killed if it does not become healthy in time.
func StartValidator(ctx context.Context, cfg *ValidatorConfig, hc HealthChecker, log dex.Logger) (*Validator, error) {
	bin := cfg.Bin
	if bin == "" {
		bin = "solana-test-validator"
	}
	if cfg.ProgramSO != "" {
		if _, err := os.Stat(cfg.ProgramSO); err != nil {
			return nil, fmt.Errorf("program binary: %w", err)
		}
	}
	// Not tied to ctx. The process is stopped with Stop.
	cmd := exec.Command(bin, cfg.args()...)
	log.Infof("Starting %s %v", bin, cfg.args())
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start validator: %w", err)
	}
	v := &Validator{
		cmd:  cmd,
		log:  log,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		v.mtx.Lock()
		v.exitErr = err
		v.mtx.Unlock()
		close(v.done)
	}()

	timeout := cfg.StartTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	var exited bool
	err := wait.Poll(ctx, &wait.Waiter{
		Expiration: time.Now().Add(timeout),
		TryFunc: func() wait.TryDirective {
			select {
			case <-v.done:
				exited = true
				return wait.DontTryAgain
			default:
			}
			if err := hc.Health(ctx); err != nil {
				log.Tracef("Validator not ready: %v", err)
				return wait.TryAgain
			}
			return wait.DontTryAgain
		},
	}, wait.Taper{Fastest: 250 * time.Millisecond, Slowest: 2 * time.Second})
	if exited {
		return nil, fmt.Errorf("validator exited during startup: %v", v.exitError())
	}
	if err != nil {
		if stopErr := v.Stop(); stopErr != nil {
			log.Errorf("Error stopping validator: %v", stopErr)
		}
		if errors.Is(err, wait.ErrExpired) {
			return nil, fmt.Errorf("validator not healthy after %s", timeout)
		}
		return nil, err
	}
	log.Infof("Validator is up (pid %d)", cmd.Process.Pid)
	return v, nil
}

func (v *Validator) exitError() error {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.exitErr
}

// Stop interrupts the validator and waits for it to exit, killing it if it
// has not exited after 10 seconds.
func (v *Validator) Stop() error {
	select {
	case <-v.done:
		return nil
	default:
	}
	if err := v.cmd.Process.Signal(os.Interrupt); err != nil {
		v.log.Warnf("Error interrupting validator: %v", err)
	}
	select {
	case <-v.done:
	case <-time.After(10 * time.Second):
		v.log.Warnf("Validator did not exit. Killing.")
		if err := v.cmd.Process.Kill(); err != nil {
			return err
		}
		<-v.done
	}
	var exitErr *exec.ExitError
	if err := v.exitError(); err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}
