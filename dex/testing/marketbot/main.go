// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// marketbot provisions a fresh market on a cluster and places one order on
// it, journaling every account it funds.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/db"
	"github.com/foonetic/serum-dex/dex/db/bolt"
	"github.com/foonetic/serum-dex/dex/lifecycle"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/foonetic/serum-dex/dex/wait"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

func mainCore(ctx context.Context) error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ec := dex.NewErrorCloser()
	defer ec.Done(log)

	journalDB, err := bolt.NewDB(cfg.DBPath, subsystemLoggers["DB"])
	if err != nil {
		return fmt.Errorf("error opening run journal: %w", err)
	}
	dbCtx, stopDB := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		journalDB.Run(dbCtx)
	}()
	ec.Add("run journal", func() error {
		stopDB()
		wg.Wait()
		return nil
	})

	if cfg.ListRuns >= 0 {
		return listRuns(os.Stdout, journalDB, cfg.ListRuns)
	}

	ledger := sol.NewRPCLedger(&sol.RPCConfig{
		URL:               cfg.RPCURL,
		Commitment:        cfg.Commitment,
		RequestsPerSecond: cfg.RPS,
	}, subsystemLoggers["RPC"])

	if cfg.Validator != nil {
		v, err := sol.StartValidator(ctx, cfg.Validator, ledger, subsystemLoggers["VAL"])
		if err != nil {
			return fmt.Errorf("error starting validator: %w", err)
		}
		ec.Add("validator", v.Stop)
	} else if err := ledger.Health(ctx); err != nil {
		log.Warnf("Node at %s is not healthy: %v", cfg.RPCURL, err)
	}

	var snapshots io.Writer
	switch cfg.SnapshotsPath {
	case "":
	case "-":
		snapshots = os.Stdout
	default:
		f, err := os.Create(cleanAndExpandPath(cfg.SnapshotsPath))
		if err != nil {
			return fmt.Errorf("error creating snapshots file: %w", err)
		}
		ec.Add("snapshots", f.Close)
		snapshots = f
	}

	payer := cfg.Payer.PublicKey()
	log.Infof("Provisioning a market on %s (%s) with program %s, payer %s",
		cfg.Network, cfg.RPCURL, cfg.Program, payer)

	journal, err := db.NewJournal(journalDB, &db.RunInfo{
		Cluster:  cfg.Network.String(),
		RPCURL:   cfg.RPCURL,
		Program:  cfg.Program.String(),
		Payer:    payer.String(),
		Scenario: cfg.ScenarioPath,
	}, subsystemLoggers["DB"])
	if err != nil {
		return err
	}

	driver, err := lifecycle.NewDriver(ledger, &lifecycle.Config{
		Payer:          cfg.Payer,
		Program:        cfg.Program,
		Market:         cfg.Scenario.Market,
		Order:          cfg.Scenario.Order,
		NonceLimit:     cfg.NonceLimit,
		Airdrop:        cfg.Airdrop,
		MaxResubmits:   cfg.MaxResubmits,
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollTaper:      wait.Taper{Fastest: cfg.PollInterval, Slowest: 10 * cfg.PollInterval},
		Snapshots:      snapshots,
		Recorder:       journal,
	}, cfg.LogMaker)
	if err != nil {
		if ferr := journal.Finish(lifecycle.Uninitialized.String(), err); ferr != nil {
			log.Errorf("Error finishing run %s in the journal: %v", journal.ID(), ferr)
		}
		return err
	}

	start := time.Now()
	res, runErr := driver.Run(ctx)
	if err := journal.Finish(driver.State().String(), runErr); err != nil {
		log.Errorf("Error finishing run %s in the journal: %v", journal.ID(), err)
	}
	if runErr != nil {
		failColor.Printf("FAIL run %s: %v\n", journal.ID(), runErr)
		var se *lifecycle.StepError
		if errors.As(runErr, &se) {
			warnColor.Printf("Accounts funded before the failure are listed with --listruns\n")
		}
		return runErr
	}

	printResult(os.Stdout, res)
	passColor.Printf("PASS run %s reached %s in %s\n", journal.ID(), res.State,
		time.Since(start).Round(time.Millisecond))
	return nil
}

func printResult(w io.Writer, res *lifecycle.Result) {
	accts := res.Accounts
	fmt.Fprintf(w, "market:          %s\n", accts.Market)
	fmt.Fprintf(w, "request queue:   %s\n", accts.RequestQueue)
	fmt.Fprintf(w, "event queue:     %s\n", accts.EventQueue)
	fmt.Fprintf(w, "bids:            %s\n", accts.Bids)
	fmt.Fprintf(w, "asks:            %s\n", accts.Asks)
	fmt.Fprintf(w, "coin mint:       %s\n", accts.CoinMint)
	fmt.Fprintf(w, "pc mint:         %s\n", accts.PcMint)
	fmt.Fprintf(w, "coin vault:      %s\n", accts.CoinVault)
	fmt.Fprintf(w, "pc vault:        %s\n", accts.PcVault)
	fmt.Fprintf(w, "vault authority: %s\n", res.VaultAuthority)
	for i, oo := range res.OpenOrders {
		fmt.Fprintf(w, "open orders %d:   %s\n", i, oo)
	}
	for _, r := range res.Receipts {
		fmt.Fprintf(w, "%-18s slot %-10d submissions %d  %s\n", r.Batch, r.Slot, r.Submissions, r.Signature)
	}
}

// listRuns prints the newest n runs in the journal. Failed runs include the
// lamports still held by their accounts.
func listRuns(w io.Writer, d db.DB, n int) error {
	runs, err := d.Runs(n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	for _, ri := range runs {
		c := warnColor
		status := "unfinished"
		switch {
		case ri.Succeeded():
			c, status = passColor, "ok"
		case !ri.Finished.IsZero():
			c, status = failColor, "failed"
		}
		c.Fprintf(w, "%-10s", status)
		fmt.Fprintf(w, " %s %s %s market %s final state %s\n", ri.ID,
			ri.Started.Format(time.RFC3339), ri.Cluster, ri.Market, ri.FinalState)
		if ri.Succeeded() {
			continue
		}
		if ri.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", ri.Error)
		}
		run, err := d.LoadRun(ri.ID)
		if err != nil {
			return err
		}
		for _, a := range run.Accounts {
			fmt.Fprintf(w, "    %-12s %-14s %s %d lamports\n", a.Role, a.Label, a.Address, a.Lamports)
		}
		fmt.Fprintf(w, "    %d lamports in %d accounts\n", run.Locked(), len(run.Accounts))
	}
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		<-killChan
		fmt.Fprintln(os.Stderr, "Shutting down...")
		cancel()
	}()

	err := mainCore(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
