// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/foonetic/serum-dex/dex"
	"github.com/foonetic/serum-dex/dex/config"
	"github.com/foonetic/serum-dex/dex/derive"
	"github.com/foonetic/serum-dex/dex/networks/sol"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "marketbot.conf"
	defaultLogFilename    = "marketbot.log"
	defaultDBFilename     = "runs.db"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogZips     = 16
	defaultNetwork        = "localnet"
	defaultCommitment     = string(rpc.CommitmentConfirmed)
	defaultPollInterval   = 400 * time.Millisecond
	defaultConfirmTimeout = 90 * time.Second
	defaultStartTimeout   = 30 * time.Second
	defaultListRuns       = 10
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("marketbot", false)
)

// botConf is the validated configuration of a run.
type botConf struct {
	Network        dex.Network
	RPCURL         string
	Program        solana.PublicKey
	Payer          solana.PrivateKey
	Airdrop        bool
	Commitment     rpc.CommitmentType
	RPS            float64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	MaxResubmits   int
	NonceLimit     uint64
	Scenario       *config.Scenario
	ScenarioPath   string
	Validator      *sol.ValidatorConfig
	DBPath         string
	ListRuns       int
	SnapshotsPath  string
	LogMaker       *dex.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or SUBSYSTEM=level pairs. Use show to list subsystems."`
	MaxLogZips int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`

	Network    string `short:"n" long:"net" description:"Cluster {mainnet, testnet, devnet, localnet}"`
	RPCURL     string `long:"rpcurl" description:"JSON-RPC endpoint. Defaults to the public endpoint of the cluster."`
	ProgramID  string `long:"programid" description:"Address of the dex program. Defaults to the cluster's deployment."`
	Keypair    string `short:"k" long:"keypair" description:"Payer keypair file as written by solana-keygen. A new key is generated if not set."`
	Airdrop    bool   `long:"airdrop" description:"Request an airdrop for any funding shortfall"`
	Commitment string `long:"commitment" description:"Commitment of reads and confirmations {processed, confirmed, finalized}"`
	RPS        float64 `long:"rps" description:"Maximum JSON-RPC requests per second. 0 for no limit."`

	PollInterval   time.Duration `long:"pollinterval" description:"Initial interval between confirmation status checks"`
	ConfirmTimeout time.Duration `long:"confirmtimeout" description:"How long to wait for a transaction to confirm or expire"`
	MaxResubmits   int           `long:"maxresubmits" description:"Resubmissions of a transaction whose blockhash expired. 0 uses the default of 3, negative disables resubmission."`
	NonceLimit     uint64        `long:"noncelimit" description:"Exclusive ceiling of the vault signer nonce search"`
	Scenario       string        `long:"scenario" description:"Scenario file with [market] and [order] sections"`

	StartValidator bool          `long:"startvalidator" description:"Launch a local solana-test-validator with the dex program loaded"`
	ValidatorBin   string        `long:"validatorbin" description:"Validator executable"`
	ProgramSO      string        `long:"programso" description:"Compiled dex program loaded by the local validator"`
	LedgerDir      string        `long:"ledgerdir" description:"Ledger directory of the local validator"`
	StartTimeout   time.Duration `long:"starttimeout" description:"How long to wait for the local validator to become healthy"`

	RunDB     string `long:"rundb" description:"Run journal database file"`
	ListRuns  int    `long:"listruns" description:"List the newest runs in the journal and exit. 0 lists all." optional:"yes" optional-value:"10"`
	Snapshots string `long:"snapshots" description:"File to write account snapshots to. - for stdout."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory. On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if os.PathSeparator == '/' {
		pathSeparators = "/"
	} else {
		pathSeparators = string(os.PathSeparator) + "/"
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	lm, err := dex.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- supported subsystems %v",
				subsysID, supportedSubsystems())
		}
	}
	setLoggers(lm)
	return lm, nil
}

func defaultFlags() flagsData {
	return flagsData{
		AppDataDir:     defaultAppDataDir,
		DebugLevel:     defaultLogLevel,
		MaxLogZips:     defaultMaxLogZips,
		Network:        defaultNetwork,
		Commitment:     defaultCommitment,
		PollInterval:   defaultPollInterval,
		ConfirmTimeout: defaultConfirmTimeout,
		NonceLimit:     derive.DefaultNonceLimit,
		StartTimeout:   defaultStartTimeout,
		ListRuns:       -1,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig(args []string) (*botConf, error) {
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or appdata directory was specified.
	var preCfg flagsData
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		var err error
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
	} else if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return cfg.botConf()
}

// botConf validates the parsed flags.
func (cfg *flagsData) botConf() (*botConf, error) {
	net, err := dex.NetFromString(cfg.Network)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), net.String())

	bc := &botConf{
		Network:        net,
		RPCURL:         cfg.RPCURL,
		Airdrop:        cfg.Airdrop,
		Commitment:     rpc.CommitmentType(cfg.Commitment),
		RPS:            cfg.RPS,
		PollInterval:   cfg.PollInterval,
		ConfirmTimeout: cfg.ConfirmTimeout,
		MaxResubmits:   cfg.MaxResubmits,
		NonceLimit:     cfg.NonceLimit,
		ListRuns:       cfg.ListRuns,
		SnapshotsPath:  cfg.Snapshots,
	}
	switch bc.Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return nil, fmt.Errorf("unknown commitment %q", cfg.Commitment)
	}
	if bc.NonceLimit == 0 {
		return nil, errors.New("nonce limit must be positive")
	}
	if bc.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}

	if bc.RPCURL == "" {
		bc.RPCURL = sol.RPCEndpoints[net]
	}
	if cfg.ProgramID != "" {
		if bc.Program, err = solana.PublicKeyFromBase58(cfg.ProgramID); err != nil {
			return nil, fmt.Errorf("invalid program ID: %w", err)
		}
	} else if bc.Program = sol.DefaultProgramID(net); bc.Program == (solana.PublicKey{}) {
		return nil, fmt.Errorf("no known dex program on %s, set --programid", net)
	}

	if cfg.Keypair != "" {
		if bc.Payer, err = solana.PrivateKeyFromSolanaKeygenFile(cleanAndExpandPath(cfg.Keypair)); err != nil {
			return nil, fmt.Errorf("error loading keypair: %w", err)
		}
	} else {
		if net == dex.Mainnet {
			return nil, errors.New("a funded --keypair is required on mainnet")
		}
		if bc.Payer, err = solana.NewRandomPrivateKey(); err != nil {
			return nil, err
		}
		// A fresh key has nothing but what it is airdropped.
		bc.Airdrop = true
	}

	bc.Scenario = config.DefaultScenario()
	if cfg.Scenario != "" {
		bc.ScenarioPath = cleanAndExpandPath(cfg.Scenario)
		if bc.Scenario, err = config.ParseScenario(bc.ScenarioPath); err != nil {
			return nil, err
		}
	}

	if cfg.StartValidator {
		if net != dex.Localnet {
			return nil, errors.New("--startvalidator is only for localnet")
		}
		if cfg.ProgramSO == "" {
			return nil, errors.New("--startvalidator requires --programso")
		}
		bc.Validator = &sol.ValidatorConfig{
			Bin:          cfg.ValidatorBin,
			ProgramID:    bc.Program.String(),
			ProgramSO:    cleanAndExpandPath(cfg.ProgramSO),
			LedgerDir:    cleanAndExpandPath(cfg.LedgerDir),
			StartTimeout: cfg.StartTimeout,
		}
		if u, err := url.Parse(bc.RPCURL); err == nil && u.Port() != "" {
			bc.Validator.RPCPort, _ = strconv.Atoi(u.Port())
		}
		if bc.Validator.LedgerDir == "" {
			bc.Validator.LedgerDir = filepath.Join(cfg.AppDataDir, "test-ledger")
		}
	}

	bc.DBPath = cfg.RunDB
	if bc.DBPath == "" {
		bc.DBPath = filepath.Join(cfg.AppDataDir, net.String(), defaultDBFilename)
	}
	bc.DBPath = cleanAndExpandPath(bc.DBPath)

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)
	if bc.LogMaker, err = parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}
	return bc, nil
}
