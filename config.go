// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/build"
	"github.com/btcsuite/multiwallet/internal/cfgutil"
	"github.com/btcsuite/multiwallet/netparams"
	"github.com/btcsuite/multiwallet/wallet"
	"github.com/btcsuite/multiwallet/wallet/txfees"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "multiwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "multiwallet.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultLogCompressor  = build.Gzip
	defaultDBTimeout      = 60 * time.Second
	defaultRPCTimeout     = 30 * time.Second
	defaultRequestsPerSec = 10
	defaultRequestBurst   = 20

	// defaultXRPMinFee is the reference transaction cost of the XRP
	// ledger in drops, charged per nominal transaction.
	defaultXRPMinFee = 10

	walletDbName = "multiwallet.db"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("multiwallet", false)
	defaultConfigFile = filepath.Join(
		defaultAppDataDir, defaultConfigFilename,
	)
	defaultDataDir = defaultAppDataDir
	defaultLogDir  = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// policyConfig holds the payment policy of one chain. Zero values take the
// defaults of wallet.StuckTransactionPolicy and txfees.FeePolicy.
type policyConfig struct {
	BlockOffset          int64               `long:"blockoffset" description:"Blocks an unconfirmed payment may wait before it is replaced with a higher fee"`
	ExecutionBlockOffset int64               `long:"executionblockoffset" description:"Blocks after the first broadcast at which an unconfirmed payment fails"`
	Retries              *cfgutil.CountFlag  `long:"retries" description:"Number of fee bumping replacements allowed per payment (default 3, 0 disables replacement)"`
	FeeIncreaseFactor    *cfgutil.RatioFlag  `long:"feeincreasefactor" description:"Fee rate multiplier of every replacement, as a decimal or fraction (e.g. 3/2)"`
	Confirmations        int64               `long:"confirmations" description:"Confirmations at which a payment is final"`
	MinConf              int64               `long:"minconf" description:"Confirmations an output needs to be spent"`
	FinalityDepth        int64               `long:"finalitydepth" description:"Blocks a confirmed payment is watched for reorgs"`
	DesiredChange        *cfgutil.AmountFlag `long:"desiredchange" description:"Smallest change output worth creating, in the smallest unit"`
	PollInterval         time.Duration       `long:"pollinterval" description:"Delay between two status checks of a payment"`

	FeePercentile   int                 `long:"feepercentile" description:"Fee market percentile used as base rate"`
	FeeSafetyFactor *cfgutil.RatioFlag  `long:"feesafetyfactor" description:"Multiplier applied to the market fee rate"`
	MinFeeRate      *cfgutil.AmountFlag `long:"minfeerate" description:"Lowest fee rate per KB, also used when the node has no estimate"`
	MaxFeeRate      *cfgutil.AmountFlag `long:"maxfeerate" description:"Highest base fee rate per KB (0 for no limit)"`

	RequestsPerSecond float64 `long:"rps" description:"Requests per second allowed to the node"`
	RequestBurst      int     `long:"burst" description:"Requests allowed in a burst to the node"`
}

// newPolicyConfig returns a policy config with every default unset.
func newPolicyConfig() policyConfig {
	return policyConfig{
		Retries:           &cfgutil.CountFlag{},
		FeeIncreaseFactor: &cfgutil.RatioFlag{},
		DesiredChange:     cfgutil.NewAmountFlag(0),
		FeeSafetyFactor:   &cfgutil.RatioFlag{},
		MinFeeRate:        cfgutil.NewAmountFlag(0),
		MaxFeeRate:        cfgutil.NewAmountFlag(0),
		RequestsPerSecond: defaultRequestsPerSec,
		RequestBurst:      defaultRequestBurst,
	}
}

// policies converts the flags into the policies of the engine and checks
// them.
func (p *policyConfig) policies() (wallet.StuckTransactionPolicy,
	txfees.FeePolicy, error) {

	policy := wallet.StuckTransactionPolicy{
		BlockOffset:          p.BlockOffset,
		ExecutionBlockOffset: p.ExecutionBlockOffset,
		Retries:              p.Retries.Option,
		FeeIncreaseFactor:    p.FeeIncreaseFactor.Rat,
		EnoughConfirmations:  p.Confirmations,
		DesiredChangeValue:   p.DesiredChange.Amount,
		MinConfirmations:     p.MinConf,
		FinalityDepth:        p.FinalityDepth,
		PollInterval:         p.PollInterval,
	}
	if err := policy.Validate(); err != nil {
		return policy, txfees.FeePolicy{}, err
	}

	feePolicy := txfees.FeePolicy{
		Percentile:   p.FeePercentile,
		SafetyFactor: p.FeeSafetyFactor.Rat,
		MinRatePerKB: p.MinFeeRate.Amount,
		MaxRatePerKB: p.MaxFeeRate.Amount,
	}
	if err := feePolicy.Validate(); err != nil {
		return policy, feePolicy, err
	}

	if p.RequestsPerSecond <= 0 || p.RequestBurst <= 0 {
		return policy, feePolicy, errors.New("rps and burst must be " +
			"positive")
	}

	return policy, feePolicy, nil
}

// utxoChainConfig configures payments on a UTXO chain served by a btcd
// compatible node.
type utxoChainConfig struct {
	Active     bool   `long:"active" description:"Pay on this chain"`
	Network    string `long:"network" description:"Network of the node (btc: mainnet, testnet3, testnet4, regtest, simnet, signet; doge: mainnet, testnet, regtest)"`
	RPCConnect string `long:"rpcconnect" description:"Hostname/IP and port of the node RPC server"`
	RPCUser    string `long:"rpcuser" description:"Username for node RPC authentication"`
	RPCPass    string `long:"rpcpass" default-mask:"-" description:"Password for node RPC authentication"`
	CAFile     string `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the node"`
	DisableTLS bool   `long:"notls" description:"Disable TLS for the RPC client"`
	KeyFile    string `long:"keyfile" description:"File with the WIF keys of the paying addresses, one per line"`

	policyConfig

	params *netparams.Params
}

// xrpChainConfig configures payments on the XRP ledger.
type xrpChainConfig struct {
	Active       bool                `long:"active" description:"Pay on the XRP ledger"`
	URL          string              `long:"url" description:"JSON-RPC URL of a rippled node"`
	Reserve      *cfgutil.AmountFlag `long:"reserve" description:"Account reserve in drops"`
	LedgerOffset uint32              `long:"ledgeroffset" description:"Ledgers after which an unvalidated payment expires"`
	KeyFile      string              `long:"keyfile" description:"File with the hex private keys of the paying accounts, one per line"`

	policyConfig
}

type config struct {
	// General application behavior
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool          `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        string        `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	DBTimeout      time.Duration `long:"dbtimeout" description:"Timeout for acquiring the wallet database lock"`
	LogDir         string        `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int           `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int           `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string        `long:"logcompressor" description:"Compression of rolled log files" choice:"gzip" choice:"zstd"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Archive options
	ArchiveDSN      string `long:"archive" description:"Database acknowledged payments are moved to (sqlite:<path> or postgres://...)"`
	AutoAcknowledge bool   `long:"autoack" description:"Acknowledge payments as soon as their outcome is final"`

	// Chains
	BTC  *utxoChainConfig `group:"btc" namespace:"btc"`
	DOGE *utxoChainConfig `group:"doge" namespace:"doge"`
	XRP  *xrpChainConfig  `group:"xrp" namespace:"xrp"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// defaultConfig returns the config used when neither a config file nor the
// command line set an option.
func defaultConfig() config {
	return config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		DBTimeout:      defaultDBTimeout,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		LogCompressor:  defaultLogCompressor,
		DebugLevel:     defaultLogLevel,
		BTC: &utxoChainConfig{
			Network:      "mainnet",
			policyConfig: newPolicyConfig(),
		},
		DOGE: &utxoChainConfig{
			Network:      "mainnet",
			policyConfig: newPolicyConfig(),
		},
		XRP: &xrpChainConfig{
			Reserve:      cfgutil.NewAmountFlag(10_000_000),
			LedgerOffset: 20,
			policyConfig: newPolicyConfig(),
		},
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if err := validateConfig(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, "Use %s -h to show usage\n", appName)
		return nil, nil, err
	}

	// Initialize log rotation. From here on log output goes to the log
	// file as well.
	err = logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.LogCompressor, cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// validateConfig expands the paths of cfg and checks the chain sections.
func validateConfig(cfg *config) error {
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if !build.SupportedLogCompressor(cfg.LogCompressor) {
		return fmt.Errorf("unknown log compressor %q",
			cfg.LogCompressor)
	}

	if cfg.MaxLogFileSize <= 0 {
		return errors.New("maxlogfilesize must be positive")
	}

	utxoChains := map[string]*utxoChainConfig{
		"btc":  cfg.BTC,
		"doge": cfg.DOGE,
	}

	var active int
	for name, c := range utxoChains {
		if !c.Active {
			continue
		}
		active++

		if err := c.validate(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if cfg.XRP.Active {
		active++

		if err := cfg.XRP.validate(); err != nil {
			return fmt.Errorf("xrp: %w", err)
		}
	}

	if active == 0 {
		return errors.New("at least one of btc.active, doge.active " +
			"and xrp.active must be set")
	}

	return nil
}

// validate resolves the network of a UTXO chain and checks its options.
func (c *utxoChainConfig) validate(name string) error {
	params, err := netparams.Lookup(name, c.Network)
	if err != nil {
		return err
	}
	c.params = params

	if c.RPCConnect == "" {
		c.RPCConnect = "localhost"
	}
	c.RPCConnect, err = cfgutil.NormalizeAddress(
		c.RPCConnect, params.RPCClientPort,
	)
	if err != nil {
		return fmt.Errorf("invalid rpcconnect: %w", err)
	}

	if !c.DisableTLS && c.CAFile == "" {
		return errors.New("cafile is required unless notls is set")
	}
	c.CAFile = cleanAndExpandPath(c.CAFile)

	if c.KeyFile == "" {
		return errors.New("keyfile is required")
	}
	c.KeyFile = cleanAndExpandPath(c.KeyFile)

	if c.MinFeeRate.Amount == 0 {
		c.MinFeeRate.Amount = params.MinRelayFeePerKB
	}

	_, _, err = c.policies()
	return err
}

// validate checks the options of the XRP ledger.
func (c *xrpChainConfig) validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}

	if c.KeyFile == "" {
		return errors.New("keyfile is required")
	}
	c.KeyFile = cleanAndExpandPath(c.KeyFile)

	if c.Reserve.Amount < 0 {
		return errors.New("reserve must not be negative")
	}

	if c.LedgerOffset == 0 {
		return errors.New("ledgeroffset must be positive")
	}

	if c.MinFeeRate.Amount == 0 {
		c.MinFeeRate.Amount = defaultXRPMinFee
	}

	_, _, err := c.policies()
	return err
}
