// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/multiwallet/build"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/internal/archive"
	"github.com/btcsuite/multiwallet/internal/cfgutil"
	"github.com/btcsuite/multiwallet/wallet"
	"github.com/btcsuite/multiwallet/wallet/txbuilder"
	"github.com/btcsuite/multiwallet/wallet/txsigner"
	"github.com/lightningnetwork/lnd/ticker"
)

// autoAckInterval is the delay between two sweeps acknowledging settled
// payments.
const autoAckInterval = time.Minute

func main() {
	// Work around defer not working after os.Exit.
	if err := multiwalletMain(); err != nil {
		os.Exit(1)
	}
}

// multiwalletMain is a work-around main function that is required since
// deferred functions (such as log file closing) are not called with calls to
// os.Exit. Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func multiwalletMain() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logWriter.Close()

	log.Infof("Version %s (%v build)", build.Version(), build.Deployment)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Errorf("Unable to open wallet database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close wallet database: %v", err)
		}
	})

	chains, stopChains, err := loadChains(cfg)
	if err != nil {
		log.Errorf("Unable to set up chains: %v", err)
		_ = db.Close()
		return err
	}
	addInterruptHandler(stopChains)

	ctx, cancel := context.WithCancel(context.Background())

	// Never hand a nil *archive.Store to the engine as an Archiver.
	var archiver wallet.Archiver
	if cfg.ArchiveDSN != "" {
		store, err := archive.Open(ctx, cfg.ArchiveDSN)
		if err != nil {
			log.Errorf("Unable to open archive: %v", err)
			cancel()
			stopChains()
			_ = db.Close()
			return err
		}
		archiver = store

		addInterruptHandler(func() {
			if err := store.Close(); err != nil {
				log.Errorf("Unable to close archive: %v", err)
			}
		})
	}

	engine, err := wallet.New(wallet.Config{
		DB:      db,
		Chains:  chains,
		Archive: archiver,
	})
	if err != nil {
		log.Errorf("Unable to create engine: %v", err)
		simulateInterrupt()
		<-interruptHandlersDone
		cancel()
		return err
	}

	var wg sync.WaitGroup
	sub := engine.Subscribe()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(ctx, sub)
	}()

	if err := engine.Start(); err != nil {
		log.Errorf("Unable to start engine: %v", err)
		cancel()
		wg.Wait()
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}

	if cfg.AutoAcknowledge {
		wg.Add(1)
		go func() {
			defer wg.Done()
			autoAcknowledge(ctx, engine)
		}()
	}

	// The engine is stopped before the loggers so its final transitions
	// are still reported.
	addInterruptHandler(func() {
		cancel()
		sub.Cancel()
		wg.Wait()
	})
	addInterruptHandler(func() {
		if err := engine.Stop(); err != nil {
			log.Errorf("Unable to stop engine: %v", err)
		}
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")

	return nil
}

// openDatabase opens the wallet database of cfg, creating it on first use.
func openDatabase(cfg *config) (walletdb.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.DataDir, walletDbName)
	db, err := walletdb.Create("bdb", dbPath, true, cfg.DBTimeout,
		false)
	if errors.Is(err, walletdb.ErrDbExists) {
		return walletdb.Open("bdb", dbPath, true,
			cfg.DBTimeout, false)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Created wallet database %s", dbPath)

	return db, nil
}

// loadChains creates the adapter, builder and signer of every active chain.
// The returned function stops the adapters.
func loadChains(cfg *config) (map[string]*wallet.ChainConfig, func(),
	error) {

	chains := make(map[string]*wallet.ChainConfig)

	var btcdAdapters []*chain.BtcdAdapter
	stop := func() {
		for _, a := range btcdAdapters {
			a.Stop()
		}
	}

	utxoChains := []struct {
		name string
		cfg  *utxoChainConfig
	}{
		{"btc", cfg.BTC},
		{"doge", cfg.DOGE},
	}
	for _, c := range utxoChains {
		if !c.cfg.Active {
			continue
		}

		adapter, cc, err := loadUtxoChain(c.name, c.cfg)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("%s: %w", c.name, err)
		}
		btcdAdapters = append(btcdAdapters, adapter)
		chains[c.name] = cc
	}

	if cfg.XRP.Active {
		cc, err := loadXRPChain(cfg.XRP)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("xrp: %w", err)
		}
		chains["xrp"] = cc
	}

	return chains, stop, nil
}

func loadUtxoChain(name string, c *utxoChainConfig) (*chain.BtcdAdapter,
	*wallet.ChainConfig, error) {

	policy, feePolicy, err := c.policies()
	if err != nil {
		return nil, nil, err
	}

	// Read CA certs and create the RPC client.
	var certs []byte
	if !c.DisableTLS {
		certs, err = os.ReadFile(c.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open CA file: %w",
				err)
		}
	} else {
		chainLog.Infof("Client TLS is disabled for %s", name)
	}

	secrets, err := cfgutil.ReadSecrets(c.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	keyRing := txsigner.NewKeyRing(c.params.Params)
	for _, secret := range secrets {
		addrs, err := keyRing.ImportWIF(secret)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key: %w", err)
		}

		log.Infof("Paying %s from %s, %s and %s", name,
			addrs.PubKeyHash, addrs.WitnessPubKey,
			addrs.NestedWitnessKey)
	}

	adapter, err := chain.NewBtcdAdapter(&chain.BtcdConfig{
		Name:  name,
		Chain: c.params.Params,
		Conn: &rpcclient.ConnConfig{
			Host:         c.RPCConnect,
			User:         c.RPCUser,
			Pass:         c.RPCPass,
			Certificates: certs,
			DisableTLS:   c.DisableTLS,
		},
		SegWit:            c.params.SegWit,
		DustRelayFeePerKB: c.params.DustRelayFeePerKB,
		MinDust:           c.params.MinDust,
	})
	if err != nil {
		return nil, nil, err
	}

	chainLog.Infof("Using %s node %s on %s", name, c.RPCConnect,
		c.params.Name)

	limited := chain.NewRateLimited(
		adapter, c.RequestsPerSecond, c.RequestBurst,
	)
	builder := txbuilder.NewUtxoBuilder(c.params.Params, limited.Params())

	return adapter, &wallet.ChainConfig{
		Adapter:   limited,
		Builder:   builder,
		Signer:    keyRing,
		FeePolicy: feePolicy,
		Policy:    policy,
	}, nil
}

func loadXRPChain(c *xrpChainConfig) (*wallet.ChainConfig, error) {
	policy, feePolicy, err := c.policies()
	if err != nil {
		return nil, err
	}

	secrets, err := cfgutil.ReadSecrets(c.KeyFile)
	if err != nil {
		return nil, err
	}

	keyRing := txsigner.NewXRPKeyRing()
	for _, secret := range secrets {
		account, err := keyRing.ImportHex(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid key: %w", err)
		}

		log.Infof("Paying xrp from %s", account)
	}

	adapter, err := chain.NewXRPAdapter(chain.XRPConfig{
		URL:     c.URL,
		Reserve: c.Reserve.Amount,
		Timeout: defaultRPCTimeout,
	})
	if err != nil {
		return nil, err
	}

	chainLog.Infof("Using xrp node %s", c.URL)

	limited := chain.NewRateLimited(
		adapter, c.RequestsPerSecond, c.RequestBurst,
	)

	builder := txbuilder.NewAccountBuilder(limited.Params(), c.LedgerOffset)

	return &wallet.ChainConfig{
		Adapter:   limited,
		Builder:   builder,
		Signer:    keyRing,
		FeePolicy: feePolicy,
		Policy:    policy,
	}, nil
}

// logEvents writes every state transition to the log until ctx is done or
// the subscription is cancelled.
func logEvents(ctx context.Context, sub *wallet.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if n := sub.Dropped(); n > 0 {
				engineLog.Warnf("%d %s dropped", n,
					pickNoun(int(n), "event", "events"))
			}
			return
		}

		if ev.Err != nil {
			engineLog.Warnf("Payment %v (%s): %v -> %v at height "+
				"%d: %v", ev.ID, ev.Chain, ev.From, ev.To,
				ev.Height, ev.Err)
		} else {
			engineLog.Infof("Payment %v (%s): %v -> %v at height "+
				"%d", ev.ID, ev.Chain, ev.From, ev.To,
				ev.Height)
		}

		engineLog.Debugf("Payment %v: %v", ev.ID, newLogClosure(
			func() string {
				return fmt.Sprintf("attempt=%d txid=%s fee=%v",
					ev.Attempt, ev.ChainTxID, ev.Fee)
			},
		))
	}
}

// autoAcknowledge periodically acknowledges payments whose outcome is no
// longer watched, moving them to the archive if one is configured.
func autoAcknowledge(ctx context.Context, engine *wallet.Engine) {
	t := ticker.New(autoAckInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			acknowledgeSettled(ctx, engine)

		case <-ctx.Done():
			return
		}
	}
}

func acknowledgeSettled(ctx context.Context, engine *wallet.Engine) {
	payments, err := engine.Payments()
	if err != nil {
		log.Errorf("Unable to list payments: %v", err)
		return
	}

	var acked int
	for _, p := range payments {
		if !p.Settled || p.Acknowledged {
			continue
		}

		if err := engine.Acknowledge(ctx, p.ID); err != nil {
			log.Warnf("Unable to acknowledge payment %v: %v", p.ID,
				err)
			continue
		}
		acked++
	}

	if acked > 0 {
		log.Infof("Acknowledged %d settled %s", acked,
			pickNoun(acked, "payment", "payments"))
	}
}
