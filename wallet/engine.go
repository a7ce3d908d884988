// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet drives payments from input selection to a final outcome.
// Every payment is a record in the wallet database moved through its
// lifecycle by a dedicated goroutine: inputs are locked, the transaction is
// signed and broadcast, and its confirmation is monitored. A payment that
// stays unconfirmed is rebuilt on the same inputs with a higher fee until
// it confirms, runs out of replacements or passes its deadline.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/wallet/txbuilder"
	"github.com/btcsuite/multiwallet/wallet/txfees"
	"github.com/btcsuite/multiwallet/wallet/txselect"
	"github.com/btcsuite/multiwallet/wallet/txsigner"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// pollJitter spreads the status polls of concurrent payments.
const pollJitter = 0.1

// Archiver keeps acknowledged records once they leave the wallet
// database.
type Archiver interface {
	Archive(ctx context.Context, rec *wtxmgr.TxRecord) error
}

// ChainConfig bundles what the engine needs to pay on one chain.
type ChainConfig struct {
	// Adapter talks to the chain.
	Adapter chain.Adapter

	// Builder creates unsigned transactions.
	Builder txbuilder.Builder

	// Signer signs them. The source address of a payment is used as the
	// key reference.
	Signer txsigner.Signer

	// FeePolicy configures the fee estimator of the chain.
	FeePolicy txfees.FeePolicy

	// Policy controls selection, monitoring and replacement.
	Policy StuckTransactionPolicy

	estimator *txfees.Estimator
}

// Config holds the engine dependencies.
type Config struct {
	// DB is the wallet database records and locks are kept in.
	DB walletdb.DB

	// Chains maps chain names to their configuration.
	Chains map[string]*ChainConfig

	// Archive receives acknowledged records. When nil, acknowledged
	// records stay in the wallet database flagged as such.
	Archive Archiver

	// Clock defaults to the system clock.
	Clock clock.Clock

	// NewTicker creates the poll ticker of a payment. It defaults to a
	// jittered ticker.
	NewTicker func(time.Duration) ticker.Ticker

	// NewID creates payment ids. It defaults to random UUIDs.
	NewID func() string

	// EventQueueSize is the buffer of every subscription.
	EventQueueSize int
}

// PaymentRequest asks the engine to pay Amount from SourceAddress to
// DestinationAddress.
type PaymentRequest struct {
	Chain              string
	SourceAddress      string
	DestinationAddress string
	Amount             btcutil.Amount

	// ChangeAddress defaults to SourceAddress.
	ChangeAddress string
}

// Snapshot is a point in time view of a payment.
type Snapshot struct {
	ID    string
	Chain string
	State wtxmgr.TxState

	SourceAddress      string
	DestinationAddress string

	Amount btcutil.Amount
	Fee    btcutil.Amount
	Change btcutil.Amount

	// Inputs are the outputs the payment spends.
	Inputs []chain.Utxo

	ChainTxID   string
	TxIDHistory []string
	Attempt     uint32

	SubmittedAtBlock      int64
	FirstSubmittedAtBlock int64
	ConfirmedAtBlock      fn.Option[int64]
	ConfirmedTxID         string

	AbandonRequested bool
	LateConfirmation bool
	Acknowledged     bool

	// Settled reports that the outcome of a terminal payment is no longer
	// watched, so acknowledging it loses nothing.
	Settled bool

	// LastError is the persisted text of the last error.
	LastError string

	// Err is the typed cause of a failure, available while the engine
	// that observed it runs.
	Err error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Engine runs payments on one or more chains.
type Engine struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg   Config
	store *wtxmgr.Store
	locks *wtxmgr.LockTable

	events *eventHub

	mu    sync.Mutex
	tasks map[string]*task
	errs  map[string]error

	gm *fn.GoroutineManager
}

// New validates cfg and opens the record store.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("missing database")
	}

	if len(cfg.Chains) == 0 {
		return nil, errors.New("no chain configured")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return chain.NewJitterTicker(d, pollJitter)
		}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	for name, cc := range cfg.Chains {
		if err := cc.init(); err != nil {
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}
	}

	store, err := wtxmgr.Open(cfg.DB, cfg.Clock)
	if err != nil {
		return nil, err
	}

	locks, err := wtxmgr.NewLockTable(store)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		store:  store,
		locks:  locks,
		events: newEventHub(cfg.EventQueueSize),
		tasks:  make(map[string]*task),
		errs:   make(map[string]error),
		gm:     fn.NewGoroutineManager(),
	}, nil
}

// init checks the chain config and creates its estimator.
func (c *ChainConfig) init() error {
	switch {
	case c.Adapter == nil:
		return errors.New("missing adapter")
	case c.Builder == nil:
		return errors.New("missing builder")
	case c.Signer == nil:
		return errors.New("missing signer")
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	if err := c.FeePolicy.Validate(); err != nil {
		return fmt.Errorf("invalid fee policy: %w", err)
	}

	estimator, err := txfees.NewEstimator(
		c.Adapter, c.FeePolicy, c.Policy.FeeIncreaseFactor,
	)
	if err != nil {
		return err
	}
	c.estimator = estimator

	return nil
}

// Start checks the chains and resumes every payment that is still in
// flight, or still watched after its outcome.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return nil
	}

	e.logChainHeights()

	recs, err := e.store.Records()
	if err != nil {
		return err
	}

	var resumed int
	for _, rec := range recs {
		if !needsTask(rec) {
			continue
		}

		cc, ok := e.cfg.Chains[rec.Chain]
		if !ok {
			log.Warnf("Payment %v is on unconfigured chain %v, "+
				"not resuming", rec.ID, rec.Chain)

			continue
		}

		log.Debugf("Resuming payment %v in state %v", rec.ID, rec.State)

		e.launch(rec, cc)
		resumed++
	}

	log.Infof("Engine started, resumed %d %s", resumed,
		pickNoun(resumed, "payment", "payments"))

	return nil
}

// needsTask reports whether a stored record still has work to do.
func needsTask(rec *wtxmgr.TxRecord) bool {
	switch {
	case rec.Acknowledged:
		return false

	case !rec.State.IsTerminal():
		return true

	case rec.State == wtxmgr.StateConfirmed:
		return true

	case rec.State == wtxmgr.StateFailed,
		rec.State == wtxmgr.StateAbandoned:

		return rec.HasBroadcast() && !rec.LateConfirmation
	}

	return false
}

// logChainHeights queries every chain concurrently. An unreachable chain is
// logged but does not prevent the engine from starting, its payments back
// off until it returns.
func (e *Engine) logChainHeights() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var eg errgroup.Group
	for name, cc := range e.cfg.Chains {
		eg.Go(func() error {
			height, err := cc.Adapter.CurrentHeight(ctx)
			if err != nil {
				log.Warnf("Chain %v unavailable: %v", name, err)
				return nil
			}

			log.Infof("Chain %v at height %d", name, height)

			return nil
		})
	}

	_ = eg.Wait()
}

// Stop cancels every payment goroutine and waits for them to exit. State
// is persisted after every transition, so payments resume on the next
// Start.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.stopped, 0, 1) {
		return nil
	}

	log.Info("Engine shutting down")

	e.gm.Stop()

	return nil
}

// isRunning reports whether the engine accepts work.
func (e *Engine) isRunning() bool {
	return atomic.LoadInt32(&e.started) == 1 &&
		atomic.LoadInt32(&e.stopped) == 0
}

// Subscribe returns a subscription to the state events of all payments.
func (e *Engine) Subscribe() *Subscription {
	return e.events.subscribe()
}

// SubmitPayment selects and locks inputs for req, persists the payment
// and hands it to its goroutine. The returned id identifies the payment
// for its whole life, across fee replacements. Selection failures are
// returned directly; everything after locking is reported through the
// payment state.
func (e *Engine) SubmitPayment(ctx context.Context,
	req PaymentRequest) (string, error) {

	if !e.isRunning() {
		return "", ErrEngineStopped
	}

	cc, ok := e.cfg.Chains[req.Chain]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, req.Chain)
	}

	switch {
	case req.Amount <= 0:
		return "", fmt.Errorf("%w: %v", txbuilder.ErrInvalidAmount,
			req.Amount)

	case req.SourceAddress == "", req.DestinationAddress == "":
		return "", errors.New("source and destination required")
	}

	if req.ChangeAddress == "" {
		req.ChangeAddress = req.SourceAddress
	}

	id := e.cfg.NewID()

	rec, err := e.lockInputs(ctx, id, cc, &req)
	if err != nil {
		return "", txErr(id, err)
	}

	log.Infof("Payment %v: locked %d %s worth %v to pay %v (fee %v) "+
		"on %v", id, len(rec.Inputs),
		pickNoun(len(rec.Inputs), "input", "inputs"),
		rec.InputTotal(), rec.Amount, rec.Fee, rec.Chain)

	e.publish(rec, wtxmgr.StateCreated, 0, nil)
	e.launch(rec, cc)

	return id, nil
}

// lockInputs runs selection and locking until the selected inputs are
// locked by the new record. Inputs lost to a concurrent payment are
// excluded on the next round by the lock table.
func (e *Engine) lockInputs(ctx context.Context, id string, cc *ChainConfig,
	req *PaymentRequest) (*wtxmgr.TxRecord, error) {

	policy := cc.Policy

	height, err := cc.Adapter.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	feeFn := func(inputs []chain.Utxo, withChange bool) (btcutil.Amount,
		error) {

		size, err := cc.Builder.EstimateSize(
			inputs, req.DestinationAddress, req.ChangeAddress,
			withChange,
		)
		if err != nil {
			return 0, err
		}

		return cc.estimator.Estimate(ctx, size, 0)
	}

	for try := 0; try <= policy.lockRetries(); try++ {
		utxos, err := cc.Adapter.ListUtxos(
			ctx, req.SourceAddress, policy.MinConfirmations,
		)
		if err != nil {
			return nil, err
		}

		sel, err := txselect.Select(utxos, txselect.Params{
			Target:    req.Amount,
			MinConf:   policy.MinConfirmations,
			DustLimit: cc.Builder.DustLimit(),
			IsLocked:  e.locks.Unavailable,
			Fee:       feeFn,
		})
		if err != nil {
			return nil, err
		}

		tx, err := cc.Builder.Build(&txbuilder.Request{
			Inputs:        sel.Inputs,
			Source:        req.SourceAddress,
			Destination:   req.DestinationAddress,
			Amount:        req.Amount,
			Fee:           sel.Fee,
			FeeNoChange:   sel.FeeNoChange,
			ChangeAddress: req.ChangeAddress,
			DesiredChange: policy.DesiredChangeValue,
			Height:        height,
		})
		if err != nil {
			return nil, err
		}

		now := e.cfg.Clock.Now()
		rec := &wtxmgr.TxRecord{
			ID:                 id,
			Chain:              req.Chain,
			SourceAddress:      req.SourceAddress,
			DestinationAddress: req.DestinationAddress,
			ChangeAddress:      req.ChangeAddress,
			Amount:             tx.Amount,
			Fee:                tx.Fee,
			Inputs:             sel.Inputs,
			Change:             changeOption(tx.Change),
			RawUnsigned:        tx.Raw,
			State:              wtxmgr.StateLocked,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		err = e.locks.AcquireRecord(rec)

		var conflict *wtxmgr.LockConflictError
		switch {
		case err == nil:
			return rec, nil

		case errors.As(err, &conflict):
			log.Debugf("Payment %v: inputs %v taken concurrently, "+
				"reselecting (try %d/%d)", id, conflict.Keys(),
				try+1, policy.lockRetries()+1)

			continue

		default:
			return nil, err
		}
	}

	return nil, ErrLockContention
}

// changeOption converts the change of a built transaction.
func changeOption(c *txbuilder.Change) fn.Option[wtxmgr.ChangeOutput] {
	if c == nil {
		return fn.None[wtxmgr.ChangeOutput]()
	}

	return fn.Some(wtxmgr.ChangeOutput{Address: c.Address, Value: c.Value})
}

// launch starts the goroutine of rec.
func (e *Engine) launch(rec *wtxmgr.TxRecord, cc *ChainConfig) {
	t := newTask(rec, cc)

	e.mu.Lock()
	e.tasks[rec.ID] = t
	e.mu.Unlock()

	ok := e.gm.Go(context.Background(), func(ctx context.Context) {
		defer e.finish(t)

		e.run(ctx, t)
	})
	if !ok {
		e.finish(t)
	}
}

// finish forgets the goroutine of t.
func (e *Engine) finish(t *task) {
	e.mu.Lock()
	if e.tasks[t.id] == t {
		delete(e.tasks, t.id)
	}
	e.mu.Unlock()

	t.markDone()
}

// task returns the running goroutine of id, if any.
func (e *Engine) task(id string) *task {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tasks[id]
}

// TransactionState returns the current state of the payment id. It only
// reads, so calling it any number of times has no effect on the payment.
func (e *Engine) TransactionState(id string) (*Snapshot, error) {
	rec, err := e.store.FetchRecord(id)
	if wtxmgr.IsError(err, wtxmgr.ErrRecordNotFound) {
		return nil, txErr(id, ErrUnknownTransaction)
	}
	if err != nil {
		return nil, txErr(id, err)
	}

	return e.snapshot(rec), nil
}

// Payments returns the state of every payment in the wallet database,
// oldest first. Acknowledged payments are only listed when no archive is
// configured.
func (e *Engine) Payments() ([]*Snapshot, error) {
	recs, err := e.store.Records()
	if err != nil {
		return nil, err
	}

	snaps := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, e.snapshot(rec))
	}

	return snaps, nil
}

// snapshot returns the view of rec.
func (e *Engine) snapshot(rec *wtxmgr.TxRecord) *Snapshot {
	e.mu.Lock()
	cause := e.errs[rec.ID]
	_, watched := e.tasks[rec.ID]
	e.mu.Unlock()

	settled := rec.State.IsTerminal() && e.isRunning() && !watched

	return &Snapshot{
		ID:                    rec.ID,
		Chain:                 rec.Chain,
		State:                 rec.State,
		SourceAddress:         rec.SourceAddress,
		DestinationAddress:    rec.DestinationAddress,
		Amount:                rec.Amount,
		Fee:                   rec.Fee,
		Change:                rec.ChangeValue(),
		Inputs:                rec.Inputs,
		ChainTxID:             rec.ChainTxID,
		TxIDHistory:           rec.TxIDHistory,
		Attempt:               rec.Attempt,
		SubmittedAtBlock:      rec.SubmittedAtBlock,
		FirstSubmittedAtBlock: rec.FirstSubmittedAtBlock,
		ConfirmedAtBlock:      rec.ConfirmedAtBlock,
		ConfirmedTxID:         rec.ConfirmedTxID,
		AbandonRequested:      rec.AbandonRequested,
		LateConfirmation:      rec.LateConfirmation,
		Acknowledged:          rec.Acknowledged,
		Settled:               settled,
		LastError:             rec.LastError,
		Err:                   cause,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}

// Abandon asks the goroutine of the payment to give it up at its next
// step. A transaction already broadcast cannot be recalled; should it
// confirm anyway the payment reports a late confirmation.
func (e *Engine) Abandon(id string) error {
	if t := e.task(id); t != nil && !t.currentState().IsTerminal() {
		log.Infof("Payment %v: abandon requested", id)

		t.requestAbandon()

		return nil
	}

	_, err := e.store.FetchRecord(id)
	switch {
	case wtxmgr.IsError(err, wtxmgr.ErrRecordNotFound):
		return txErr(id, ErrUnknownTransaction)

	case err != nil:
		return txErr(id, err)
	}

	return txErr(id, ErrTerminal)
}

// Acknowledge marks the outcome of a terminal payment as seen. The record
// moves to the archive, if one is configured, and leaves the wallet
// database together with its locks.
func (e *Engine) Acknowledge(ctx context.Context, id string) error {
	rec, err := e.store.FetchRecord(id)
	switch {
	case wtxmgr.IsError(err, wtxmgr.ErrRecordNotFound):
		return txErr(id, ErrUnknownTransaction)

	case err != nil:
		return txErr(id, err)

	case !rec.State.IsTerminal():
		return txErr(id, ErrNotTerminal)
	}

	// Stop watching for reorgs or late confirmations.
	if t := e.task(id); t != nil {
		t.stop()

		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		// The watcher may have recorded a late outcome meanwhile.
		rec, err = e.store.FetchRecord(id)
		if err != nil {
			return txErr(id, err)
		}
	}

	rec.Acknowledged = true
	rec.UpdatedAt = e.cfg.Clock.Now()

	if e.cfg.Archive == nil {
		return txErr(id, e.locks.Commit(rec, wtxmgr.LockKeep))
	}

	if err := e.cfg.Archive.Archive(ctx, rec); err != nil {
		return txErr(id, fmt.Errorf("archive: %w", err))
	}

	if err := e.locks.Forget(id); err != nil {
		return txErr(id, err)
	}

	e.mu.Lock()
	delete(e.errs, id)
	e.mu.Unlock()

	log.Infof("Payment %v acknowledged in state %v and archived", id,
		rec.State)

	return nil
}

// setErr records the typed cause of the last error of a payment.
func (e *Engine) setErr(id string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cause == nil {
		delete(e.errs, id)
		return
	}
	e.errs[id] = cause
}

// publish emits the transition of rec from the given state.
func (e *Engine) publish(rec *wtxmgr.TxRecord, from wtxmgr.TxState,
	height int64, cause error) {

	e.events.publish(Event{
		ID:        rec.ID,
		Chain:     rec.Chain,
		From:      from,
		To:        rec.State,
		Attempt:   rec.Attempt,
		ChainTxID: rec.ChainTxID,
		Fee:       rec.Fee,
		Height:    height,
		Err:       cause,
		Time:      e.cfg.Clock.Now(),
	})
}
