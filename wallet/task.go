// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/wallet/txbuilder"
	"github.com/btcsuite/multiwallet/wallet/txfees"
	"github.com/btcsuite/multiwallet/wallet/txsigner"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// stepResult tells the goroutine of a payment what to do after a step.
type stepResult uint8

const (
	// stepWait waits for the next poll tick.
	stepWait stepResult = iota

	// stepAgain runs the next step right away.
	stepAgain

	// stepDone ends the goroutine.
	stepDone
)

// task is the goroutine state of one payment. Only the goroutine reads or
// writes rec; other goroutines go through the atomic fields.
type task struct {
	id  string
	cfg *ChainConfig
	rec *wtxmgr.TxRecord

	state   atomic.Uint32
	abandon atomic.Bool

	// prev is the record the pending replacement was built from. It is
	// restored if the chain refuses the replacement.
	prev *wtxmgr.TxRecord

	// wake interrupts the wait for the next tick.
	wake chan struct{}

	// quit is closed to end the goroutine without touching the payment.
	quit     chan struct{}
	quitOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

func newTask(rec *wtxmgr.TxRecord, cfg *ChainConfig) *task {
	t := &task{
		id:   rec.ID,
		cfg:  cfg,
		rec:  rec,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.state.Store(uint32(rec.State))
	t.abandon.Store(rec.AbandonRequested)

	return t
}

func (t *task) currentState() wtxmgr.TxState {
	return wtxmgr.TxState(t.state.Load())
}

func (t *task) requestAbandon() {
	t.abandon.Store(true)

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *task) stop() {
	t.quitOnce.Do(func() {
		close(t.quit)
	})
}

func (t *task) markDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

// run drives the payment until it needs no more attention, the engine
// stops or the task is stopped.
func (e *Engine) run(ctx context.Context, t *task) {
	tick := e.cfg.NewTicker(t.cfg.Policy.PollInterval)
	tick.Resume()
	defer tick.Stop()

	for {
		if e.advance(ctx, t) {
			log.Debugf("Payment %v: done in state %v", t.id,
				t.currentState())

			return
		}

		select {
		case <-tick.Ticks():
		case <-t.wake:
		case <-t.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// advance runs steps until one has to wait for the chain. It returns true
// once the payment is done.
func (e *Engine) advance(ctx context.Context, t *task) bool {
	height, err := t.cfg.Adapter.CurrentHeight(ctx)
	if err != nil {
		e.logBackoff(t, "fetch height", err)
		return false
	}

	for {
		select {
		case <-t.quit:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		switch e.step(ctx, t, height) {
		case stepWait:
			return false

		case stepDone:
			return true
		}
	}
}

// step runs the handler of the current state.
func (e *Engine) step(ctx context.Context, t *task,
	height int64) stepResult {

	rec := t.rec

	if t.abandon.Load() && !rec.State.IsTerminal() {
		return e.abandonPayment(t, height)
	}

	// Monitoring settles a payment past its deadline whatever step it
	// is in: it confirms if one of its transactions did, else it fails.
	if e.pastDeadline(t, height) {
		return e.monitor(ctx, t, height)
	}

	switch rec.State {
	case wtxmgr.StateLocked:
		return e.signLocked(ctx, t, height)

	case wtxmgr.StateSigned:
		return e.broadcast(ctx, t, height)

	case wtxmgr.StateSubmitted, wtxmgr.StatePending:
		return e.monitor(ctx, t, height)

	case wtxmgr.StateReplacing:
		return e.replace(ctx, t, height)

	case wtxmgr.StateConfirmed:
		return e.watchFinality(ctx, t, height)

	case wtxmgr.StateFailed, wtxmgr.StateAbandoned:
		return e.watchLate(ctx, t, height)
	}

	return stepDone
}

// pastDeadline reports whether a broadcast payment that is being replaced
// has been unconfirmed for ExecutionBlockOffset blocks.
func (e *Engine) pastDeadline(t *task, height int64) bool {
	rec := t.rec

	switch rec.State {
	case wtxmgr.StateSigned, wtxmgr.StateReplacing:
	default:
		return false
	}

	return rec.HasBroadcast() && height-rec.FirstSubmittedAtBlock >=
		t.cfg.Policy.ExecutionBlockOffset
}

// commit persists next in state to, applies action to its locks and
// publishes the transition. On failure the task keeps its previous record
// and the step is retried on the next tick.
func (e *Engine) commit(t *task, next *wtxmgr.TxRecord, to wtxmgr.TxState,
	action wtxmgr.LockAction, height int64, cause error) bool {

	from := t.rec.State

	next.State = to
	next.UpdatedAt = e.cfg.Clock.Now()
	if cause != nil {
		next.LastError = cause.Error()
	}

	if err := e.locks.Commit(next, action); err != nil {
		log.Errorf("Payment %v: unable to persist %v -> %v: %v", t.id,
			from, to, err)

		return false
	}

	t.rec = next
	t.state.Store(uint32(to))

	log.Tracef("Payment %v: committed record %v", t.id, spewClosure(next))

	// A late confirmation keeps the cause of the failure.
	if cause != nil || to != from {
		e.setErr(t.id, cause)
	}

	if cause != nil {
		log.Infof("Payment %v: %v -> %v at height %d (attempt %d): %v",
			t.id, from, to, height, next.Attempt, cause)
	} else {
		log.Infof("Payment %v: %v -> %v at height %d (attempt %d)",
			t.id, from, to, height, next.Attempt)
	}

	e.publish(next, from, height, cause)

	return true
}

// fail moves the payment to FAILED and releases its inputs. A payment that
// was broadcast keeps being watched for a late confirmation.
func (e *Engine) fail(t *task, next *wtxmgr.TxRecord, height int64,
	cause error) stepResult {

	next.ClosedAtBlock = height
	if !e.commit(t, next, wtxmgr.StateFailed, wtxmgr.LockRelease, height,
		cause) {

		return stepWait
	}

	return stepAgain
}

// abandonPayment honors an abandon request.
func (e *Engine) abandonPayment(t *task, height int64) stepResult {
	next := t.rec.Copy()
	next.AbandonRequested = true
	next.ClosedAtBlock = height

	if !e.commit(t, next, wtxmgr.StateAbandoned, wtxmgr.LockRelease,
		height, nil) {

		return stepWait
	}

	return stepAgain
}

// logBackoff reports a call that failed without affecting the payment.
func (e *Engine) logBackoff(t *task, what string, err error) {
	if errors.Is(err, chain.ErrRateLimited) {
		log.Debugf("Payment %v: %s rate limited, backing off", t.id,
			what)

		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	log.Warnf("Payment %v: unable to %s: %v", t.id, what, err)
}

// sign signs next in place and computes its chain id.
func (e *Engine) sign(ctx context.Context, t *task,
	next *wtxmgr.TxRecord) error {

	raw, err := t.cfg.Signer.Sign(ctx, &txsigner.SignRequest{
		Raw:         next.RawUnsigned,
		KeyRef:      next.SourceAddress,
		PrevOutputs: next.Inputs,
	})
	if err != nil {
		var signErr *txsigner.SigningError
		if !errors.As(err, &signErr) {
			err = &txsigner.SigningError{
				KeyRef: next.SourceAddress,
				Err:    err,
			}
		}

		return err
	}

	txid, err := txsigner.TxID(t.cfg.Adapter.Params().Family, raw)
	if err != nil {
		return err
	}

	next.RawSigned = raw
	next.ChainTxID = txid

	return nil
}

// signLocked signs the first transaction of a payment.
func (e *Engine) signLocked(ctx context.Context, t *task,
	height int64) stepResult {

	next := t.rec.Copy()
	if err := e.sign(ctx, t, next); err != nil {
		if ctx.Err() != nil {
			return stepWait
		}

		return e.fail(t, t.rec.Copy(), height, err)
	}

	if !e.commit(t, next, wtxmgr.StateSigned, wtxmgr.LockKeep, height,
		nil) {

		return stepWait
	}

	return stepAgain
}

// broadcast sends the signed transaction. Transport failures are retried
// with a doubling backoff. When every try failed the transaction may still
// have reached the node, so it is monitored like a successful broadcast.
func (e *Engine) broadcast(ctx context.Context, t *task,
	height int64) stepResult {

	var (
		policy  = t.cfg.Policy
		tries   = policy.broadcastRetries() + 1
		lastErr error
	)
	for i := 0; i < tries; i++ {
		if i > 0 {
			backoff := policy.BroadcastBackoff << (i - 1)

			select {
			case <-e.cfg.Clock.TickAfter(backoff):
			case <-t.quit:
				return stepWait
			case <-ctx.Done():
				return stepWait
			}
		}

		txid, err := t.cfg.Adapter.Broadcast(ctx, t.rec.RawSigned)

		var rejErr *chain.RejectionError
		switch {
		case err == nil:
			return e.submitted(t, height, txid, nil)

		case errors.Is(err, chain.ErrRateLimited):
			e.logBackoff(t, "broadcast", err)
			return stepWait

		case errors.As(err, &rejErr):
			return e.rejected(ctx, t, height, rejErr)

		case ctx.Err() != nil:
			return stepWait
		}

		lastErr = err
		log.Warnf("Payment %v: broadcast of %v failed (try %d/%d): %v",
			t.id, t.rec.ChainTxID, i+1, tries, err)
	}

	return e.submitted(t, height, "", &TransientNetworkError{
		Tries: tries,
		Err:   lastErr,
	})
}

// submitted records a broadcast of the current transaction.
func (e *Engine) submitted(t *task, height int64, txid string,
	cause error) stepResult {

	next := t.rec.Copy()
	if txid != "" && txid != next.ChainTxID {
		log.Warnf("Payment %v: chain reported id %v for %v", t.id, txid,
			next.ChainTxID)
	}

	if !slices.Contains(next.TxIDHistory, next.ChainTxID) {
		next.TxIDHistory = append(next.TxIDHistory, next.ChainTxID)
	}

	next.SubmittedAtBlock = height
	if next.FirstSubmittedAtBlock == 0 {
		next.FirstSubmittedAtBlock = height
	}
	next.LastError = ""

	if e.commit(t, next, wtxmgr.StateSubmitted, wtxmgr.LockKeep, height,
		cause) {

		t.prev = nil
	}

	return stepWait
}

// rejected handles a validation failure of a broadcast. A replacement that
// is refused while one of its predecessors is still known to the chain is
// tolerated: the predecessor may confirm, and the stuck check escalates
// again BlockOffset blocks later.
func (e *Engine) rejected(ctx context.Context, t *task, height int64,
	rejErr *chain.RejectionError) stepResult {

	rec := t.rec
	cause := &BroadcastRejectedError{
		ChainTxID: rec.ChainTxID,
		Attempt:   rec.Attempt,
		Err:       rejErr,
	}

	if rec.HasBroadcast() {
		status, _, err := e.pollHistory(ctx, t)
		if err != nil {
			e.logBackoff(t, "check predecessors", err)
			return stepWait
		}

		if status != nil {
			next := e.rollback(t, height)
			e.commit(t, next, wtxmgr.StateSubmitted,
				wtxmgr.LockKeep, height, cause)

			return stepWait
		}
	}

	return e.fail(t, rec.Copy(), height, cause)
}

// rollback returns the record to keep after a refused replacement. The
// transaction goes back to the one the replacement was built from while
// the attempt count stays raised, so the next replacement pays more. The
// stuck check restarts from height. After a restart the predecessor is
// unknown and only the height is reset.
func (e *Engine) rollback(t *task, height int64) *wtxmgr.TxRecord {
	next := t.rec.Copy()

	prev := t.prev
	if prev != nil && slices.Contains(next.TxIDHistory, prev.ChainTxID) {
		restored := prev.Copy()

		next.Fee = restored.Fee
		next.Change = restored.Change
		next.RawUnsigned = restored.RawUnsigned
		next.RawSigned = restored.RawSigned
		next.ChainTxID = restored.ChainTxID
	}
	next.SubmittedAtBlock = height

	log.Debugf("Payment %v: keeping %v after refused replacement "+
		"(attempt %d)", t.id, next.ChainTxID, next.Attempt)

	return next
}

// pollHistory returns the most advanced status among every broadcast id
// of the payment, with the id it belongs to. A nil status means the chain
// knows none of them.
func (e *Engine) pollHistory(ctx context.Context,
	t *task) (*chain.TxStatus, string, error) {

	var (
		best    *chain.TxStatus
		bestID  string
		lastErr error
		failed  int
		history = t.rec.TxIDHistory
	)

	// Newest first, the latest replacement is the likeliest to confirm.
	for i := len(history) - 1; i >= 0; i-- {
		id := history[i]

		status, err := t.cfg.Adapter.Status(ctx, id)
		switch {
		case errors.Is(err, chain.ErrTxNotFound):
			continue

		case errors.Is(err, chain.ErrRateLimited):
			return nil, "", err

		case err != nil:
			lastErr = err
			failed++

			continue
		}

		if best == nil || status.Confirmations > best.Confirmations {
			best, bestID = status, id
		}
	}

	if best == nil && failed > 0 {
		return nil, "", lastErr
	}

	return best, bestID, nil
}

// monitor polls a broadcast payment and decides whether it confirmed, is
// stuck or passed its deadline.
func (e *Engine) monitor(ctx context.Context, t *task,
	height int64) stepResult {

	var (
		rec    = t.rec
		policy = t.cfg.Policy
	)

	status, id, err := e.pollHistory(ctx, t)
	if err != nil {
		e.logBackoff(t, "poll status", err)
		return stepWait
	}

	if status != nil && status.Confirmations >= policy.EnoughConfirmations {
		return e.confirm(t, id, status, height)
	}

	if status != nil && rec.State == wtxmgr.StateSubmitted {
		if !e.commit(t, rec.Copy(), wtxmgr.StatePending,
			wtxmgr.LockKeep, height, nil) {

			return stepWait
		}
		rec = t.rec
	}

	// A mined transaction is only waiting for confirmations.
	if status != nil && status.Confirmations > 0 {
		return stepWait
	}

	if height-rec.FirstSubmittedAtBlock >= policy.ExecutionBlockOffset {
		return e.fail(t, rec.Copy(), height,
			e.stuckErr(t, height, true))
	}

	if height-rec.SubmittedAtBlock >= policy.BlockOffset {
		if rec.Attempt >= policy.replacements() {
			return e.fail(t, rec.Copy(), height,
				e.stuckErr(t, height, false))
		}

		if !e.commit(t, rec.Copy(), wtxmgr.StateReplacing,
			wtxmgr.LockKeep, height, nil) {

			return stepWait
		}

		return stepAgain
	}

	if status == nil {
		e.rebroadcast(ctx, t)
	}

	return stepWait
}

// confirm records that id confirmed the payment and marks its inputs
// spent.
func (e *Engine) confirm(t *task, id string, status *chain.TxStatus,
	height int64) stepResult {

	next := t.rec.Copy()
	next.ConfirmedTxID = id
	next.ConfirmedAtBlock = fn.Some(status.BlockHeight)
	next.LastError = ""

	e.commit(t, next, wtxmgr.StateConfirmed, wtxmgr.LockSpend, height, nil)

	return stepWait
}

// awaitConfirmation keeps polling the broadcast ids of a payment whose
// replacement cannot be built yet.
func (e *Engine) awaitConfirmation(ctx context.Context, t *task,
	height int64) stepResult {

	status, id, err := e.pollHistory(ctx, t)
	if err != nil {
		e.logBackoff(t, "poll status", err)
		return stepWait
	}

	if status != nil &&
		status.Confirmations >= t.cfg.Policy.EnoughConfirmations {

		return e.confirm(t, id, status, height)
	}

	return stepWait
}

// stuckErr describes a payment that is given up on.
func (e *Engine) stuckErr(t *task, height int64,
	deadline bool) *StuckExhaustedError {

	return &StuckExhaustedError{
		Attempt:               t.rec.Attempt,
		Retries:               t.cfg.Policy.replacements(),
		Deadline:              deadline,
		FirstSubmittedAtBlock: t.rec.FirstSubmittedAtBlock,
		SubmittedAtBlock:      t.rec.SubmittedAtBlock,
		Height:                height,
		Fee:                   t.rec.Fee,
		LastError:             t.rec.LastError,
	}
}

// rebroadcast sends the current transaction again when the chain forgot
// it. The outcome only matters to the next poll.
func (e *Engine) rebroadcast(ctx context.Context, t *task) {
	rec := t.rec
	if len(rec.RawSigned) == 0 ||
		!slices.Contains(rec.TxIDHistory, rec.ChainTxID) {

		return
	}

	_, err := t.cfg.Adapter.Broadcast(ctx, rec.RawSigned)
	if err != nil {
		log.Debugf("Payment %v: rebroadcast of %v failed: %v", t.id,
			rec.ChainTxID, err)

		return
	}

	log.Debugf("Payment %v: rebroadcast %v", t.id, rec.ChainTxID)
}

// replace rebuilds a stuck payment on the same inputs with a higher fee
// and signs it. The fee increase is taken from the change; a payment
// whose change cannot absorb it fails rather than paying out of the
// amount.
func (e *Engine) replace(ctx context.Context, t *task,
	height int64) stepResult {

	var (
		rec     = t.rec
		cc      = t.cfg
		attempt = rec.Attempt + 1
	)

	size, err := cc.Builder.EstimateSize(
		rec.Inputs, rec.DestinationAddress, rec.ChangeAddress, true,
	)
	if err != nil {
		return e.fail(t, rec.Copy(), height, err)
	}

	estimate, err := cc.estimator.Estimate(ctx, size, attempt)
	if err != nil {
		e.logBackoff(t, "estimate replacement fee", err)
		return e.awaitConfirmation(ctx, t, height)
	}

	fee := max(estimate, txfees.BumpFee(
		rec.Fee, size, cc.estimator.Policy().IncrementalRatePerKB,
	))

	if rec.Change.IsNone() || fee-rec.Fee > rec.ChangeValue() {
		return e.fail(t, rec.Copy(), height, bumpErr(rec, fee))
	}

	tx, err := cc.Builder.Build(&txbuilder.Request{
		Inputs:        rec.Inputs,
		Source:        rec.SourceAddress,
		Destination:   rec.DestinationAddress,
		Amount:        rec.Amount,
		Fee:           fee,
		FeeNoChange:   fee,
		ChangeAddress: rec.ChangeAddress,
		DesiredChange: cc.Policy.DesiredChangeValue,
		Height:        height,
	})

	var insufficient *txbuilder.InsufficientInputsError
	switch {
	case errors.As(err, &insufficient):
		return e.fail(t, rec.Copy(), height, bumpErr(rec, fee))

	case err != nil:
		return e.fail(t, rec.Copy(), height, err)
	}

	next := rec.Copy()
	next.Attempt = attempt
	next.Fee = tx.Fee
	next.Change = changeOption(tx.Change)
	next.RawUnsigned = tx.Raw
	next.RawSigned = nil
	next.ChainTxID = ""

	if err := e.sign(ctx, t, next); err != nil {
		if ctx.Err() != nil {
			return stepWait
		}

		return e.fail(t, rec.Copy(), height, err)
	}

	log.Debugf("Payment %v: replacement %v pays fee %v (was %v)", t.id,
		next.ChainTxID, next.Fee, rec.Fee)

	if !e.commit(t, next, wtxmgr.StateSigned, wtxmgr.LockKeep, height,
		nil) {

		return stepWait
	}
	t.prev = rec

	return stepAgain
}

// bumpErr describes a fee increase the change cannot absorb.
func bumpErr(rec *wtxmgr.TxRecord, fee btcutil.Amount) error {
	return fmt.Errorf("%w: fee %v -> %v with change %v",
		ErrFeeBumpExceedsChange, rec.Fee, fee, rec.ChangeValue())
}

// watchFinality checks that a confirmed payment stays in the chain until
// it is FinalityDepth deep.
func (e *Engine) watchFinality(ctx context.Context, t *task,
	height int64) stepResult {

	rec := t.rec
	confirmedAt := rec.ConfirmedAtBlock.UnwrapOr(height)

	status, err := t.cfg.Adapter.Status(ctx, rec.ConfirmedTxID)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):

	case err != nil:
		e.logBackoff(t, "poll confirmed status", err)
		return stepWait

	case status.Confirmations > 0:
		if height-confirmedAt+1 >= t.cfg.Policy.FinalityDepth {
			log.Debugf("Payment %v: %v final at height %d", t.id,
				rec.ConfirmedTxID, height)

			return stepDone
		}

		return stepWait
	}

	cause := &ReorgDetectedError{
		ChainTxID:        rec.ConfirmedTxID,
		ConfirmedAtBlock: confirmedAt,
		Height:           height,
	}
	if !e.commit(t, rec.Copy(), wtxmgr.StateReorged, wtxmgr.LockKeep,
		height, cause) {

		return stepWait
	}

	return stepDone
}

// watchLate watches a failed or abandoned payment whose transaction was
// broadcast. Should one of its transactions confirm, the confirmation is
// recorded and the inputs are marked spent.
func (e *Engine) watchLate(ctx context.Context, t *task,
	height int64) stepResult {

	rec := t.rec
	if !rec.HasBroadcast() || rec.LateConfirmation {
		return stepDone
	}

	if height-rec.ClosedAtBlock >= t.cfg.Policy.ExecutionBlockOffset {
		log.Debugf("Payment %v: no late confirmation by height %d",
			t.id, height)

		return stepDone
	}

	status, id, err := e.pollHistory(ctx, t)
	switch {
	case err != nil:
		e.logBackoff(t, "poll status", err)
		return stepWait

	case status == nil,
		status.Confirmations < t.cfg.Policy.EnoughConfirmations:

		return stepWait
	}

	log.Warnf("Payment %v: %v confirmed after the payment was %v", t.id,
		id, rec.State)

	next := rec.Copy()
	next.LateConfirmation = true
	next.ConfirmedTxID = id
	next.ConfirmedAtBlock = fn.Some(status.BlockHeight)

	if !e.commit(t, next, rec.State, wtxmgr.LockSpend, height, nil) {
		return stepWait
	}

	return stepDone
}
