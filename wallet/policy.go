// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Defaults of the StuckTransactionPolicy fields.
const (
	DefaultBlockOffset          = 6
	DefaultExecutionBlockOffset = 72
	DefaultRetries              = 3
	DefaultFeeIncreaseFactor    = "3/2"
	DefaultEnoughConfirmations  = 1
	DefaultMinConfirmations     = 1
	DefaultFinalityDepth        = 6
	DefaultMaxLockRetries       = 3
	DefaultBroadcastRetries     = 3
	DefaultBroadcastBackoff     = time.Second
	DefaultPollInterval         = 30 * time.Second
)

// StuckTransactionPolicy controls how payments on one chain are selected,
// monitored and replaced. Heights are counted in blocks, or validated
// ledgers on account chains. Zero fields take their default, except for
// the retry counts, where zero is a valid setting and None takes the
// default.
type StuckTransactionPolicy struct {
	// BlockOffset is the number of blocks an unconfirmed transaction may
	// wait before it is replaced with a higher fee.
	BlockOffset int64

	// ExecutionBlockOffset is the number of blocks after the first
	// broadcast at which an unconfirmed payment fails, whatever its
	// attempt count. It also bounds how long a failed or abandoned
	// payment is watched for a late confirmation.
	ExecutionBlockOffset int64

	// Retries is the number of replacements allowed.
	Retries fn.Option[uint32]

	// FeeIncreaseFactor multiplies the fee rate on every replacement. It
	// must be above one.
	FeeIncreaseFactor *big.Rat

	// EnoughConfirmations is the confirmation count at which a payment is
	// confirmed.
	EnoughConfirmations int64

	// DesiredChangeValue is the smallest change output worth creating.
	DesiredChangeValue btcutil.Amount

	// MinConfirmations is the confirmation count an output needs to be
	// selected.
	MinConfirmations int64

	// FinalityDepth is the number of blocks a confirmed payment is
	// watched for a reorg.
	FinalityDepth int64

	// MaxLockRetries bounds reselection when inputs are lost to
	// concurrent payments.
	MaxLockRetries fn.Option[int]

	// BroadcastRetries bounds the retries of a broadcast that failed in
	// transport.
	BroadcastRetries fn.Option[int]

	// BroadcastBackoff is the delay before the first broadcast retry. It
	// doubles on every retry.
	BroadcastBackoff time.Duration

	// PollInterval is the delay between two status checks.
	PollInterval time.Duration
}

// Validate checks the policy and fills in defaults for unset fields.
func (p *StuckTransactionPolicy) Validate() error {
	if p.BlockOffset == 0 {
		p.BlockOffset = DefaultBlockOffset
	}
	if p.ExecutionBlockOffset == 0 {
		p.ExecutionBlockOffset = DefaultExecutionBlockOffset
	}
	if p.Retries.IsNone() {
		p.Retries = fn.Some[uint32](DefaultRetries)
	}
	if p.FeeIncreaseFactor == nil {
		p.FeeIncreaseFactor, _ = new(big.Rat).SetString(
			DefaultFeeIncreaseFactor,
		)
	}
	if p.EnoughConfirmations == 0 {
		p.EnoughConfirmations = DefaultEnoughConfirmations
	}
	if p.MinConfirmations == 0 {
		p.MinConfirmations = DefaultMinConfirmations
	}
	if p.FinalityDepth == 0 {
		p.FinalityDepth = DefaultFinalityDepth
	}
	if p.MaxLockRetries.IsNone() {
		p.MaxLockRetries = fn.Some(DefaultMaxLockRetries)
	}
	if p.BroadcastRetries.IsNone() {
		p.BroadcastRetries = fn.Some(DefaultBroadcastRetries)
	}
	if p.BroadcastBackoff == 0 {
		p.BroadcastBackoff = DefaultBroadcastBackoff
	}
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}

	switch {
	case p.BlockOffset < 0, p.ExecutionBlockOffset < 0:
		return errors.New("block offsets must be positive")

	case p.ExecutionBlockOffset <= p.BlockOffset:
		return fmt.Errorf("execution block offset %d must exceed "+
			"block offset %d", p.ExecutionBlockOffset,
			p.BlockOffset)

	case p.FeeIncreaseFactor.Cmp(big.NewRat(1, 1)) <= 0:
		return fmt.Errorf("fee increase factor %v must be above 1",
			p.FeeIncreaseFactor.RatString())

	case p.EnoughConfirmations < 0, p.MinConfirmations < 0,
		p.FinalityDepth < 0:

		return errors.New("confirmation counts must not be negative")

	case p.FinalityDepth < p.EnoughConfirmations:
		return fmt.Errorf("finality depth %d below enough "+
			"confirmations %d", p.FinalityDepth,
			p.EnoughConfirmations)

	case p.DesiredChangeValue < 0:
		return errors.New("desired change must not be negative")

	case p.lockRetries() < 0, p.broadcastRetries() < 0:
		return errors.New("retry counts must not be negative")

	case p.BroadcastBackoff < 0, p.PollInterval < 0:
		return errors.New("durations must not be negative")
	}

	return nil
}

// replacements returns the number of replacements allowed.
func (p *StuckTransactionPolicy) replacements() uint32 {
	return p.Retries.UnwrapOr(DefaultRetries)
}

// lockRetries returns the number of reselections after a lock conflict.
func (p *StuckTransactionPolicy) lockRetries() int {
	return p.MaxLockRetries.UnwrapOr(DefaultMaxLockRetries)
}

// broadcastRetries returns the number of retries of a broadcast that
// failed in transport.
func (p *StuckTransactionPolicy) broadcastRetries() int {
	return p.BroadcastRetries.UnwrapOr(DefaultBroadcastRetries)
}
