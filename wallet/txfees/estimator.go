// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txfees turns chain fee statistics into the fee of a transaction.
package txfees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/pkg/unit"
)

// FeeSource provides fee market statistics. chain.Adapter implements it.
type FeeSource interface {
	FeeStats(ctx context.Context) (*chain.FeeStats, error)
}

// FeeUnavailableError is returned when no fee rate can be determined: the
// chain failed to report statistics, nothing was cached and no floor is
// configured.
type FeeUnavailableError struct {
	Err error
}

// Error returns the cause of the failure.
func (e *FeeUnavailableError) Error() string {
	return fmt.Sprintf("fee rate unavailable: %v", e.Err)
}

// Unwrap returns the error reported by the fee source.
func (e *FeeUnavailableError) Unwrap() error {
	return e.Err
}

// Estimator computes fees from a FeeSource and a FeePolicy. The last good
// base rate is cached and used when the source fails. An Estimator is safe
// for concurrent use.
type Estimator struct {
	source   FeeSource
	policy   FeePolicy
	increase *big.Rat

	mu       sync.Mutex
	lastBase unit.PerKB
}

// NewEstimator creates an estimator. Every escalation attempt multiplies
// the rate by increase.
func NewEstimator(source FeeSource, policy FeePolicy,
	increase *big.Rat) (*Estimator, error) {

	if source == nil {
		return nil, errors.New("missing fee source")
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if increase == nil {
		increase = big.NewRat(1, 1)
	}

	if increase.Cmp(big.NewRat(1, 1)) < 0 {
		return nil, fmt.Errorf("fee increase factor %v below 1",
			increase.RatString())
	}

	return &Estimator{
		source:   source,
		policy:   policy,
		increase: new(big.Rat).Set(increase),
	}, nil
}

// Policy returns the validated policy of the estimator.
func (e *Estimator) Policy() FeePolicy {
	return e.policy
}

// baseRate returns the clamped market rate, falling back to the cached rate
// and then to the configured floor.
func (e *Estimator) baseRate(ctx context.Context) (unit.PerKB, error) {
	stats, err := e.source.FeeStats(ctx)
	if err == nil {
		rate, ok := stats.RateAt(e.policy.Percentile)
		if !ok {
			err = errors.New("no fee rates reported")
		} else {
			base := unit.NewPerKB(rate).Mul(e.policy.SafetyFactor).
				Clamp(e.policy.MinRatePerKB, e.policy.MaxRatePerKB)

			e.mu.Lock()
			e.lastBase = base
			e.mu.Unlock()

			return base, nil
		}
	}

	// A canceled caller gets its own error, not a fallback rate.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return unit.PerKB{}, ctxErr
	}

	e.mu.Lock()
	cached := e.lastBase
	e.mu.Unlock()

	switch {
	case !cached.IsZero():
		log.Warnf("Fee stats unavailable, using cached rate %v: %v",
			cached, err)

		return cached, nil

	case e.policy.MinRatePerKB > 0:
		log.Warnf("Fee stats unavailable, using floor rate %v: %v",
			e.policy.MinRatePerKB, err)

		return unit.NewPerKB(e.policy.MinRatePerKB), nil
	}

	return unit.PerKB{}, &FeeUnavailableError{Err: err}
}

// RateFor returns the rate to pay on the given attempt. Attempt 0 pays the
// base rate; every further attempt multiplies it by the increase factor.
func (e *Estimator) RateFor(ctx context.Context,
	attempt uint32) (unit.PerKB, error) {

	base, err := e.baseRate(ctx)
	if err != nil {
		return unit.PerKB{}, err
	}

	rate := base.Pow(e.increase, attempt)

	log.Tracef("Fee rate for attempt %d: %v (base %v)", attempt, rate,
		base)

	return rate, nil
}

// Estimate returns the fee of a transaction of the given size on the given
// attempt.
func (e *Estimator) Estimate(ctx context.Context, size unit.VByte,
	attempt uint32) (btcutil.Amount, error) {

	rate, err := e.RateFor(ctx, attempt)
	if err != nil {
		return 0, err
	}

	return rate.FeeForSize(size), nil
}

// BumpFee returns the lowest fee a replacement of size may pay: the
// previous fee plus the incremental relay fee for its size, and always at
// least one unit more than the previous fee.
func BumpFee(prevFee btcutil.Amount, size unit.VByte,
	incremental btcutil.Amount) btcutil.Amount {

	bumped := prevFee + unit.NewPerKB(incremental).FeeForSize(size)
	if bumped <= prevFee {
		bumped = prevFee + 1
	}

	return bumped
}
