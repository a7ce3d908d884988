// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txfees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// DefaultPercentile is the fee market percentile used when none is
	// configured.
	DefaultPercentile = 50

	// DefaultSafetyFactor is the multiplier applied to the market rate when
	// none is configured.
	DefaultSafetyFactor = "1"
)

// FeePolicy is the per-chain fee configuration. A zero field takes its
// default in Validate.
type FeePolicy struct {
	// Percentile selects the market rate that is used as base.
	Percentile int

	// SafetyFactor multiplies the market rate, e.g. 5/4 pays a quarter
	// above the median.
	SafetyFactor *big.Rat

	// MinRatePerKB is the lowest base rate paid. It also serves as the
	// fallback when the chain cannot report fee statistics.
	MinRatePerKB btcutil.Amount

	// MaxRatePerKB caps the base rate. Zero means unbounded. Escalation of
	// a stuck transaction may go above it.
	MaxRatePerKB btcutil.Amount

	// IncrementalRatePerKB is the minimum rate by which a replacement must
	// increase the fee.
	IncrementalRatePerKB btcutil.Amount
}

// Validate checks the policy and fills in defaults for unset fields.
func (p *FeePolicy) Validate() error {
	if p.Percentile == 0 {
		p.Percentile = DefaultPercentile
	}

	if p.Percentile < 1 || p.Percentile > 100 {
		return fmt.Errorf("percentile %d out of range [1, 100]",
			p.Percentile)
	}

	if p.SafetyFactor == nil {
		p.SafetyFactor, _ = new(big.Rat).SetString(DefaultSafetyFactor)
	}

	if p.SafetyFactor.Sign() <= 0 {
		return errors.New("safety factor must be positive")
	}

	if p.MinRatePerKB < 0 || p.MaxRatePerKB < 0 {
		return errors.New("fee rate bounds must not be negative")
	}

	if p.MaxRatePerKB != 0 && p.MaxRatePerKB < p.MinRatePerKB {
		return fmt.Errorf("max rate %v below min rate %v",
			p.MaxRatePerKB, p.MinRatePerKB)
	}

	if p.IncrementalRatePerKB == 0 {
		p.IncrementalRatePerKB = txrules.DefaultRelayFeePerKb
	}

	if p.IncrementalRatePerKB < 0 {
		return errors.New("incremental rate must not be negative")
	}

	return nil
}
