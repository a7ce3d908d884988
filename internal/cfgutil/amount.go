// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field. Values
// are integers in the smallest unit of the chain, such as satoshis or drops.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return strconv.FormatInt(int64(a.Amount), 10), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return err
	}
	a.Amount = btcutil.Amount(v)
	return nil
}

// RatioFlag holds an exact positive ratio given as a decimal ("1.5") or a
// fraction ("3/2"). The zero value is unset.
type RatioFlag struct {
	*big.Rat
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (r *RatioFlag) MarshalFlag() (string, error) {
	if r.Rat == nil {
		return "", nil
	}
	return r.RatString(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (r *RatioFlag) UnmarshalFlag(value string) error {
	rat, err := unit.ParseRatio(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	r.Rat = rat
	return nil
}

// CountFlag holds an optional non-negative count. Unlike a plain integer
// option, an explicit zero is kept apart from the unset value.
type CountFlag struct {
	fn.Option[uint32]
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (c *CountFlag) MarshalFlag() (string, error) {
	return fn.MapOptionZ(c.Option, func(v uint32) string {
		return strconv.FormatUint(uint64(v), 10)
	}), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (c *CountFlag) UnmarshalFlag(value string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return err
	}
	c.Option = fn.Some(uint32(v))
	return nil
}
