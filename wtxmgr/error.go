// Copyright (c) 2014-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific TxStoreError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the TxStoreError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrData describes an error where data stored in the transaction
	// database is incorrect.  This may be due to missing values, values of
	// wrong sizes, or data from different buckets that is inconsistent with
	// itself.
	ErrData

	// ErrInput describes an error where the variables passed into this
	// function by the caller are obviously incorrect.
	ErrInput

	// ErrRecordNotFound indicates that the requested transaction record is
	// not known to the store.
	ErrRecordNotFound

	// ErrRecordExists indicates that a record with the same id is already
	// stored.
	ErrRecordExists

	// ErrUnbalanced indicates that the inputs of a record do not equal
	// the sum of its amount, fee and change.
	ErrUnbalanced
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:       "ErrDatabase",
	ErrData:           "ErrData",
	ErrInput:          "ErrInput",
	ErrRecordNotFound: "ErrRecordNotFound",
	ErrRecordExists:   "ErrRecordExists",
	ErrUnbalanced:     "ErrUnbalanced",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxStoreError provides a single type for errors that can happen during tx
// store operation.
type TxStoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxStoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e TxStoreError) Unwrap() error {
	return e.Err
}

// storeError creates a TxStoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) TxStoreError {
	return TxStoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is a TxStoreError with a matching error code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(TxStoreError)
	return ok && e.ErrorCode == code
}

// LockConflictError is returned when an output requested by one
// transaction is held or already spent by another.
type LockConflictError struct {
	// Holders maps every conflicting output key to the transaction that
	// holds it.
	Holders map[string]string
}

// Keys returns the conflicting output keys in sorted order.
func (e *LockConflictError) Keys() []string {
	keys := make([]string, 0, len(e.Holders))
	for k := range e.Holders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Error lists the conflicting outputs.
func (e *LockConflictError) Error() string {
	parts := make([]string, 0, len(e.Holders))
	for _, k := range e.Keys() {
		parts = append(parts, fmt.Sprintf("%s held by %s", k,
			e.Holders[k]))
	}

	return "outputs unavailable: " + strings.Join(parts, ", ")
}
