// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// LockAction is applied to the locks of a record in the same database
// transaction that persists the record.
type LockAction uint8

const (
	// LockKeep leaves the locks untouched.
	LockKeep LockAction = iota

	// LockRelease releases every lock held by the record.
	LockRelease

	// LockSpend turns the inputs of the record into spent outputs.
	LockSpend
)

// Store persists transaction records together with the lock table of the
// outputs they spend. Every method runs in a single database transaction,
// so a crash never leaves a record and its locks out of step.
type Store struct {
	db    walletdb.DB
	clock clock.Clock
}

// Open prepares db for use by the store, creating the buckets on first
// use.
func Open(db walletdb.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	if err := walletdb.Update(db, createBuckets); err != nil {
		return nil, err
	}

	return &Store{db: db, clock: clk}, nil
}

// CreateLocked persists a new record and locks its inputs. If any input is
// locked by another record or already spent, nothing is written and a
// *LockConflictError naming every conflict is returned.
func (s *Store) CreateLocked(rec *TxRecord) error {
	if rec.ID == "" {
		return storeError(ErrInput, "record without id", nil)
	}

	if err := rec.CheckBalance(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		if existsRawTxRecord(ns, rec.ID) != nil {
			str := fmt.Sprintf("record %v already exists", rec.ID)
			return storeError(ErrRecordExists, str, nil)
		}

		err = acquireLocks(ns, rec.InputKeys(), rec.ID, s.clock)
		if err != nil {
			return err
		}

		return putTxRecord(ns, rec)
	})
}

// Acquire locks keys for holder without touching any record. Keys already
// held by holder are refreshed.
func (s *Store) Acquire(keys []string, holder string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		return acquireLocks(ns, keys, holder, s.clock)
	})
}

// acquireLocks checks every key and only writes when all of them are free.
func acquireLocks(ns walletdb.ReadWriteBucket, keys []string, holder string,
	clk clock.Clock) error {

	conflicts := make(map[string]string)
	for _, k := range keys {
		if spender := existsSpent(ns, k); spender != nil {
			conflicts[k] = string(spender)
			continue
		}

		l, err := fetchLock(ns, k)
		if err != nil {
			return err
		}
		if l != nil && l.Holder != holder {
			conflicts[k] = l.Holder
		}
	}

	if len(conflicts) > 0 {
		return &LockConflictError{Holders: conflicts}
	}

	now := clk.Now()
	for _, k := range keys {
		err := putLock(ns, Lock{Key: k, Holder: holder, AcquiredAt: now})
		if err != nil {
			return err
		}
	}

	return nil
}

// Commit persists an updated record and applies action to its locks.
func (s *Store) Commit(rec *TxRecord, action LockAction) error {
	if err := rec.CheckBalance(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		if existsRawTxRecord(ns, rec.ID) == nil {
			str := fmt.Sprintf("no record for payment %v", rec.ID)
			return storeError(ErrRecordNotFound, str, nil)
		}

		switch action {
		case LockRelease:
			if err := releaseLocks(ns, rec.ID); err != nil {
				return err
			}

		case LockSpend:
			err := spendKeys(ns, rec.InputKeys(), rec.ID)
			if err != nil {
				return err
			}
		}

		return putTxRecord(ns, rec)
	})
}

// Release drops every lock held by holder.
func (s *Store) Release(holder string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		return releaseLocks(ns, holder)
	})
}

// MarkSpent records keys as spent by holder and drops holder's locks on
// them.
func (s *Store) MarkSpent(keys []string, holder string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		return spendKeys(ns, keys, holder)
	})
}

// releaseLocks deletes the locks of holder. Keys are collected before
// deleting since a bucket must not be modified while it is iterated.
func releaseLocks(ns walletdb.ReadWriteBucket, holder string) error {
	locks, err := fetchLocks(ns)
	if err != nil {
		return err
	}

	for _, l := range locks {
		if l.Holder != holder {
			continue
		}

		if err := deleteLock(ns, l.Key); err != nil {
			return err
		}
	}

	return nil
}

// spendKeys marks keys spent by holder. A lock held by another record on
// one of the keys is left in place; that record can no longer confirm and
// will notice on chain.
func spendKeys(ns walletdb.ReadWriteBucket, keys []string,
	holder string) error {

	for _, k := range keys {
		l, err := fetchLock(ns, k)
		if err != nil {
			return err
		}

		switch {
		case l == nil:

		case l.Holder == holder:
			if err := deleteLock(ns, k); err != nil {
				return err
			}

		default:
			log.Warnf("Output %v spent by %v is locked by %v", k,
				holder, l.Holder)
		}

		if err := putSpent(ns, k, holder); err != nil {
			return err
		}
	}

	return nil
}

// FetchRecord returns the record with the given id.
func (s *Store) FetchRecord(id string) (*TxRecord, error) {
	var rec *TxRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns, err := readNamespace(tx)
		if err != nil {
			return err
		}

		rec, err = fetchTxRecord(ns, id)
		return err
	})

	return rec, err
}

// Records returns every stored record ordered by creation time.
func (s *Store) Records() ([]*TxRecord, error) {
	var recs []*TxRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns, err := readNamespace(tx)
		if err != nil {
			return err
		}

		b := ns.NestedReadBucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeTxRecord(v)
			if err != nil {
				str := fmt.Sprintf("%s: failed to decode record "+
					"%s", bucketRecords, k)
				return storeError(ErrData, str, err)
			}

			recs = append(recs, r)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}

		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})

	return recs, nil
}

// DeleteRecord removes a record, its locks and the spent markers it owns.
// It is used once the record has been archived.
func (s *Store) DeleteRecord(id string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := namespace(tx)
		if err != nil {
			return err
		}

		if existsRawTxRecord(ns, id) == nil {
			str := fmt.Sprintf("no record for payment %v", id)
			return storeError(ErrRecordNotFound, str, nil)
		}

		if err := releaseLocks(ns, id); err != nil {
			return err
		}

		spent, err := fetchSpent(ns)
		if err != nil {
			return err
		}
		for k, holder := range spent {
			if holder != id {
				continue
			}

			if err := deleteSpent(ns, k); err != nil {
				return err
			}
		}

		return deleteTxRecord(ns, id)
	})
}

// Locks returns every held lock ordered by key.
func (s *Store) Locks() ([]Lock, error) {
	var locks []Lock
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns, err := readNamespace(tx)
		if err != nil {
			return err
		}

		locks, err = fetchLocks(ns)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Key < locks[j].Key
	})

	return locks, nil
}

// Spent returns every output key known to be spent, mapped to the record
// that spent it.
func (s *Store) Spent() (map[string]string, error) {
	var spent map[string]string
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns, err := readNamespace(tx)
		if err != nil {
			return err
		}

		spent, err = fetchSpent(ns)
		return err
	})

	return spent, err
}

// Drop deletes every record, lock and spent marker kept in db and recreates
// the empty namespace. Payments still in flight are forgotten, so their
// outputs may be selected again.
func Drop(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket(namespaceKey)
		if err != nil && err != walletdb.ErrBucketNotFound {
			return err
		}

		return createBuckets(tx)
	})
}
