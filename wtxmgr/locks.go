// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"sync"
)

// LockTable is the write-through lock index of the engine. Reads are
// served from memory; writes go to the store first and only touch the
// index once the database transaction committed. The index is rebuilt from
// the store when the table is created, so locks survive restarts.
type LockTable struct {
	store *Store

	mu    sync.RWMutex
	locks map[string]Lock
	spent map[string]string
}

// NewLockTable loads the persisted locks of store.
func NewLockTable(store *Store) (*LockTable, error) {
	l := &LockTable{store: store}
	if err := l.reload(); err != nil {
		return nil, err
	}

	log.Debugf("Loaded %d locks and %d spent outputs", len(l.locks),
		len(l.spent))

	return l, nil
}

// reload replaces the index with the store content.
func (l *LockTable) reload() error {
	locks, err := l.store.Locks()
	if err != nil {
		return err
	}

	spent, err := l.store.Spent()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]Lock, len(locks))
	for _, lk := range locks {
		l.locks[lk.Key] = lk
	}
	l.spent = spent

	return nil
}

// Store returns the backing store.
func (l *LockTable) Store() *Store {
	return l.store
}

// Acquire locks keys for owner. Either all keys are locked or, on a
// *LockConflictError, none.
func (l *LockTable) Acquire(keys []string, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Acquire(keys, owner); err != nil {
		return err
	}

	l.addLocked(keys, owner)

	return nil
}

// AcquireRecord persists a new record and locks its inputs atomically.
func (l *LockTable) AcquireRecord(rec *TxRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.CreateLocked(rec); err != nil {
		return err
	}

	l.addLocked(rec.InputKeys(), rec.ID)

	return nil
}

// addLocked updates the index after a successful acquire. The caller must
// hold mu.
func (l *LockTable) addLocked(keys []string, owner string) {
	now := l.store.clock.Now()
	for _, k := range keys {
		l.locks[k] = Lock{Key: k, Holder: owner, AcquiredAt: now}
	}
}

// Commit persists rec and applies action to its locks.
func (l *LockTable) Commit(rec *TxRecord, action LockAction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Commit(rec, action); err != nil {
		return err
	}

	switch action {
	case LockRelease:
		l.releaseLocked(rec.ID)

	case LockSpend:
		l.spendLocked(rec.InputKeys(), rec.ID)
	}

	return nil
}

// Release drops every lock of owner.
func (l *LockTable) Release(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Release(owner); err != nil {
		return err
	}

	l.releaseLocked(owner)

	return nil
}

// MarkSpent records keys as spent by owner.
func (l *LockTable) MarkSpent(keys []string, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.MarkSpent(keys, owner); err != nil {
		return err
	}

	l.spendLocked(keys, owner)

	return nil
}

// Forget deletes the record id together with its locks and spent markers.
func (l *LockTable) Forget(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.DeleteRecord(id); err != nil {
		return err
	}

	l.releaseLocked(id)
	for k, holder := range l.spent {
		if holder == id {
			delete(l.spent, k)
		}
	}

	return nil
}

func (l *LockTable) releaseLocked(owner string) {
	for k, lk := range l.locks {
		if lk.Holder == owner {
			delete(l.locks, k)
		}
	}
}

func (l *LockTable) spendLocked(keys []string, owner string) {
	for _, k := range keys {
		if lk, ok := l.locks[k]; ok && lk.Holder == owner {
			delete(l.locks, k)
		}
		l.spent[k] = owner
	}
}

// Holder returns the record holding key, if any.
func (l *LockTable) Holder(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lk, ok := l.locks[key]
	return lk.Holder, ok
}

// IsLocked reports whether key is held by an in-flight record.
func (l *LockTable) IsLocked(key string) bool {
	_, ok := l.Holder(key)
	return ok
}

// IsSpent reports whether key was spent by a confirmed record.
func (l *LockTable) IsSpent(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.spent[key]
	return ok
}

// Unavailable reports whether key is either locked or spent. It is the
// predicate handed to coin selection.
func (l *LockTable) Unavailable(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.locks[key]; ok {
		return true
	}
	_, ok := l.spent[key]

	return ok
}

// Locks returns a snapshot of the held locks keyed by output.
func (l *LockTable) Locks() map[string]Lock {
	l.mu.RLock()
	defer l.mu.RUnlock()

	locks := make(map[string]Lock, len(l.locks))
	for k, lk := range l.locks {
		locks[k] = lk
	}

	return locks
}
