// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: The namespace bucket for this package
//   b:  The primary bucket being operated on
//   k:  A single bucket key
//   v:  A single bucket value
//
// Functions use the naming scheme `Op[Raw]Type[Field]`, which performs the
// operation `Op` on the type `Type`, optionally dealing with raw keys and
// values if `Raw` is used.  The following operations are used:
//
//   key:     return a db key for some data
//   value:   return a db value for some data
//   put:     insert or replace a value into a bucket
//   fetch:   read and return a value
//   exists:  return the raw (nil if not found) value for some data
//   delete:  remove a k/v pair
//
// Records are keyed by payment id.  Locks and spent markers are keyed by
// the output key "txid:index" and hold the id of the payment that owns the
// output.

// Bucket names
var (
	namespaceKey = []byte("wtxmgr")

	bucketRecords = []byte("r")
	bucketLocks   = []byte("l")
	bucketSpent   = []byte("s")
)

// Lock is an output held by an in-flight payment.
type Lock struct {
	// Key is the output key.
	Key string

	// Holder is the id of the payment holding the output.
	Holder string

	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time
}

// createBuckets creates the namespace and its buckets if they are missing.
func createBuckets(tx walletdb.ReadWriteTx) error {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		var err error
		ns, err = tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			str := "failed to create namespace"
			return storeError(ErrDatabase, str, err)
		}
	}

	for _, key := range [][]byte{bucketRecords, bucketLocks, bucketSpent} {
		if _, err := ns.CreateBucketIfNotExists(key); err != nil {
			str := fmt.Sprintf("failed to create bucket %s", key)
			return storeError(ErrDatabase, str, err)
		}
	}

	return nil
}

// namespace returns the read-write namespace bucket.
func namespace(tx walletdb.ReadWriteTx) (walletdb.ReadWriteBucket, error) {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		return nil, storeError(ErrData, "missing namespace", nil)
	}

	return ns, nil
}

// readNamespace returns the read-only namespace bucket.
func readNamespace(tx walletdb.ReadTx) (walletdb.ReadBucket, error) {
	ns := tx.ReadBucket(namespaceKey)
	if ns == nil {
		return nil, storeError(ErrData, "missing namespace", nil)
	}

	return ns, nil
}

func putTxRecord(ns walletdb.ReadWriteBucket, r *TxRecord) error {
	v, err := encodeTxRecord(r)
	if err != nil {
		str := fmt.Sprintf("failed to encode record %s", r.ID)
		return storeError(ErrData, str, err)
	}

	err = ns.NestedReadWriteBucket(bucketRecords).Put([]byte(r.ID), v)
	if err != nil {
		str := fmt.Sprintf("%s: put failed for %v", bucketRecords, r.ID)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

func existsRawTxRecord(ns walletdb.ReadBucket, id string) []byte {
	return ns.NestedReadBucket(bucketRecords).Get([]byte(id))
}

func fetchTxRecord(ns walletdb.ReadBucket, id string) (*TxRecord, error) {
	v := existsRawTxRecord(ns, id)
	if v == nil {
		str := fmt.Sprintf("no record for payment %v", id)
		return nil, storeError(ErrRecordNotFound, str, nil)
	}

	r, err := decodeTxRecord(v)
	if err != nil {
		str := fmt.Sprintf("%s: failed to decode record %v",
			bucketRecords, id)
		return nil, storeError(ErrData, str, err)
	}

	return r, nil
}

func deleteTxRecord(ns walletdb.ReadWriteBucket, id string) error {
	err := ns.NestedReadWriteBucket(bucketRecords).Delete([]byte(id))
	if err != nil {
		str := fmt.Sprintf("%s: delete failed for %v", bucketRecords, id)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

func valueLock(holder string, acquiredAt time.Time) ([]byte, error) {
	var (
		h  = []byte(holder)
		at = unixNano(acquiredAt)
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeLockHolder, &h),
		tlv.MakePrimitiveRecord(typeLockAcquiredAt, &at),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tlvStream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func readLock(k, v []byte) (Lock, error) {
	var (
		holder []byte
		at     uint64
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeLockHolder, &holder),
		tlv.MakePrimitiveRecord(typeLockAcquiredAt, &at),
	)
	if err != nil {
		return Lock{}, err
	}

	if err := tlvStream.Decode(bytes.NewReader(v)); err != nil {
		str := fmt.Sprintf("%s: failed to decode lock %s", bucketLocks,
			k)
		return Lock{}, storeError(ErrData, str, err)
	}

	return Lock{
		Key:        string(k),
		Holder:     string(holder),
		AcquiredAt: fromUnixNano(at),
	}, nil
}

func putLock(ns walletdb.ReadWriteBucket, l Lock) error {
	v, err := valueLock(l.Holder, l.AcquiredAt)
	if err != nil {
		return storeError(ErrData, "failed to encode lock", err)
	}

	err = ns.NestedReadWriteBucket(bucketLocks).Put([]byte(l.Key), v)
	if err != nil {
		str := fmt.Sprintf("%s: put failed for %v", bucketLocks, l.Key)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

func fetchLock(ns walletdb.ReadBucket, key string) (*Lock, error) {
	v := ns.NestedReadBucket(bucketLocks).Get([]byte(key))
	if v == nil {
		return nil, nil
	}

	l, err := readLock([]byte(key), v)
	if err != nil {
		return nil, err
	}

	return &l, nil
}

func deleteLock(ns walletdb.ReadWriteBucket, key string) error {
	err := ns.NestedReadWriteBucket(bucketLocks).Delete([]byte(key))
	if err != nil {
		str := fmt.Sprintf("%s: delete failed for %v", bucketLocks, key)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

// fetchLocks returns every lock.
func fetchLocks(ns walletdb.ReadBucket) ([]Lock, error) {
	var locks []Lock
	err := ns.NestedReadBucket(bucketLocks).ForEach(func(k, v []byte) error {
		l, err := readLock(k, v)
		if err != nil {
			return err
		}

		locks = append(locks, l)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return locks, nil
}

func putSpent(ns walletdb.ReadWriteBucket, key, holder string) error {
	err := ns.NestedReadWriteBucket(bucketSpent).Put(
		[]byte(key), []byte(holder),
	)
	if err != nil {
		str := fmt.Sprintf("%s: put failed for %v", bucketSpent, key)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

func existsSpent(ns walletdb.ReadBucket, key string) []byte {
	return ns.NestedReadBucket(bucketSpent).Get([]byte(key))
}

func deleteSpent(ns walletdb.ReadWriteBucket, key string) error {
	err := ns.NestedReadWriteBucket(bucketSpent).Delete([]byte(key))
	if err != nil {
		str := fmt.Sprintf("%s: delete failed for %v", bucketSpent, key)
		return storeError(ErrDatabase, str, err)
	}

	return nil
}

// fetchSpent returns every spent output key with the payment that spent
// it.
func fetchSpent(ns walletdb.ReadBucket) (map[string]string, error) {
	spent := make(map[string]string)
	err := ns.NestedReadBucket(bucketSpent).ForEach(func(k, v []byte) error {
		spent[string(k)] = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return spent, nil
}
