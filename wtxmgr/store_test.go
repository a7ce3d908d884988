package wtxmgr

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/multiwallet/chain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestCreateLocked checks that a record and its locks are written
// together and that a conflicting record writes nothing.
func TestCreateLocked(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	a, b, c := testUtxo("aa", 0, 50_000), testUtxo("bb", 1, 30_000),
		testUtxo("cc", 2, 20_000)

	rec1 := testRecord("pay-1", a, b)
	require.NoError(t, store.CreateLocked(rec1))

	got, err := store.FetchRecord("pay-1")
	require.NoError(t, err)
	require.Equal(t, rec1, got)

	// The second record shares b with the first one.
	rec2 := testRecord("pay-2", b, c)
	err = store.CreateLocked(rec2)

	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, map[string]string{b.Key(): "pay-1"}, conflict.Holders)

	_, err = store.FetchRecord("pay-2")
	require.True(t, IsError(err, ErrRecordNotFound))

	locks, err := store.Locks()
	require.NoError(t, err)
	require.Len(t, locks, 2)
	require.Equal(t, a.Key(), locks[0].Key)
	require.Equal(t, b.Key(), locks[1].Key)
	for _, l := range locks {
		require.Equal(t, "pay-1", l.Holder)
		require.True(t, testTime.Equal(l.AcquiredAt))
	}

	// The same id cannot be created twice.
	err = store.CreateLocked(testRecord("pay-1", c))
	require.True(t, IsError(err, ErrRecordExists))

	// An unbalanced record is refused before touching the database.
	bad := testRecord("pay-3", c)
	bad.Fee++
	require.True(t, IsError(store.CreateLocked(bad), ErrUnbalanced))
}

// TestCommitLockActions checks the lock action applied by Commit.
func TestCommitLockActions(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	a, b := testUtxo("aa", 0, 50_000), testUtxo("bb", 1, 30_000)

	rec1 := testRecord("pay-1", a)
	rec2 := testRecord("pay-2", b)
	require.NoError(t, store.CreateLocked(rec1))
	require.NoError(t, store.CreateLocked(rec2))

	// Keeping the locks only updates the record.
	rec1.State = StateSigned
	require.NoError(t, store.Commit(rec1, LockKeep))

	locks, err := store.Locks()
	require.NoError(t, err)
	require.Len(t, locks, 2)

	// A failed record releases its inputs, which can be locked again.
	rec1.State = StateFailed
	require.NoError(t, store.Commit(rec1, LockRelease))
	require.NoError(t, store.Acquire([]string{a.Key()}, "pay-3"))

	// A confirmed record turns its locks into spent markers.
	rec2.State = StateConfirmed
	require.NoError(t, store.Commit(rec2, LockSpend))

	spent, err := store.Spent()
	require.NoError(t, err)
	require.Equal(t, map[string]string{b.Key(): "pay-2"}, spent)

	err = store.Acquire([]string{b.Key()}, "pay-4")
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "pay-2", conflict.Holders[b.Key()])

	locks, err = store.Locks()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "pay-3", locks[0].Holder)

	// Unknown records cannot be committed.
	err = store.Commit(testRecord("pay-9", a), LockKeep)
	require.True(t, IsError(err, ErrRecordNotFound))
}

// TestDeleteRecord checks that deleting a record drops its locks and spent
// markers but leaves other records alone.
func TestDeleteRecord(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	a, b := testUtxo("aa", 0, 50_000), testUtxo("bb", 1, 30_000)

	rec1 := testRecord("pay-1", a)
	rec2 := testRecord("pay-2", b)
	require.NoError(t, store.CreateLocked(rec1))
	require.NoError(t, store.CreateLocked(rec2))
	require.NoError(t, store.Commit(rec1, LockSpend))

	require.NoError(t, store.DeleteRecord("pay-1"))
	require.True(t, IsError(store.DeleteRecord("pay-1"), ErrRecordNotFound))

	spent, err := store.Spent()
	require.NoError(t, err)
	require.Empty(t, spent)

	recs, err := store.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "pay-2", recs[0].ID)
}

// TestDrop checks that dropping the namespace forgets records, locks and
// spent markers and leaves a usable store.
func TestDrop(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	a, b := testUtxo("aa", 0, 50_000), testUtxo("bb", 1, 30_000)
	rec1 := testRecord("pay-1", a)
	require.NoError(t, store.CreateLocked(rec1))
	require.NoError(t, store.Commit(rec1, LockSpend))
	require.NoError(t, store.CreateLocked(testRecord("pay-2", b)))

	require.NoError(t, Drop(store.db))

	recs, err := store.Records()
	require.NoError(t, err)
	require.Empty(t, recs)

	locks, err := store.Locks()
	require.NoError(t, err)
	require.Empty(t, locks)

	spent, err := store.Spent()
	require.NoError(t, err)
	require.Empty(t, spent)

	// Both outputs can be locked again.
	require.NoError(t, store.CreateLocked(testRecord("pay-3", a, b)))
}

// TestRecordsOrder checks that records are listed oldest first.
func TestRecordsOrder(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	for i, id := range []string{"c", "a", "b"} {
		rec := testRecord(id, testUtxo(id, 0, 1000))
		rec.CreatedAt = testTime.Add(-time.Duration(i) * time.Second)
		require.NoError(t, store.CreateLocked(rec))
	}

	recs, err := store.Records()
	require.NoError(t, err)

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"b", "a", "c"}, ids)
}

// TestStoreRestart checks that records and locks survive closing and
// reopening the database.
func TestStoreRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wtxmgr.db")

	db := openDB(t, path)
	store, err := Open(db, clock.NewTestClock(testTime))
	require.NoError(t, err)

	a := testUtxo("aa", 0, 50_000)
	rec := testRecord("pay-1", a)
	rec.State = StateSubmitted
	rec.TxIDHistory = []string{"ff"}
	require.NoError(t, store.CreateLocked(rec))
	require.NoError(t, db.Close())

	store, err = Open(openDB(t, path), clock.NewTestClock(testTime))
	require.NoError(t, err)

	got, err := store.FetchRecord("pay-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	table, err := NewLockTable(store)
	require.NoError(t, err)

	holder, ok := table.Holder(a.Key())
	require.True(t, ok)
	require.Equal(t, "pay-1", holder)
}

// TestCreateLockedConcurrent races many records over the same outputs and
// checks that every output ends up with exactly one holder.
func TestCreateLockedConcurrent(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	table, err := NewLockTable(store)
	require.NoError(t, err)

	shared := []chain.Utxo{
		testUtxo("aa", 0, 10_000),
		testUtxo("aa", 1, 10_000),
		testUtxo("aa", 2, 10_000),
	}

	const workers = 12

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = make(map[string]string)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			in := shared[i%len(shared)]
			rec := testRecord(fmt.Sprintf("pay-%d", i), in)

			err := table.AcquireRecord(rec)

			var conflict *LockConflictError
			if errors.As(err, &conflict) {
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()

			if prev, ok := winners[in.Key()]; ok {
				t.Errorf("%v locked by %v and %v", in.Key(), prev,
					rec.ID)
			}
			winners[in.Key()] = rec.ID
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, len(shared))

	locks, err := store.Locks()
	require.NoError(t, err)
	require.Len(t, locks, len(shared))
	for _, l := range locks {
		require.Equal(t, winners[l.Key], l.Holder)
	}
}
