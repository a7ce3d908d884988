// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This file contains the fake chain and the mocks the engine tests run
// payments against.

package wallet

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/wallet/txsigner"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/stretchr/testify/mock"
)

// fakeChain is an in-memory chain.Adapter. Transactions are accepted into
// a mempool on broadcast and mined explicitly by the test.
type fakeChain struct {
	mu sync.Mutex

	height int64
	utxos  []chain.Utxo
	rate   btcutil.Amount

	// mempool holds the broadcast transactions by id.
	mempool map[string][]byte

	// mined maps the id of a mined transaction to its block height.
	mined map[string]int64

	// broadcastErrs are returned by the next broadcasts, in order. A nil
	// entry lets that broadcast through.
	broadcastErrs []error
	broadcasts    int

	heightErr error
	feeErr    error
}

// A compile-time check to ensure that fakeChain satisfies the chain.Adapter
// interface.
var _ chain.Adapter = (*fakeChain)(nil)

func newFakeChain(height int64, utxos ...chain.Utxo) *fakeChain {
	return &fakeChain{
		height:  height,
		utxos:   utxos,
		rate:    1000,
		mempool: make(map[string][]byte),
		mined:   make(map[string]int64),
	}
}

// Params implements the chain.Adapter interface.
func (f *fakeChain) Params() chain.Params {
	return chain.Params{
		Name:              "btc",
		Family:            chain.FamilyUTXO,
		SegWit:            true,
		DustRelayFeePerKB: 3000,
	}
}

// ListUtxos implements the chain.Adapter interface.
func (f *fakeChain) ListUtxos(_ context.Context, address string,
	_ int64) ([]chain.Utxo, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var utxos []chain.Utxo
	for _, u := range f.utxos {
		if u.Address == address {
			utxos = append(utxos, u)
		}
	}

	return utxos, nil
}

// FeeStats implements the chain.Adapter interface.
func (f *fakeChain) FeeStats(context.Context) (*chain.FeeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.feeErr != nil {
		return nil, f.feeErr
	}

	return &chain.FeeStats{
		Rates: map[int]btcutil.Amount{50: f.rate},
	}, nil
}

// Broadcast implements the chain.Adapter interface.
func (f *fakeChain) Broadcast(_ context.Context,
	rawSigned []byte) (string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts++

	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]

		if err != nil {
			return "", err
		}
	}

	txid, err := txsigner.TxID(chain.FamilyUTXO, rawSigned)
	if err != nil {
		return "", err
	}

	if _, ok := f.mined[txid]; !ok {
		f.mempool[txid] = rawSigned
	}

	return txid, nil
}

// Status implements the chain.Adapter interface.
func (f *fakeChain) Status(_ context.Context,
	txid string) (*chain.TxStatus, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if block, ok := f.mined[txid]; ok {
		return &chain.TxStatus{
			Confirmations: f.height - block + 1,
			BlockHeight:   block,
		}, nil
	}

	if _, ok := f.mempool[txid]; ok {
		return &chain.TxStatus{InMempool: true}, nil
	}

	return nil, chain.ErrTxNotFound
}

// CurrentHeight implements the chain.Adapter interface.
func (f *fakeChain) CurrentHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.heightErr != nil {
		return 0, f.heightErr
	}

	return f.height, nil
}

func (f *fakeChain) setHeight(height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.height = height
}

func (f *fakeChain) setHeightErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heightErr = err
}

func (f *fakeChain) setFeeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.feeErr = err
}

func (f *fakeChain) failBroadcasts(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcastErrs = append(f.broadcastErrs, errs...)
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.broadcasts
}

// mine includes txid in the block at height.
func (f *fakeChain) mine(txid string, height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.mempool, txid)
	f.mined[txid] = height
}

// forget drops txid from both the chain and the mempool, as a reorg
// followed by a mempool eviction would.
func (f *fakeChain) forget(txid string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.mempool, txid)
	delete(f.mined, txid)
}

func (f *fakeChain) mempoolIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Sorted(maps.Keys(f.mempool))
}

// mockSigner is a mock implementation of the txsigner.Signer interface.
type mockSigner struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockSigner implements the Signer
// interface.
var _ txsigner.Signer = (*mockSigner)(nil)

// Sign implements the txsigner.Signer interface.
func (m *mockSigner) Sign(ctx context.Context,
	req *txsigner.SignRequest) ([]byte, error) {

	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

// mockArchiver is a mock implementation of the Archiver interface.
type mockArchiver struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockArchiver implements the
// Archiver interface.
var _ Archiver = (*mockArchiver)(nil)

// Archive implements the Archiver interface.
func (m *mockArchiver) Archive(ctx context.Context,
	rec *wtxmgr.TxRecord) error {

	args := m.Called(ctx, rec)
	return args.Error(0)
}
