// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Adapter with a client side token bucket so that all
// payments sharing one backend connection stay under its request budget.
// Waiting for a token honors the caller's context.
type RateLimited struct {
	Adapter

	limiter *rate.Limiter
}

// A compile-time check to ensure that RateLimited satisfies the Adapter
// interface.
var _ Adapter = (*RateLimited)(nil)

// NewRateLimited returns an adapter allowing rps requests per second with
// the given burst. A non-positive rps disables limiting.
func NewRateLimited(a Adapter, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}

	if burst < 1 {
		burst = 1
	}

	return &RateLimited{
		Adapter: a,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ListUtxos waits for a token and calls the wrapped adapter.
func (r *RateLimited) ListUtxos(ctx context.Context, address string,
	minConf int64) ([]Utxo, error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.Adapter.ListUtxos(ctx, address, minConf)
}

// FeeStats waits for a token and calls the wrapped adapter.
func (r *RateLimited) FeeStats(ctx context.Context) (*FeeStats, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.Adapter.FeeStats(ctx)
}

// Broadcast waits for a token and calls the wrapped adapter.
func (r *RateLimited) Broadcast(ctx context.Context,
	rawSigned []byte) (string, error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	return r.Adapter.Broadcast(ctx, rawSigned)
}

// Status waits for a token and calls the wrapped adapter.
func (r *RateLimited) Status(ctx context.Context,
	txid string) (*TxStatus, error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.Adapter.Status(ctx, txid)
}

// CurrentHeight waits for a token and calls the wrapped adapter.
func (r *RateLimited) CurrentHeight(ctx context.Context) (int64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return r.Adapter.CurrentHeight(ctx)
}
