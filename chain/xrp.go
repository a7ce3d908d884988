// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// XRPLNominalTxSize is the size in bytes the builder reports for an XRPL
// payment. XRPL fees are charged per transaction, so with a nominal size of
// 1000 bytes a rate per KB is the absolute fee in drops.
const XRPLNominalTxSize = 1000

// XRPConfig holds the parameters of an XRPAdapter.
type XRPConfig struct {
	// URL is the JSON-RPC endpoint of a rippled node.
	URL string

	// Reserve is the account reserve in drops. It is never spendable.
	Reserve btcutil.Amount

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// XRPAdapter is an Adapter for the XRP ledger. An account is exposed as a
// single pseudo output whose TxID is the account address, whose index is
// the next sequence number and whose value is the balance above the
// reserve. Payments from one account are thereby serialized by the lock
// table, matching the ledger's own sequence ordering.
type XRPAdapter struct {
	cfg        XRPConfig
	httpClient *http.Client
}

// A compile-time check to ensure that XRPAdapter satisfies the Adapter
// interface.
var _ Adapter = (*XRPAdapter)(nil)

// NewXRPAdapter returns an adapter talking to the rippled node at cfg.URL.
func NewXRPAdapter(cfg XRPConfig) (*XRPAdapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("missing xrpl url")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &XRPAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// xrplRequest is a rippled JSON-RPC request.
type xrplRequest struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

// xrplResponse is the envelope of every rippled response.
type xrplResponse struct {
	Result json.RawMessage `json:"result"`
}

// xrplStatus carries the error fields common to all results.
type xrplStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// xrplError is an error reported by rippled in a result.
type xrplError struct {
	Code string
	Msg  string
}

// Error returns the rippled error code and message.
func (e *xrplError) Error() string {
	return fmt.Sprintf("xrpl error %s: %s", e.Code, e.Msg)
}

// call performs a JSON-RPC request and decodes the result into out.
func (x *XRPAdapter) call(ctx context.Context, method string,
	params map[string]any, out any) error {

	body, err := json.Marshal(xrplRequest{
		Method: method,
		Params: []map[string]any{params},
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, x.cfg.URL, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:

		return fmt.Errorf("%w: %s status %d", ErrRateLimited, method,
			resp.StatusCode)

	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: unexpected status code %d", method,
			resp.StatusCode)
	}

	var envelope xrplResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}

	var status xrplStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}

	if status.Error != "" {
		if status.Error == "slowDown" || status.Error == "tooBusy" {
			return fmt.Errorf("%w: %s", ErrRateLimited, status.Error)
		}

		return &xrplError{Code: status.Error, Msg: status.ErrorMessage}
	}

	return json.Unmarshal(envelope.Result, out)
}

// Params returns the static chain parameters.
func (x *XRPAdapter) Params() Params {
	return Params{
		Name:    "xrp",
		Family:  FamilyAccount,
		MinDust: 1,
	}
}

// ListUtxos returns the account pseudo output. The validated ledger is
// queried, so the output always satisfies minConf.
func (x *XRPAdapter) ListUtxos(ctx context.Context, address string,
	_ int64) ([]Utxo, error) {

	var res struct {
		AccountData struct {
			Balance  string `json:"Balance"`
			Sequence uint32 `json:"Sequence"`
		} `json:"account_data"`
	}
	err := x.call(ctx, "account_info", map[string]any{
		"account":      address,
		"strict":       true,
		"ledger_index": "validated",
	}, &res)
	if err != nil {
		var xErr *xrplError
		if errors.As(err, &xErr) && xErr.Code == "actNotFound" {
			return nil, nil
		}

		return nil, err
	}

	balance, err := strconv.ParseInt(res.AccountData.Balance, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	spendable := btcutil.Amount(balance) - x.cfg.Reserve
	if spendable <= 0 {
		return nil, nil
	}

	return []Utxo{{
		TxID:          address,
		OutputIndex:   res.AccountData.Sequence,
		Value:         spendable,
		Address:       address,
		Confirmations: math.MaxInt32,
	}}, nil
}

// FeeStats maps the fee levels reported by the fee method to percentiles.
func (x *XRPAdapter) FeeStats(ctx context.Context) (*FeeStats, error) {
	var res struct {
		Drops struct {
			MinimumFee    string `json:"minimum_fee"`
			BaseFee       string `json:"base_fee"`
			MedianFee     string `json:"median_fee"`
			OpenLedgerFee string `json:"open_ledger_fee"`
		} `json:"drops"`
	}
	if err := x.call(ctx, "fee", map[string]any{}, &res); err != nil {
		return nil, err
	}

	levels := map[int]string{
		10: res.Drops.MinimumFee,
		25: res.Drops.BaseFee,
		50: res.Drops.MedianFee,
		90: res.Drops.OpenLedgerFee,
	}

	stats := &FeeStats{Rates: make(map[int]btcutil.Amount, len(levels))}
	for percentile, level := range levels {
		if level == "" {
			continue
		}

		drops, err := strconv.ParseInt(level, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse fee level %q: %w", level,
				err)
		}
		stats.Rates[percentile] = btcutil.Amount(drops)
	}

	if len(stats.Rates) == 0 {
		return nil, errors.New("node returned no fee levels")
	}

	return stats, nil
}

// Broadcast submits a signed transaction blob. Provisional results that
// rippled may still apply (tes, terQUEUED) are accepted; the rest are
// mapped to rejections.
func (x *XRPAdapter) Broadcast(ctx context.Context,
	rawSigned []byte) (string, error) {

	var res struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	err := x.call(ctx, "submit", map[string]any{
		"tx_blob": strings.ToUpper(hex.EncodeToString(rawSigned)),
	}, &res)
	if err != nil {
		var xErr *xrplError
		if errors.As(err, &xErr) {
			return "", MapRejection(xErr)
		}

		return "", err
	}

	switch {
	case strings.HasPrefix(res.EngineResult, "tes"),
		res.EngineResult == "terQUEUED":

		return res.TxJSON.Hash, nil

	// The exact transaction was applied already.
	case res.EngineResult == "tefALREADY":
		return res.TxJSON.Hash, nil
	}

	return "", MapRejection(fmt.Errorf("%s: %s", res.EngineResult,
		res.EngineResultMessage))
}

// Status returns the validation status of a transaction. Confirmations
// are counted in validated ledgers.
func (x *XRPAdapter) Status(ctx context.Context,
	txid string) (*TxStatus, error) {

	var res struct {
		Validated   bool  `json:"validated"`
		LedgerIndex int64 `json:"ledger_index"`
	}
	err := x.call(ctx, "tx", map[string]any{"transaction": txid}, &res)
	if err != nil {
		var xErr *xrplError
		if errors.As(err, &xErr) && xErr.Code == "txnNotFound" {
			return nil, ErrTxNotFound
		}

		return nil, err
	}

	if !res.Validated {
		return &TxStatus{InMempool: true}, nil
	}

	height, err := x.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	return &TxStatus{
		Confirmations: height - res.LedgerIndex + 1,
		BlockHeight:   res.LedgerIndex,
	}, nil
}

// CurrentHeight returns the index of the last validated ledger.
func (x *XRPAdapter) CurrentHeight(ctx context.Context) (int64, error) {
	var res struct {
		LedgerIndex json.Number `json:"ledger_index"`
	}
	err := x.call(ctx, "ledger", map[string]any{
		"ledger_index": "validated",
	}, &res)
	if err != nil {
		return 0, err
	}

	return res.LedgerIndex.Int64()
}
