// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeRecordID               tlv.Type = 1
	typeRecordChain            tlv.Type = 2
	typeRecordSource           tlv.Type = 3
	typeRecordDestination      tlv.Type = 4
	typeRecordChangeAddress    tlv.Type = 5
	typeRecordAmount           tlv.Type = 6
	typeRecordFee              tlv.Type = 7
	typeRecordInputs           tlv.Type = 8
	typeRecordChangeValue      tlv.Type = 9
	typeRecordRawUnsigned      tlv.Type = 10
	typeRecordRawSigned        tlv.Type = 11
	typeRecordChainTxID        tlv.Type = 12
	typeRecordTxIDHistory      tlv.Type = 13
	typeRecordState            tlv.Type = 14
	typeRecordSubmittedAt      tlv.Type = 15
	typeRecordFirstSubmittedAt tlv.Type = 16
	typeRecordConfirmedAt      tlv.Type = 17
	typeRecordConfirmedTxID    tlv.Type = 18
	typeRecordAttempt          tlv.Type = 19
	typeRecordLastError        tlv.Type = 20
	typeRecordFlags            tlv.Type = 21
	typeRecordCreatedAt        tlv.Type = 22
	typeRecordUpdatedAt        tlv.Type = 23
	typeRecordClosedAt         tlv.Type = 24

	typeUtxoTxID          tlv.Type = 1
	typeUtxoIndex         tlv.Type = 2
	typeUtxoValue         tlv.Type = 3
	typeUtxoAddress       tlv.Type = 4
	typeUtxoPkScript      tlv.Type = 5
	typeUtxoConfirmations tlv.Type = 6

	typeLockHolder     tlv.Type = 1
	typeLockAcquiredAt tlv.Type = 2
)

// Record flags packed into a single byte.
const (
	flagAbandonRequested uint8 = 1 << iota
	flagLateConfirmation
	flagAcknowledged
)

// EncodeRecord serializes r the way it is kept in the wallet database.
func EncodeRecord(r *TxRecord) ([]byte, error) {
	return encodeTxRecord(r)
}

// DecodeRecord parses a record serialized by EncodeRecord.
func DecodeRecord(v []byte) (*TxRecord, error) {
	return decodeTxRecord(v)
}

// encodeTxRecord serializes a record as a TLV stream. Optional and empty
// fields are left out.
func encodeTxRecord(r *TxRecord) ([]byte, error) {
	var (
		id            = []byte(r.ID)
		chainName     = []byte(r.Chain)
		source        = []byte(r.SourceAddress)
		destination   = []byte(r.DestinationAddress)
		changeAddr    = []byte(r.ChangeAddress)
		amount        = uint64(r.Amount)
		fee           = uint64(r.Fee)
		chainTxID     = []byte(r.ChainTxID)
		state         = uint8(r.State)
		submittedAt   = uint64(r.SubmittedAtBlock)
		firstSubmit   = uint64(r.FirstSubmittedAtBlock)
		confirmedTxID = []byte(r.ConfirmedTxID)
		attempt       = r.Attempt
		lastErr       = []byte(r.LastError)
		flags         = recordFlags(r)
		createdAt     = unixNano(r.CreatedAt)
		updatedAt     = unixNano(r.UpdatedAt)
		closedAt      = uint64(r.ClosedAtBlock)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeRecordID, &id),
		tlv.MakePrimitiveRecord(typeRecordChain, &chainName),
		tlv.MakePrimitiveRecord(typeRecordSource, &source),
		tlv.MakePrimitiveRecord(typeRecordDestination, &destination),
		tlv.MakePrimitiveRecord(typeRecordChangeAddress, &changeAddr),
		tlv.MakePrimitiveRecord(typeRecordAmount, &amount),
		tlv.MakePrimitiveRecord(typeRecordFee, &fee),
	}

	inputs := r.Inputs
	if len(inputs) > 0 {
		records = append(records, tlv.MakeDynamicRecord(
			typeRecordInputs, &inputs, func() uint64 {
				return recordSize(utxosEncoder, &inputs)
			}, utxosEncoder, utxosDecoder,
		))
	}

	r.Change.WhenSome(func(c ChangeOutput) {
		value := uint64(c.Value)
		records = append(records, tlv.MakePrimitiveRecord(
			typeRecordChangeValue, &value,
		))
	})

	rawUnsigned, rawSigned := r.RawUnsigned, r.RawSigned
	if len(rawUnsigned) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRecordRawUnsigned, &rawUnsigned,
		))
	}
	if len(rawSigned) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRecordRawSigned, &rawSigned,
		))
	}

	records = append(records,
		tlv.MakePrimitiveRecord(typeRecordChainTxID, &chainTxID),
	)

	history := r.TxIDHistory
	if len(history) > 0 {
		records = append(records, tlv.MakeDynamicRecord(
			typeRecordTxIDHistory, &history, func() uint64 {
				return recordSize(stringsEncoder, &history)
			}, stringsEncoder, stringsDecoder,
		))
	}

	records = append(records,
		tlv.MakePrimitiveRecord(typeRecordState, &state),
		tlv.MakePrimitiveRecord(typeRecordSubmittedAt, &submittedAt),
		tlv.MakePrimitiveRecord(typeRecordFirstSubmittedAt, &firstSubmit),
	)

	r.ConfirmedAtBlock.WhenSome(func(height int64) {
		confirmedAt := uint64(height)
		records = append(records, tlv.MakePrimitiveRecord(
			typeRecordConfirmedAt, &confirmedAt,
		))
	})

	records = append(records,
		tlv.MakePrimitiveRecord(typeRecordConfirmedTxID, &confirmedTxID),
		tlv.MakePrimitiveRecord(typeRecordAttempt, &attempt),
		tlv.MakePrimitiveRecord(typeRecordLastError, &lastErr),
		tlv.MakePrimitiveRecord(typeRecordFlags, &flags),
		tlv.MakePrimitiveRecord(typeRecordCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeRecordUpdatedAt, &updatedAt),
		tlv.MakePrimitiveRecord(typeRecordClosedAt, &closedAt),
	)

	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tlvStream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// unixNano encodes t, mapping the zero time to 0.
func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

// fromUnixNano is the inverse of unixNano.
func fromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(n))
}

// recordFlags packs the boolean fields of a record.
func recordFlags(r *TxRecord) uint8 {
	var flags uint8
	if r.AbandonRequested {
		flags |= flagAbandonRequested
	}
	if r.LateConfirmation {
		flags |= flagLateConfirmation
	}
	if r.Acknowledged {
		flags |= flagAcknowledged
	}

	return flags
}

// decodeTxRecord parses a record encoded by encodeTxRecord.
func decodeTxRecord(v []byte) (*TxRecord, error) {
	var (
		r = &TxRecord{}

		id, chainName, source, destination, changeAddr []byte
		chainTxID, confirmedTxID, lastErr              []byte
		amount, fee, changeValue                       uint64
		submittedAt, firstSubmit, confirmedAt          uint64
		createdAt, updatedAt, closedAt                 uint64
		state, flags                                   uint8
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeRecordID, &id),
		tlv.MakePrimitiveRecord(typeRecordChain, &chainName),
		tlv.MakePrimitiveRecord(typeRecordSource, &source),
		tlv.MakePrimitiveRecord(typeRecordDestination, &destination),
		tlv.MakePrimitiveRecord(typeRecordChangeAddress, &changeAddr),
		tlv.MakePrimitiveRecord(typeRecordAmount, &amount),
		tlv.MakePrimitiveRecord(typeRecordFee, &fee),
		tlv.MakeDynamicRecord(
			typeRecordInputs, &r.Inputs, func() uint64 {
				return recordSize(utxosEncoder, &r.Inputs)
			}, utxosEncoder, utxosDecoder,
		),
		tlv.MakePrimitiveRecord(typeRecordChangeValue, &changeValue),
		tlv.MakePrimitiveRecord(typeRecordRawUnsigned, &r.RawUnsigned),
		tlv.MakePrimitiveRecord(typeRecordRawSigned, &r.RawSigned),
		tlv.MakePrimitiveRecord(typeRecordChainTxID, &chainTxID),
		tlv.MakeDynamicRecord(
			typeRecordTxIDHistory, &r.TxIDHistory, func() uint64 {
				return recordSize(stringsEncoder, &r.TxIDHistory)
			}, stringsEncoder, stringsDecoder,
		),
		tlv.MakePrimitiveRecord(typeRecordState, &state),
		tlv.MakePrimitiveRecord(typeRecordSubmittedAt, &submittedAt),
		tlv.MakePrimitiveRecord(typeRecordFirstSubmittedAt, &firstSubmit),
		tlv.MakePrimitiveRecord(typeRecordConfirmedAt, &confirmedAt),
		tlv.MakePrimitiveRecord(typeRecordConfirmedTxID, &confirmedTxID),
		tlv.MakePrimitiveRecord(typeRecordAttempt, &r.Attempt),
		tlv.MakePrimitiveRecord(typeRecordLastError, &lastErr),
		tlv.MakePrimitiveRecord(typeRecordFlags, &flags),
		tlv.MakePrimitiveRecord(typeRecordCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeRecordUpdatedAt, &updatedAt),
		tlv.MakePrimitiveRecord(typeRecordClosedAt, &closedAt),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := tlvStream.DecodeWithParsedTypes(
		bytes.NewReader(v),
	)
	if err != nil {
		return nil, err
	}

	r.ID = string(id)
	r.Chain = string(chainName)
	r.SourceAddress = string(source)
	r.DestinationAddress = string(destination)
	r.ChangeAddress = string(changeAddr)
	r.Amount = btcutil.Amount(amount)
	r.Fee = btcutil.Amount(fee)
	r.ChainTxID = string(chainTxID)
	r.State = TxState(state)
	r.SubmittedAtBlock = int64(submittedAt)
	r.FirstSubmittedAtBlock = int64(firstSubmit)
	r.ConfirmedTxID = string(confirmedTxID)
	r.LastError = string(lastErr)
	r.AbandonRequested = flags&flagAbandonRequested != 0
	r.LateConfirmation = flags&flagLateConfirmation != 0
	r.Acknowledged = flags&flagAcknowledged != 0
	r.CreatedAt = fromUnixNano(createdAt)
	r.UpdatedAt = fromUnixNano(updatedAt)
	r.ClosedAtBlock = int64(closedAt)

	if _, ok := parsedTypes[typeRecordChangeValue]; ok {
		r.Change = fn.Some(ChangeOutput{
			Address: r.ChangeAddress,
			Value:   btcutil.Amount(changeValue),
		})
	}

	if _, ok := parsedTypes[typeRecordConfirmedAt]; ok {
		r.ConfirmedAtBlock = fn.Some(int64(confirmedAt))
	}

	return r, nil
}

// utxosEncoder is a custom TLV encoder for a slice of outputs. Every output
// is an inner TLV stream prefixed with its varint length.
func utxosEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]chain.Utxo); ok {
		for _, u := range *v {
			var (
				txid     = []byte(u.TxID)
				index    = u.OutputIndex
				value    = uint64(u.Value)
				address  = []byte(u.Address)
				pkScript = u.PkScript
				confs    = uint64(u.Confirmations)
			)

			tlvRecords := []tlv.Record{
				tlv.MakePrimitiveRecord(typeUtxoTxID, &txid),
				tlv.MakePrimitiveRecord(typeUtxoIndex, &index),
				tlv.MakePrimitiveRecord(typeUtxoValue, &value),
				tlv.MakePrimitiveRecord(typeUtxoAddress, &address),
			}

			if len(pkScript) > 0 {
				tlvRecords = append(tlvRecords,
					tlv.MakePrimitiveRecord(
						typeUtxoPkScript, &pkScript,
					),
				)
			}

			tlvRecords = append(tlvRecords, tlv.MakePrimitiveRecord(
				typeUtxoConfirmations, &confs,
			))

			if err := writeInnerStream(w, buf, tlvRecords); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]chain.Utxo")
}

// utxosDecoder is a custom TLV decoder for a slice of outputs.
func utxosDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if v, ok := val.(*[]chain.Utxo); ok {
		var utxos []chain.Utxo

		err := readInnerStreams(r, buf, l, func(inner io.Reader) error {
			var (
				txid, address, pkScript []byte
				index                   uint32
				value, confs            uint64
			)
			tlvStream, err := tlv.NewStream(
				tlv.MakePrimitiveRecord(typeUtxoTxID, &txid),
				tlv.MakePrimitiveRecord(typeUtxoIndex, &index),
				tlv.MakePrimitiveRecord(typeUtxoValue, &value),
				tlv.MakePrimitiveRecord(typeUtxoAddress, &address),
				tlv.MakePrimitiveRecord(typeUtxoPkScript, &pkScript),
				tlv.MakePrimitiveRecord(
					typeUtxoConfirmations, &confs,
				),
			)
			if err != nil {
				return err
			}

			if err := tlvStream.Decode(inner); err != nil {
				return err
			}

			utxos = append(utxos, chain.Utxo{
				TxID:          string(txid),
				OutputIndex:   index,
				Value:         btcutil.Amount(value),
				Address:       string(address),
				PkScript:      pkScript,
				Confirmations: int64(confs),
			})

			return nil
		})
		if err != nil {
			return err
		}

		*v = utxos
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]chain.Utxo", l, l)
}

// stringsEncoder is a custom TLV encoder for a slice of strings, each
// prefixed with its varint length.
func stringsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]string); ok {
		for _, s := range *v {
			err := tlv.WriteVarInt(w, uint64(len(s)), buf)
			if err != nil {
				return err
			}

			if _, err := io.WriteString(w, s); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]string")
}

// stringsDecoder is a custom TLV decoder for a slice of strings.
func stringsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if v, ok := val.(*[]string); ok {
		var strs []string

		err := readInnerStreams(r, buf, l, func(inner io.Reader) error {
			b, err := io.ReadAll(inner)
			if err != nil {
				return err
			}

			strs = append(strs, string(b))

			return nil
		})
		if err != nil {
			return err
		}

		*v = strs
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]string", l, l)
}

// writeInnerStream encodes records as a TLV stream and writes it with a
// varint length prefix.
func writeInnerStream(w io.Writer, buf *[8]byte, records []tlv.Record) error {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	var inner bytes.Buffer
	if err := tlvStream.Encode(&inner); err != nil {
		return err
	}

	if err := tlv.WriteVarInt(w, uint64(inner.Len()), buf); err != nil {
		return err
	}

	_, err = w.Write(inner.Bytes())
	return err
}

// readInnerStreams reads varint length prefixed items from the next l
// bytes of r and passes each to f as a reader limited to the item.
func readInnerStreams(r io.Reader, buf *[8]byte, l uint64,
	f func(io.Reader) error) error {

	outer := &io.LimitedReader{R: r, N: int64(l)}
	for {
		size, err := tlv.ReadVarInt(outer, buf)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if size > uint64(outer.N) {
			return fmt.Errorf("inner item of %d bytes exceeds "+
				"remaining %d", size, outer.N)
		}

		inner := &io.LimitedReader{R: outer, N: int64(size)}
		if err := f(inner); err != nil {
			return err
		}

		// Skip anything the item decoder left unread.
		if _, err := io.Copy(io.Discard, inner); err != nil {
			return err
		}
	}
}

// recordSize returns the amount of bytes this TLV record will occupy when
// encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)

	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("Encoding the record failed: %v", err)
	}

	return uint64(len(b.Bytes()))
}
