// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package archive keeps acknowledged payments in a SQL database once they
// leave the wallet database. SQLite and PostgreSQL are supported.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register the SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

// Backend is a supported database engine.
type Backend uint8

const (
	// BackendSQLite is a SQLite file.
	BackendSQLite Backend = iota

	// BackendPostgres is a PostgreSQL server.
	BackendPostgres
)

// String returns the name of the backend, which is also the directory of
// its migrations.
func (b Backend) String() string {
	switch b {
	case BackendSQLite:
		return "sqlite"
	case BackendPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when no archived payment matches.
var ErrNotFound = errors.New("payment not archived")

// Entry is an archived payment.
type Entry struct {
	Record     *wtxmgr.TxRecord
	ArchivedAt time.Time
}

// Query filters List. Zero fields match everything.
type Query struct {
	Chain string
	State fn.Option[wtxmgr.TxState]

	// Limit bounds the number of entries, newest first.
	Limit int
}

// Store is the payment archive. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	backend Backend
	clock   clock.Clock
}

// Open connects to the archive described by dsn and migrates it. A dsn of
// the form sqlite:<path> opens a SQLite file; postgres:// and
// postgresql:// URLs connect to PostgreSQL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var (
		driver  string
		source  string
		backend Backend
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		driver, backend = "sqlite", BackendSQLite
		source = "file:" + strings.TrimPrefix(dsn, "sqlite:") +
			"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	case strings.HasPrefix(dsn, "postgres://"),
		strings.HasPrefix(dsn, "postgresql://"):

		driver, backend, source = "pgx", BackendPostgres, dsn

	default:
		return nil, fmt.Errorf("unsupported archive dsn %q", dsn)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer.
	if backend == BackendSQLite {
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, backend, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an open database and migrates it. A nil clk uses the system
// clock.
func New(ctx context.Context, db *sql.DB, backend Backend,
	clk clock.Clock) (*Store, error) {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %v archive: %w", backend, err)
	}

	if err := migrate(ctx, db, backend); err != nil {
		return nil, err
	}

	return &Store{db: db, backend: backend, clock: clk}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Archive stores rec, replacing a previous copy with the same id.
func (s *Store) Archive(ctx context.Context, rec *wtxmgr.TxRecord) error {
	raw, err := wtxmgr.EncodeRecord(rec)
	if err != nil {
		return err
	}

	archivedAt := s.clock.Now()

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (
				id, chain, state, source_address,
				destination_address, amount, fee, change_value,
				chain_txid, confirmed_txid, attempt,
				late_confirmation, last_error, created_at,
				archived_at, record
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16
			)
			ON CONFLICT (id) DO UPDATE SET
				state = excluded.state,
				fee = excluded.fee,
				change_value = excluded.change_value,
				chain_txid = excluded.chain_txid,
				confirmed_txid = excluded.confirmed_txid,
				attempt = excluded.attempt,
				late_confirmation = excluded.late_confirmation,
				last_error = excluded.last_error,
				archived_at = excluded.archived_at,
				record = excluded.record`,
			rec.ID, rec.Chain, rec.State.String(),
			rec.SourceAddress, rec.DestinationAddress,
			int64(rec.Amount), int64(rec.Fee),
			int64(rec.ChangeValue()), rec.ChainTxID,
			rec.ConfirmedTxID, int64(rec.Attempt),
			rec.LateConfirmation, rec.LastError,
			rec.CreatedAt.UnixNano(), archivedAt.UnixNano(), raw,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM payment_txids WHERE payment_id = $1`,
			rec.ID,
		)
		if err != nil {
			return err
		}

		for i, txid := range rec.TxIDHistory {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO payment_txids (
					payment_id, chain_txid, attempt
				) VALUES ($1, $2, $3)`,
				rec.ID, txid, i,
			)
			if err != nil {
				return fmt.Errorf("insert txid %v: %w", txid,
					err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %v: %w", rec.ID, err)
	}

	log.Debugf("Archived payment %v in state %v with %d %s", rec.ID,
		rec.State, len(rec.TxIDHistory),
		pickNoun(len(rec.TxIDHistory), "txid", "txids"))

	return nil
}

// Get returns the archived payment id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record, archived_at FROM payments WHERE id = $1`, id,
	)

	return scanEntry(row)
}

// FindByTxID returns the payment that broadcast txid.
func (s *Store) FindByTxID(ctx context.Context, txid string) (*Entry,
	error) {

	row := s.db.QueryRowContext(ctx, `
		SELECT p.record, p.archived_at
		FROM payments p
		JOIN payment_txids t ON t.payment_id = p.id
		WHERE t.chain_txid = $1`, txid,
	)

	return scanEntry(row)
}

// List returns the archived payments matching q, most recently archived
// first.
func (s *Store) List(ctx context.Context, q Query) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Chain != "" {
		args = append(args, q.Chain)
		where = append(where, fmt.Sprintf("chain = $%d", len(args)))
	}
	q.State.WhenSome(func(state wtxmgr.TxState) {
		args = append(args, state.String())
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	})

	query := "SELECT record, archived_at FROM payments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC, id"

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	return entries, nil
}

// Totals returns the amount and fees of the confirmed payments of chain.
// Late confirmations count as confirmed.
func (s *Store) Totals(ctx context.Context, chain string) (btcutil.Amount,
	btcutil.Amount, error) {

	var amount, fee int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(fee), 0)
		FROM payments
		WHERE chain = $1 AND (state = $2 OR late_confirmation)`,
		chain, wtxmgr.StateConfirmed.String(),
	).Scan(&amount, &fee)
	if err != nil {
		return 0, 0, fmt.Errorf("totals of %v: %w", chain, err)
	}

	return btcutil.Amount(amount), btcutil.Amount(fee), nil
}

// scanner is a *sql.Row or *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads a record and its archive time.
func scanEntry(row scanner) (*Entry, error) {
	var (
		raw        []byte
		archivedAt int64
	)
	err := row.Scan(&raw, &archivedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound

	case err != nil:
		return nil, err
	}

	rec, err := wtxmgr.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Record:     rec,
		ArchivedAt: time.Unix(0, archivedAt),
	}, nil
}
