// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sourcestore is the Source Store Adapter (C1): batched reads with
// row locks, writable transactions, advisory locks, and schema
// introspection against a PostgreSQL-family database, via pgx.
package sourcestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
)

// Store wraps a connection pool scoped to one database. Pools are never
// shared across databases (spec.md §5).
type Store struct {
	pool *pgxpool.Pool
	name string
}

// Open creates a connection pool of at most poolSize connections for dsn,
// labeled name for logging/errors.
func Open(ctx context.Context, name, dsn string, poolSize int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("parse dsn for %s: %w", name, err))
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errtax.New(errtax.ClassSourceFatal, fmt.Errorf("connect to %s: %w", name, err))
	}
	return &Store{pool: pool, name: name}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Name returns the database name this store is scoped to.
func (s *Store) Name() string { return s.name }

// Pool exposes the underlying pool for components (lock manager, watermark
// store) that need their own connections/transactions against the same
// database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// BeginTx starts a read-write transaction. The caller is responsible for
// Commit/Rollback.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPG(err, "begin transaction")
	}
	return tx, nil
}

// Cursor is the (last_timestamp, last_primary_key) pair that defines
// "resume after here" under lexicographic order.
type Cursor struct {
	LastTimestamp *time.Time
	LastPK        any
}

// SelectParams parameterizes one batch selection.
type SelectParams struct {
	Table           string
	TimestampColumn string
	PrimaryKey      string
	Cutoff          time.Time
	Cursor          Cursor
	Limit           int
}

// SelectBatch performs the cursor-ordered, SKIP LOCKED row-locking select
// described in spec.md §4.1 / §4.6 (S3). It must run inside tx so the
// row locks are held until the caller commits or rolls back; the caller is
// expected to eventually DeleteBatch the same primary keys inside the same
// transaction.
func (s *Store) SelectBatch(ctx context.Context, tx pgx.Tx, p SelectParams) ([]model.Row, []any, error) {
	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE %s < $1 %s ORDER BY %s, %s LIMIT $2 FOR UPDATE SKIP LOCKED`,
		quoteIdent(p.Table), quoteIdent(p.TimestampColumn), cursorPredicate(p), quoteIdent(p.TimestampColumn), quoteIdent(p.PrimaryKey))

	args := []any{p.Cutoff, p.Limit}
	if p.Cursor.LastTimestamp != nil {
		args = append(args, *p.Cursor.LastTimestamp, p.Cursor.LastPK)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, classifyPG(err, "select batch")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var outRows []model.Row
	var pks []any

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, classifyPG(err, "scan batch row")
		}
		row := make(model.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = toValue(values[i])
		}
		outRows = append(outRows, row)
		pks = append(pks, row[p.PrimaryKey].NativeOrNil())
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classifyPG(err, "iterate batch rows")
	}

	return outRows, pks, nil
}

// cursorPredicate builds the "(ts > last_ts) OR (ts = last_ts AND pk >
// last_pk)" clause for subsequent batches, empty for the first batch.
func cursorPredicate(p SelectParams) string {
	if p.Cursor.LastTimestamp == nil {
		return ""
	}
	ts := quoteIdent(p.TimestampColumn)
	pk := quoteIdent(p.PrimaryKey)
	return fmt.Sprintf("AND (%s > $3 OR (%s = $3 AND %s > $4))", ts, ts, pk)
}

// DeleteBatch deletes the rows matching pks from table inside tx, asserting
// that the affected row count equals len(pks) -- the same-transaction PK
// verification called for by spec.md §9 Open Question 3: if the count
// mismatches, the caller must roll back rather than commit.
func (s *Store) DeleteBatch(ctx context.Context, tx pgx.Tx, table, pkColumn string, pks []any) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1) RETURNING %s`,
		quoteIdent(table), quoteIdent(pkColumn), quoteIdent(pkColumn))

	rows, err := tx.Query(ctx, query, pks)
	if err != nil {
		return 0, classifyPG(err, "delete batch")
	}
	defer rows.Close()

	seen := make(map[any]bool, len(pks))
	var affected int64
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return affected, classifyPG(err, "scan deleted pk")
		}
		seen[fmt.Sprint(vals[0])] = true
		affected++
	}
	if err := rows.Err(); err != nil {
		return affected, classifyPG(err, "iterate deleted pks")
	}

	if affected != int64(len(pks)) {
		return affected, errtax.New(errtax.ClassVerification,
			fmt.Errorf("delete affected %d rows, expected %d", affected, len(pks)),
			"table", table)
	}

	// Verify the exact PK set we deleted is the PK set we asked for, not
	// merely the count -- spec.md §9 Open Question 3.
	for _, pk := range pks {
		if !seen[fmt.Sprint(pk)] {
			return affected, errtax.New(errtax.ClassVerification,
				fmt.Errorf("deleted pk set does not match requested pk set"), "table", table)
		}
	}

	return affected, nil
}

// CountEligible returns a single, separate COUNT(*) for progress reporting.
// Advisory only: it never gates deletion (spec.md §4.1).
func (s *Store) CountEligible(ctx context.Context, table, tsColumn string, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s < $1`, quoteIdent(table), quoteIdent(tsColumn))
	var count int64
	if err := s.pool.QueryRow(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, classifyPG(err, "count eligible")
	}
	return count, nil
}

// CountExisting counts how many of values are already present in column,
// used by the Restore Engine (C12) to pre-detect conflicts under the skip
// strategy before attempting the insert (spec.md §4.10 step 5).
func (s *Store) CountExisting(ctx context.Context, table, column string, values []any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ANY($1)`, quoteIdent(table), quoteIdent(column))
	var count int64
	if err := s.pool.QueryRow(ctx, query, values).Scan(&count); err != nil {
		return 0, classifyPG(err, "count existing")
	}
	return count, nil
}

// SampleAbsent confirms none of pks are present in table, used by the
// Sample Verifier (C11) after deletion.
func (s *Store) SampleAbsent(ctx context.Context, table, pkColumn string, pks []any) (bool, error) {
	if len(pks) == 0 {
		return true, nil
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ANY($1)`, quoteIdent(table), quoteIdent(pkColumn))
	var count int64
	if err := s.pool.QueryRow(ctx, query, pks).Scan(&count); err != nil {
		return false, classifyPG(err, "sample absent check")
	}
	return count == 0, nil
}

// AdvisoryLockTry attempts a non-blocking session-level advisory lock,
// returning false rather than blocking if another session holds it.
func (s *Store) AdvisoryLockTry(ctx context.Context, conn *pgxpool.Conn, key int64) (bool, error) {
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, classifyPG(err, "advisory lock")
	}
	return acquired, nil
}

// AdvisoryUnlock releases a session-level advisory lock held by conn.
func (s *Store) AdvisoryUnlock(ctx context.Context, conn *pgxpool.Conn, key int64) error {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&ok); err != nil {
		return classifyPG(err, "advisory unlock")
	}
	return nil
}

// quoteIdent quotes a single identifier, or a "schema.table"-style dotted
// pair, the way pgx.Identifier joins and sanitizes multi-part names for
// restore's --schema target override.
func quoteIdent(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

// sortPKs is used by tests to compare deleted-PK sets independent of
// DELETE's unspecified row order.
func sortPKs(pks []any) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = fmt.Sprint(pk)
	}
	sort.Strings(out)
	return out
}
