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

package sourcestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
)

// ConflictStrategy selects how InsertBatch reacts to a row whose primary key
// already exists in the target table, grounded on
// `original_source/src/restore/restore_engine.py`'s restore_archive
// conflict_strategy parameter.
type ConflictStrategy string

const (
	ConflictSkip      ConflictStrategy = "skip"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictUpsert    ConflictStrategy = "upsert"
	ConflictFail      ConflictStrategy = "fail"
)

// InsertBatch bulk-loads rows into table under the given conflict strategy,
// returning the number of rows actually inserted or updated. It mirrors
// restore_engine.py's four _restore_with_* helpers, collapsed into one
// query-builder since all four differ only in their ON CONFLICT clause.
//
// Column order is taken from columns, which the caller derives once per
// archive (the reserved _batch_id/_source_database/_source_table/
// _archived_at fields already stripped).
func (s *Store) InsertBatch(ctx context.Context, tx pgx.Tx, table string, columns []string, rows []model.Row, strategy ConflictStrategy, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	query, err := insertQuery(table, columns, strategy, conflictColumns)
	if err != nil {
		return 0, err
	}

	batchArgs := make([][]any, len(rows))
	for i, row := range rows {
		args := make([]any, len(columns))
		for j, col := range columns {
			args[j] = row[col].Native()
		}
		batchArgs[i] = args
	}

	var inserted int64
	for _, args := range batchArgs {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			if strategy == ConflictFail && isUniqueViolation(err) {
				return inserted, errtax.New(errtax.ClassVerification,
					fmt.Errorf("conflict detected during restore: %w", err), "table", table)
			}
			return inserted, classifyPG(err, "insert batch row")
		}
		inserted += tag.RowsAffected()
	}

	return inserted, nil
}

// insertQuery builds the INSERT statement for strategy. ON CONFLICT DO
// UPDATE requires an explicit conflict target in Postgres, so
// conflictColumns (the target table's primary key) is mandatory for
// ConflictOverwrite/ConflictUpsert.
func insertQuery(table string, columns []string, strategy ConflictStrategy, conflictColumns []string) (string, error) {
	quotedCols := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdent(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), joinStrings(quotedCols), joinStrings(placeholders))

	switch strategy {
	case ConflictSkip:
		return base + " ON CONFLICT DO NOTHING", nil
	case ConflictOverwrite, ConflictUpsert:
		if len(conflictColumns) == 0 {
			return "", fmt.Errorf("insert batch into %s: conflict strategy %q requires a primary key", table, strategy)
		}
		target := make([]string, len(conflictColumns))
		for i, c := range conflictColumns {
			target[i] = quoteIdent(c)
		}
		sets := make([]string, len(columns))
		for i, c := range columns {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c))
		}
		return base + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", joinStrings(target)) + joinStrings(sets), nil
	default: // ConflictFail: plain insert, let the unique violation surface
		return base, nil
	}
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the condition restore_engine.py's fail strategy raises
// DatabaseError on.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
