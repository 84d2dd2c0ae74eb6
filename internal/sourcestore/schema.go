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
	"fmt"
	"strings"
)

// splitTable splits an optionally schema-qualified identifier ("schema.table")
// into its parts; bare names return an empty schema, matching Postgres's own
// search_path resolution for unqualified names.
func splitTable(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

// Column describes one information_schema.columns row.
type Column struct {
	Name     string
	DataType string
	Nullable bool
	Position int
}

// Schema is a snapshot of a table's structure: columns, primary key, and
// foreign keys, introspected from information_schema the way the teacher's
// incremental pipeline snapshots file hashes for drift detection
// (pkg/ingestion/hash_delta.go) -- here the "hash" is a structural diff
// instead of a content hash.
type Schema struct {
	Table       string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []string
}

// ForeignKey names a single foreign-key constraint's local and referenced
// columns.
type ForeignKey struct {
	ConstraintName string
	Column         string
	ReferencedTable string
	ReferencedColumn string
}

// IntrospectSchema snapshots table's current structure. It is the basis for
// both the restore engine's schema-migration strategies and the drift
// checker's before/after comparison.
func (s *Store) IntrospectSchema(ctx context.Context, table string) (*Schema, error) {
	schema := &Schema{Table: table}
	schemaName, tableName := splitTable(table)

	colRows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', ordinal_position
		FROM information_schema.columns
		WHERE table_name = $1 AND ($2 = '' OR table_schema = $2)
		ORDER BY ordinal_position`, tableName, schemaName)
	if err != nil {
		return nil, classifyPG(err, "introspect columns")
	}
	for colRows.Next() {
		var c Column
		if err := colRows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.Position); err != nil {
			colRows.Close()
			return nil, classifyPG(err, "scan column")
		}
		schema.Columns = append(schema.Columns, c)
	}
	colRows.Close()
	if err := colRows.Err(); err != nil {
		return nil, classifyPG(err, "iterate columns")
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("introspect schema: table %q not found", table)
	}

	pkRows, err := s.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_name = $1 AND ($2 = '' OR tc.table_schema = $2) AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`, tableName, schemaName)
	if err != nil {
		return nil, classifyPG(err, "introspect primary key")
	}
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			pkRows.Close()
			return nil, classifyPG(err, "scan primary key column")
		}
		schema.PrimaryKey = append(schema.PrimaryKey, col)
	}
	pkRows.Close()
	if err := pkRows.Err(); err != nil {
		return nil, classifyPG(err, "iterate primary key")
	}

	fkRows, err := s.pool.Query(ctx, `
		SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.table_name = $1 AND ($2 = '' OR tc.table_schema = $2) AND tc.constraint_type = 'FOREIGN KEY'`, tableName, schemaName)
	if err != nil {
		return nil, classifyPG(err, "introspect foreign keys")
	}
	for fkRows.Next() {
		var fk ForeignKey
		if err := fkRows.Scan(&fk.ConstraintName, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			fkRows.Close()
			return nil, classifyPG(err, "scan foreign key")
		}
		schema.ForeignKeys = append(schema.ForeignKeys, fk)
	}
	fkRows.Close()
	if err := fkRows.Err(); err != nil {
		return nil, classifyPG(err, "iterate foreign keys")
	}

	idxRows, err := s.pool.Query(ctx, `SELECT indexname FROM pg_indexes WHERE tablename = $1 AND ($2 = '' OR schemaname = $2)`, tableName, schemaName)
	if err != nil {
		return nil, classifyPG(err, "introspect indexes")
	}
	for idxRows.Next() {
		var name string
		if err := idxRows.Scan(&name); err != nil {
			idxRows.Close()
			return nil, classifyPG(err, "scan index")
		}
		schema.Indexes = append(schema.Indexes, name)
	}
	idxRows.Close()
	if err := idxRows.Err(); err != nil {
		return nil, classifyPG(err, "iterate indexes")
	}

	return schema, nil
}

// DropIndex supports the restore engine's drop_indexes option (spec.md
// §4.9): it drops a named index before a bulk load, and the caller recreates
// it afterward with ExecDDL from a saved CREATE INDEX statement.
func (s *Store) DropIndex(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(name)))
	if err != nil {
		return classifyPG(err, "drop index")
	}
	return nil
}

// NonPrimaryKeyIndexDefinitions returns the CREATE INDEX statements for
// table, excluding the index backing its primary key constraint: dropping
// that index would also drop the constraint, and recreating it afterward
// would not restore the constraint, so drop_indexes (spec.md 4.9) must only
// ever touch secondary indexes.
func (s *Store) NonPrimaryKeyIndexDefinitions(ctx context.Context, table string) (map[string]string, error) {
	schemaName, tableName := splitTable(table)
	rows, err := s.pool.Query(ctx, `
		SELECT indexname, indexdef FROM pg_indexes
		WHERE tablename = $1 AND ($2 = '' OR schemaname = $2)
		  AND indexname NOT IN (
			SELECT conname FROM pg_constraint
			WHERE conrelid = $3::regclass AND contype = 'p'
		  )`, tableName, schemaName, table)
	if err != nil {
		return nil, classifyPG(err, "fetch non-pk index definitions")
	}
	defer rows.Close()

	defs := make(map[string]string)
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, classifyPG(err, "scan index definition")
		}
		if schemaName != "" {
			name = schemaName + "." + name
		}
		defs[name] = def
	}
	return defs, rows.Err()
}

// ExecDDL runs a raw DDL statement (e.g. a saved CREATE INDEX), used to
// recreate indexes dropped for a bulk restore.
func (s *Store) ExecDDL(ctx context.Context, stmt string) error {
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return classifyPG(err, "exec ddl")
	}
	return nil
}
