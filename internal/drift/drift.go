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

// Package drift is the Drift Checker half of C10: it compares the schema
// snapshot captured in an archive's metadata against the live schema and
// classifies every difference, grounded on
// `original_source/src/restore/schema_migrator.py`'s compare_schemas (the
// restore engine's half of the same comparison, reused here for the
// archiver-side fail_on_drift gate rather than transform decisions).
package drift

import "github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"

// ChangeKind classifies one schema difference.
type ChangeKind string

const (
	ColumnAdded        ChangeKind = "column_added"
	ColumnRemoved      ChangeKind = "column_removed"
	ColumnTypeChanged  ChangeKind = "column_type_changed"
	NullabilityChanged ChangeKind = "nullability_changed"
	PrimaryKeyChanged  ChangeKind = "primary_key_changed"
	ForeignKeyAdded    ChangeKind = "foreign_key_added"
	ForeignKeyRemoved  ChangeKind = "foreign_key_removed"
	IndexAdded         ChangeKind = "index_added"
	IndexRemoved       ChangeKind = "index_removed"
)

// Change is one classified difference between the archived and live schema.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Column string     `json:"column,omitempty"`
	From   string     `json:"from,omitempty"`
	To     string     `json:"to,omitempty"`
}

// Report is the full set of classified differences. Empty means no drift.
type Report struct {
	Changes []Change `json:"changes"`
}

// HasDrift reports whether any change was detected.
func (r Report) HasDrift() bool { return len(r.Changes) > 0 }

// Compare classifies every difference between archived (the schema snapshot
// carried in a batch's metadata, taken on the table's first archived batch)
// and live (the table's current introspected schema).
func Compare(archived, live *sourcestore.Schema) Report {
	if archived == nil || live == nil {
		return Report{}
	}

	var report Report

	archivedCols := indexColumns(archived.Columns)
	liveCols := indexColumns(live.Columns)

	for name, col := range liveCols {
		if _, ok := archivedCols[name]; !ok {
			report.Changes = append(report.Changes, Change{Kind: ColumnAdded, Column: name, To: col.DataType})
		}
	}
	for name, col := range archivedCols {
		if _, ok := liveCols[name]; !ok {
			report.Changes = append(report.Changes, Change{Kind: ColumnRemoved, Column: name, From: col.DataType})
		}
	}
	for name, a := range archivedCols {
		l, ok := liveCols[name]
		if !ok {
			continue
		}
		if a.DataType != l.DataType {
			report.Changes = append(report.Changes, Change{Kind: ColumnTypeChanged, Column: name, From: a.DataType, To: l.DataType})
		}
		if a.Nullable != l.Nullable {
			report.Changes = append(report.Changes, Change{
				Kind: NullabilityChanged, Column: name,
				From: boolLabel(a.Nullable), To: boolLabel(l.Nullable),
			})
		}
	}

	if !stringSliceEqual(archived.PrimaryKey, live.PrimaryKey) {
		report.Changes = append(report.Changes, Change{
			Kind: PrimaryKeyChanged,
			From: joinOrEmpty(archived.PrimaryKey),
			To:   joinOrEmpty(live.PrimaryKey),
		})
	}

	archivedFKs := indexForeignKeys(archived.ForeignKeys)
	liveFKs := indexForeignKeys(live.ForeignKeys)
	for name := range liveFKs {
		if _, ok := archivedFKs[name]; !ok {
			report.Changes = append(report.Changes, Change{Kind: ForeignKeyAdded, Column: name})
		}
	}
	for name := range archivedFKs {
		if _, ok := liveFKs[name]; !ok {
			report.Changes = append(report.Changes, Change{Kind: ForeignKeyRemoved, Column: name})
		}
	}

	archivedIdx := stringSet(archived.Indexes)
	liveIdx := stringSet(live.Indexes)
	for name := range liveIdx {
		if !archivedIdx[name] {
			report.Changes = append(report.Changes, Change{Kind: IndexAdded, Column: name})
		}
	}
	for name := range archivedIdx {
		if !liveIdx[name] {
			report.Changes = append(report.Changes, Change{Kind: IndexRemoved, Column: name})
		}
	}

	return report
}

func indexColumns(cols []sourcestore.Column) map[string]sourcestore.Column {
	out := make(map[string]sourcestore.Column, len(cols))
	for _, c := range cols {
		out[c.Name] = c
	}
	return out
}

func indexForeignKeys(fks []sourcestore.ForeignKey) map[string]sourcestore.ForeignKey {
	out := make(map[string]sourcestore.ForeignKey, len(fks))
	for _, fk := range fks {
		out[fk.ConstraintName] = fk
	}
	return out
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinOrEmpty(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func boolLabel(nullable bool) string {
	if nullable {
		return "nullable"
	}
	return "not_null"
}
