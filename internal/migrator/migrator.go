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

// Package migrator is the Schema Migrator (C14): it transforms archived
// records to fit the live table schema when the two have diverged, under
// one of four strategies (strict, lenient, transform, none). Grounded on
// `original_source/src/restore/schema_migrator.py`'s SchemaMigrator,
// reusing internal/drift's Report/Change classification (built for the
// archiver-side fail_on_drift gate) as this package's diff representation
// instead of re-deriving a second diff shape for the restore side.
package migrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/drift"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// Strategy selects how Transform reacts to schema drift.
type Strategy string

const (
	StrategyStrict    Strategy = "strict"
	StrategyLenient   Strategy = "lenient"
	StrategyTransform Strategy = "transform"
	StrategyNone      Strategy = "none"
)

// Error reports a transformation that the chosen strategy refuses to
// perform silently (strict mode, or an unrecoverable type conversion).
type Error struct {
	Column string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("migrator: column %q: %s", e.Column, e.Reason)
}

// Compare is a thin alias over drift.Compare: the archived schema snapshot
// against the table's current live schema.
func Compare(archived, live *sourcestore.Schema) drift.Report {
	return drift.Compare(archived, live)
}

// Transform adapts one record read from an archive to the live schema,
// according to strategy. archived and live may be nil (e.g. the archive
// predates schema snapshots, or the target table doesn't exist yet); in
// that case the record passes through unchanged.
func Transform(record model.Row, archived, live *sourcestore.Schema, strategy Strategy) (model.Row, error) {
	if archived == nil || live == nil || strategy == StrategyNone {
		return record, nil
	}

	report := drift.Compare(archived, live)
	out := record.Clone()
	liveCols := columnIndex(live.Columns)

	for _, change := range report.Changes {
		switch change.Kind {
		case drift.ColumnRemoved:
			if strategy == StrategyStrict {
				return nil, &Error{Column: change.Column, Reason: "column removed from live table"}
			}
			delete(out, change.Column)

		case drift.ColumnAdded:
			if _, present := out[change.Column]; !present {
				col := liveCols[change.Column]
				if col.Nullable {
					out[change.Column] = model.Null()
				} else {
					out[change.Column] = defaultValue(col.DataType)
				}
			}

		case drift.ColumnTypeChanged:
			if strategy == StrategyStrict {
				return nil, &Error{Column: change.Column, Reason: fmt.Sprintf("type changed %s -> %s", change.From, change.To)}
			}
			// Only "transform" coerces values across type families
			// (spec.md §4.10 step 4); "lenient" passes the value through
			// as-is, same as a plain column rename would.
			if strategy != StrategyTransform {
				continue
			}
			if v, present := out[change.Column]; present {
				converted, err := convert(v, change.From, change.To)
				if err != nil {
					out[change.Column] = model.Null()
				} else {
					out[change.Column] = converted
				}
			}

		case drift.NullabilityChanged:
			if v, present := out[change.Column]; present && v.IsNull() && change.To == "not_null" {
				if strategy == StrategyStrict {
					return nil, &Error{Column: change.Column, Reason: "NULL value in column now NOT NULL"}
				}
				col := liveCols[change.Column]
				out[change.Column] = defaultValue(col.DataType)
			}
		}
	}

	return out, nil
}

func columnIndex(cols []sourcestore.Column) map[string]sourcestore.Column {
	out := make(map[string]sourcestore.Column, len(cols))
	for _, c := range cols {
		out[c.Name] = c
	}
	return out
}

// defaultValue picks a type-appropriate zero value for a newly required
// column, matching schema_migrator.py's _get_default_value table.
func defaultValue(dataType string) model.Value {
	t := strings.ToUpper(dataType)
	switch {
	case strings.Contains(t, "INT") || strings.Contains(t, "SERIAL"):
		return model.Int64Value(0)
	case strings.Contains(t, "FLOAT") || strings.Contains(t, "DOUBLE") || strings.Contains(t, "REAL") || strings.Contains(t, "NUMERIC") || strings.Contains(t, "DECIMAL"):
		return model.Float64Value(0)
	case strings.Contains(t, "BOOL"):
		return model.BoolValue(false)
	case strings.Contains(t, "TIMESTAMP") || strings.Contains(t, "DATE"):
		return model.Null()
	case strings.Contains(t, "JSON"):
		return model.JSONValue(map[string]any{})
	case strings.Contains(t, "ARRAY"):
		return model.JSONValue([]any{})
	default:
		return model.TextValue("")
	}
}

// convert attempts to reinterpret v under toType, matching
// schema_migrator.py's _convert_type: numeric-to-numeric, anything-to-text,
// text-to-integer/float and text-to-JSON are attempted. A value that does not
// parse as the target number returns an error, which Transform turns into
// NULL under the transform strategy; any other type pair passes through
// unchanged.
func convert(v model.Value, fromType, toType string) (model.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	from := strings.ToUpper(fromType)
	to := strings.ToUpper(toType)
	if from == to {
		return v, nil
	}

	switch {
	case strings.Contains(from, "INT") && strings.Contains(to, "INT"):
		return toInt64(v)

	case strings.Contains(from, "NUMERIC") || strings.Contains(from, "DECIMAL"):
		switch {
		case strings.Contains(to, "INT"):
			return toInt64(v)
		case strings.Contains(to, "FLOAT") || strings.Contains(to, "DOUBLE") || strings.Contains(to, "REAL"):
			return toFloat64(v)
		}

	case strings.Contains(to, "TEXT") || strings.Contains(to, "VARCHAR") || strings.Contains(to, "CHAR"):
		return model.TextValue(toText(v)), nil

	case strings.Contains(to, "JSON"):
		if v.Kind == model.KindJSON {
			return v, nil
		}
		if v.Kind == model.KindText {
			return model.JSONValue(v.Text), nil
		}

	case strings.Contains(from, "TEXT") || strings.Contains(from, "CHAR"):
		switch {
		case strings.Contains(to, "INT"):
			return toInt64(v)
		case strings.Contains(to, "FLOAT") || strings.Contains(to, "DOUBLE") || strings.Contains(to, "REAL"):
			return toFloat64(v)
		}
	}

	return v, nil
}

// toInt64 converts v to an integer Value, returning an error (rather than
// silently truncating to zero) when a text/decimal source does not parse as
// a number -- the caller maps that error to NULL per spec.md §4.10 step 4's
// "on coercion failure, set NULL".
func toInt64(v model.Value) (model.Value, error) {
	switch v.Kind {
	case model.KindInt64:
		return v, nil
	case model.KindFloat64:
		return model.Int64Value(int64(v.Float64)), nil
	case model.KindDecimal:
		f, err := strconv.ParseFloat(v.Decimal, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse decimal %q as int: %w", v.Decimal, err)
		}
		return model.Int64Value(int64(f)), nil
	case model.KindText:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Text), 10, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse text %q as int: %w", v.Text, err)
		}
		return model.Int64Value(n), nil
	default:
		return model.Value{}, fmt.Errorf("cannot convert %T to int", v.Native())
	}
}

func toFloat64(v model.Value) (model.Value, error) {
	switch v.Kind {
	case model.KindInt64:
		return model.Float64Value(float64(v.Int64)), nil
	case model.KindFloat64:
		return v, nil
	case model.KindDecimal:
		f, err := strconv.ParseFloat(v.Decimal, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse decimal %q as float: %w", v.Decimal, err)
		}
		return model.Float64Value(f), nil
	case model.KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse text %q as float: %w", v.Text, err)
		}
		return model.Float64Value(f), nil
	default:
		return model.Value{}, fmt.Errorf("cannot convert %T to float", v.Native())
	}
}

func toText(v model.Value) string {
	switch v.Kind {
	case model.KindText:
		return v.Text
	case model.KindDecimal:
		return v.Decimal
	case model.KindInt64:
		return strconv.FormatInt(v.Int64, 10)
	case model.KindFloat64:
		return strconv.FormatFloat(v.Float64, 'f', -1, 64)
	case model.KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return fmt.Sprint(v.Native())
	}
}
